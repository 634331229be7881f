package pebbletransport

import (
	"context"
	"sync"
	"testing"
	"time"

	pebblestore "github.com/graybear-io/gbe-nexus/internal/storage/pebble"
	"github.com/graybear-io/gbe-nexus/internal/transport"
	"github.com/graybear-io/gbe-nexus/pkg/id"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "ns-test", id.NewGenerator(), nil)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte

	sub, err := store.Subscribe(ctx, "orders.created", "g1", func(ctx context.Context, msg *transport.Message) error {
		got = msg.Envelope.Payload
		wg.Done()
		return nil
	}, transport.SubscribeOpts{AckTimeout: time.Second})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := store.Publish(ctx, "orders.created", []byte(`{"id":1}`), transport.PublishOpts{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}

	if string(got) != `{"id":1}` {
		t.Fatalf("got %q", got)
	}
}

func TestDeadLetterRoutesToDeadLetterSubjectAndAcksSource(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dlDone := make(chan []byte, 1)
	dlSub, err := store.Subscribe(ctx, "ns-test._deadletter.tasks", "watchers", func(ctx context.Context, msg *transport.Message) error {
		dlDone <- msg.Envelope.Payload
		return msg.Ack(ctx)
	}, transport.SubscribeOpts{})
	if err != nil {
		t.Fatalf("Subscribe deadletter: %v", err)
	}
	defer dlSub.Unsubscribe()

	sourceDone := make(chan struct{}, 1)
	sub, err := store.Subscribe(ctx, "gbe.tasks.foo.queue", "workers", func(ctx context.Context, msg *transport.Message) error {
		defer close(sourceDone)
		return msg.DeadLetter(ctx, "unparseable")
	}, transport.SubscribeOpts{AckTimeout: time.Second})
	if err != nil {
		t.Fatalf("Subscribe source: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := store.Publish(ctx, "gbe.tasks.foo.queue", []byte("bad"), transport.PublishOpts{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-sourceDone:
	case <-ctx.Done():
		t.Fatal("timed out waiting for source handler to run")
	}

	select {
	case payload := <-dlDone:
		if string(payload) != "bad" {
			t.Fatalf("dead-lettered payload = %q, want %q", payload, "bad")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for dead-letter delivery")
	}

	pending, err := store.PendingCount(ctx, "gbe.tasks.foo.queue", "workers")
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 0 {
		t.Fatalf("source pending = %d, want 0 after dead_letter", pending)
	}
}

func TestIdempotentPublishReturnsSameMessageID(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	id1, err := store.Publish(ctx, "orders.created", []byte("a"), transport.PublishOpts{IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	id2, err := store.Publish(ctx, "orders.created", []byte("b"), transport.PublishOpts{IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same message_id, got %q and %q", id1, id2)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	store := openTestStore(t)
	store.Close()
	if _, err := store.Publish(context.Background(), "orders.created", []byte("x"), transport.PublishOpts{}); err != transport.ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestTrimStreamRemovesOldEntries(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Publish(ctx, "orders.created", []byte("x"), transport.PublishOpts{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	removed, err := store.TrimStream(ctx, "orders.created", -time.Hour)
	if err != nil {
		t.Fatalf("TrimStream: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestSeqMsgIDRoundTrip(t *testing.T) {
	for _, seq := range []uint64{0, 1, 255, 256, 1 << 40} {
		if got := seqFromMsgID(msgIDFromSeq(seq)); got != seq {
			t.Errorf("seqFromMsgID(msgIDFromSeq(%d)) = %d", seq, got)
		}
	}
}
