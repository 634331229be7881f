package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/transport"
)

var errFail = errors.New("handler failed")

func TestPublishSubscribeRoundTrip(t *testing.T) {
	store := New()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)

	var gotPayload []byte
	sub, err := store.Subscribe(ctx, "orders.created", "g1", func(ctx context.Context, msg *transport.Message) error {
		gotPayload = msg.Envelope.Payload
		wg.Done()
		return nil
	}, transport.SubscribeOpts{})
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

	if string(gotPayload) != `{"id":1}` {
		t.Fatalf("got payload %q", gotPayload)
	}
}

func TestDeadLetterRoutesToDeadLetterSubjectAndAcksSource(t *testing.T) {
	store := New()
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dlDone := make(chan []byte, 1)
	dlSub, err := store.Subscribe(ctx, "root._deadletter.tasks", "watchers", func(ctx context.Context, msg *transport.Message) error {
		dlDone <- msg.Envelope.Payload
		return msg.Ack(ctx)
	}, transport.SubscribeOpts{})
	if err != nil {
		t.Fatalf("Subscribe deadletter: %v", err)
	}
	defer dlSub.Unsubscribe()

	sourceDone := make(chan struct{}, 1)
	sub, err := store.Subscribe(ctx, "root.tasks.foo.queue", "workers", func(ctx context.Context, msg *transport.Message) error {
		defer close(sourceDone)
		return msg.DeadLetter(ctx, "unparseable")
	}, transport.SubscribeOpts{})
	if err != nil {
		t.Fatalf("Subscribe source: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := store.Publish(ctx, "root.tasks.foo.queue", []byte("bad"), transport.PublishOpts{}); err != nil {
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

	pending, err := store.PendingCount(ctx, "root.tasks.foo.queue", "workers")
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 0 {
		t.Fatalf("source pending = %d, want 0 after dead_letter", pending)
	}
}

func TestIdempotentPublishReturnsSameMessageID(t *testing.T) {
	store := New()
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
		t.Fatalf("expected same message_id for duplicate idempotency key, got %q and %q", id1, id2)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	store := New()
	store.Close()
	if _, err := store.Publish(context.Background(), "orders.created", []byte("x"), transport.PublishOpts{}); err != transport.ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestNakRedeliversAfterExpiry(t *testing.T) {
	store := New()
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	redelivered := make(chan struct{})

	sub, err := store.Subscribe(ctx, "orders.created", "g1", func(ctx context.Context, msg *transport.Message) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return errFail
		}
		close(redelivered)
		return nil
	}, transport.SubscribeOpts{AckTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := store.Publish(ctx, "orders.created", []byte("x"), transport.PublishOpts{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-redelivered:
	case <-ctx.Done():
		t.Fatal("timed out waiting for redelivery")
	}
}

func TestTrimStreamRemovesOldEntries(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	st := store.streamFor("orders.created")
	st.mu.Lock()
	st.nextSeq++
	st.entries = append(st.entries, entry{seq: st.nextSeq})
	st.mu.Unlock()

	removed, err := store.TrimStream(ctx, "orders.created", -time.Hour)
	if err != nil {
		t.Fatalf("TrimStream: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}
