package sweeper

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	memstate "github.com/graybear-io/gbe-nexus/internal/statestore/memory"
	"github.com/graybear-io/gbe-nexus/internal/transport"
	memtransport "github.com/graybear-io/gbe-nexus/internal/transport/memory"
)

type fakeLock struct {
	mu   sync.Mutex
	held bool
}

func (f *fakeLock) Acquire(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	return nil
}

func TestStuckTaskRetriedThenFailed(t *testing.T) {
	store := memstate.New()
	tp := memtransport.New()
	defer tp.Close()
	lock := &fakeLock{}

	ctx := context.Background()
	key := "gbe.state.tasks.t1"
	now := time.Now()

	store.Put(ctx, key, map[string][]byte{
		"state":           []byte("running"),
		"task_type":       []byte("email-send"),
		"retry_count":     []byte("2"),
		"max_retries":     []byte("3"),
		"updated_at_ms":   []byte(strconv.FormatInt(now.Add(-10*time.Minute).UnixMilli(), 10)),
		"step_timeout_ms": []byte("60000"),
	}, 0)

	sw := New(Config{Root: "gbe", StuckThreshold: time.Minute}, store, tp, lock, nil)
	report, err := sw.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if report.StuckCount != 1 || report.RetriedCount != 1 {
		t.Fatalf("report = %+v, want 1 stuck, 1 retried", report)
	}

	rec, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(rec.Fields["state"]) != "pending" {
		t.Fatalf("state = %q, want pending", rec.Fields["state"])
	}
	if string(rec.Fields["retry_count"]) != "3" {
		t.Fatalf("retry_count = %q, want 3", rec.Fields["retry_count"])
	}

	// Second tick: now at budget, should fail.
	store.SetFields(ctx, key, map[string][]byte{
		"state":         []byte("running"),
		"updated_at_ms": []byte(strconv.FormatInt(now.Add(-10*time.Minute).UnixMilli(), 10)),
	})
	report, err = sw.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick 2: %v", err)
	}
	if report.FailedByBudget != 1 {
		t.Fatalf("report = %+v, want 1 failed-by-budget", report)
	}
	rec, _, _ = store.Get(ctx, key)
	if string(rec.Fields["state"]) != "failed" {
		t.Fatalf("state = %q, want failed", rec.Fields["state"])
	}
}

func TestSweeperNeverTransitionsTerminalRecord(t *testing.T) {
	store := memstate.New()
	tp := memtransport.New()
	defer tp.Close()
	lock := &fakeLock{}
	ctx := context.Background()

	key := "gbe.state.tasks.t2"
	store.Put(ctx, key, map[string][]byte{
		"state":         []byte("completed"),
		"task_type":     []byte("email-send"),
		"retry_count":   []byte("0"),
		"max_retries":   []byte("3"),
		"updated_at_ms": []byte(strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)),
	}, 0)

	sw := New(Config{Root: "gbe", StuckThreshold: time.Minute}, store, tp, lock, nil)
	report, err := sw.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if report.StuckCount != 0 {
		t.Fatalf("terminal record was counted as stuck: report = %+v", report)
	}
	rec, _, _ := store.Get(ctx, key)
	if string(rec.Fields["state"]) != "completed" {
		t.Fatalf("terminal record was transitioned: state = %q", rec.Fields["state"])
	}
}

var errHandlerNeverAcks = errors.New("handler intentionally never acks")

func TestRetentionSkipsTrimWhenArchiverLagExceedsThreshold(t *testing.T) {
	store := memstate.New()
	tp := memtransport.New()
	defer tp.Close()
	lock := &fakeLock{}
	ctx := context.Background()

	tp.Publish(ctx, "gbe.events.audit.change", []byte("x"), transport.PublishOpts{})

	delivered := make(chan struct{}, 1)
	sub, err := tp.Subscribe(ctx, "gbe.events.audit.change", "archiver", func(ctx context.Context, msg *transport.Message) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return errHandlerNeverAcks
	}, transport.SubscribeOpts{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	sw := New(Config{
		Root:         "gbe",
		LagThreshold: 0,
		Retention: []RetentionRule{
			{Subject: "gbe.events.audit.change", MaxAge: -time.Hour, Archival: true, ArchiverGroup: "archiver"},
		},
	}, store, tp, lock, nil)

	report, err := sw.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if report.TrimmedCount != 0 {
		t.Fatalf("trim was not guarded by archiver lag: report = %+v", report)
	}
}

func TestLockPreventsConcurrentTick(t *testing.T) {
	store := memstate.New()
	tp := memtransport.New()
	defer tp.Close()
	lock := &fakeLock{held: true}

	sw := New(Config{Root: "gbe"}, store, tp, lock, nil)
	report, err := sw.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if report != (Report{}) {
		t.Fatalf("expected zero-value report when lock unavailable, got %+v", report)
	}
}
