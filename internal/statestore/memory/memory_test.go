package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/statestore"
)

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "k1", map[string][]byte{"state": []byte("pending")}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(rec.Fields["state"]) != "pending" {
		t.Errorf("state = %q, want pending", rec.Fields["state"])
	}
}

func TestGetUnknownKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, ok, err := s.Get(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	fakeNow := time.Unix(1000, 0)
	s.now = func() time.Time { return fakeNow }
	if err := s.Put(ctx, "k1", map[string][]byte{"a": []byte("1")}, 5*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fakeNow = fakeNow.Add(10 * time.Second)
	_, ok, err := s.Get(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("expected expired, got ok=%v err=%v", ok, err)
	}
}

func TestSetFieldDoesNotResetTTL(t *testing.T) {
	ctx := context.Background()
	s := New()
	fakeNow := time.Unix(1000, 0)
	s.now = func() time.Time { return fakeNow }
	if err := s.Put(ctx, "k1", map[string][]byte{"a": []byte("1")}, 5*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fakeNow = fakeNow.Add(3 * time.Second)
	if err := s.SetField(ctx, "k1", "b", []byte("2")); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	fakeNow = fakeNow.Add(3 * time.Second) // total 6s elapsed, past original 5s TTL
	_, ok, err := s.Get(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("expected key to have expired on its original TTL, got ok=%v err=%v", ok, err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "k1", map[string][]byte{"state": []byte("pending")}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.CompareAndSwap(ctx, "k1", "state", []byte("pending"), []byte("claimed"))
	if err != nil || !ok {
		t.Fatalf("CompareAndSwap: ok=%v err=%v", ok, err)
	}
	ok, err = s.CompareAndSwap(ctx, "k1", "state", []byte("pending"), []byte("claimed"))
	if err != nil || ok {
		t.Fatalf("second CompareAndSwap should fail, got ok=%v err=%v", ok, err)
	}
	v, _, _ := s.GetField(ctx, "k1", "state")
	if string(v) != "claimed" {
		t.Errorf("state = %q, want claimed", v)
	}
}

func TestCompareAndSwapMissingKeyIsNonMatchNotError(t *testing.T) {
	ctx := context.Background()
	s := New()
	ok, err := s.CompareAndSwap(ctx, "missing", "state", []byte("pending"), []byte("claimed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing key")
	}
}

func TestCASLinearizableUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "k1", map[string][]byte{"state": []byte("pending")}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "k1", "state", []byte("pending"), []byte("claimed"))
			if err != nil {
				t.Errorf("CompareAndSwap: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Errorf("expected exactly one true result, got %d", trueCount)
	}
}

func TestScanWithPrefixAndFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	must := func(err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(s.Put(ctx, "gbe:state:tasks:email:1", map[string][]byte{"updated_at_ms": []byte("100")}, 0))
	must(s.Put(ctx, "gbe:state:tasks:email:2", map[string][]byte{"updated_at_ms": []byte("500")}, 0))
	must(s.Put(ctx, "gbe:state:other:1", map[string][]byte{"updated_at_ms": []byte("100")}, 0))

	results, err := s.Scan(ctx, "gbe:state:tasks:", statestore.ScanOptions{
		Filter: &statestore.ScanFilter{Field: "updated_at_ms", Op: statestore.OpLt, Value: []byte("200")},
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 || results[0].Key != "gbe:state:tasks:email:1" {
		t.Errorf("Scan results = %+v, want single match on email:1", results)
	}
}

func TestScanMaxResults(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 10; i++ {
		if err := s.Put(ctx, "p:"+string(rune('a'+i)), map[string][]byte{"x": []byte("1")}, 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	results, err := s.Scan(ctx, "p:", statestore.ScanOptions{MaxResults: 3})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("len(results) = %d, want 3", len(results))
	}
}

func TestPing(t *testing.T) {
	s := New()
	ok, err := s.Ping(context.Background())
	if err != nil || !ok {
		t.Fatalf("Ping: ok=%v err=%v", ok, err)
	}
}
