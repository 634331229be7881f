package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/graybear-io/gbe-nexus/internal/storage/pebble"
)

type lockRecord struct {
	Owner     string `json:"owner"`
	ExpiresMs int64  `json:"expires_ms"`
}

// PebbleLock implements Lock on a single Pebble key holding an owner+expiry
// record, since Pebble has no native SET NX PX. A process-local mutex
// serializes the read-check-write sequence against concurrent goroutines in
// this process; cross-process safety comes from the owner/expiry check
// itself, the same discipline statestore/pebble uses for CAS.
type PebbleLock struct {
	db         *pebblestore.DB
	key        []byte
	instanceID string
	ttl        time.Duration

	mu sync.Mutex
}

// NewPebbleLock builds a lock on key, held under instanceID for ttl per
// acquisition.
func NewPebbleLock(db *pebblestore.DB, key, instanceID string, ttl time.Duration) *PebbleLock {
	return &PebbleLock{db: db, key: []byte(key), instanceID: instanceID, ttl: ttl}
}

func (l *PebbleLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixMilli()
	existing, err := l.db.Get(l.key)
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return false, err
	}
	if err == nil {
		var rec lockRecord
		if json.Unmarshal(existing, &rec) == nil && rec.ExpiresMs > now {
			return false, nil
		}
	}

	rec := lockRecord{Owner: l.instanceID, ExpiresMs: now + l.ttl.Milliseconds()}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	if err := l.db.Set(l.key, data); err != nil {
		return false, err
	}
	return true, nil
}

func (l *PebbleLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.db.Get(l.key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		return err
	}
	var rec lockRecord
	if json.Unmarshal(existing, &rec) != nil {
		return nil
	}
	if rec.Owner != l.instanceID {
		return nil
	}
	return l.db.Delete(l.key)
}
