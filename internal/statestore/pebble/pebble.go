// Package pebblestate implements statestore.Store on top of an embedded
// Pebble database: a Record is a JSON-encoded field map under a single key,
// plus a side TTL index key. Expiry is checked lazily against the expiry
// time stored in the record itself; nothing reads the TTL index key.
package pebblestate

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/graybear-io/gbe-nexus/internal/statestore"
	pebblestore "github.com/graybear-io/gbe-nexus/internal/storage/pebble"
)

const (
	recordPrefix = "state/"
	ttlPrefix    = "state-ttl/"
)

func recordKey(key string) []byte {
	return []byte(recordPrefix + key)
}

func ttlIndexKey(expiresAtMs int64, key string) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(expiresAtMs))
	return []byte(ttlPrefix + string(buf[:]) + key)
}

type storedRecord struct {
	Fields    map[string][]byte `json:"fields"`
	ExpiresAt int64             `json:"expires_at_ms,omitempty"`
}

// Store is a Pebble-backed statestore.Store. CAS calls for the same key
// serialize through a per-key mutex, since Pebble itself has no
// compare-and-swap primitive.
type Store struct {
	db  *pebblestore.DB
	now func() time.Time

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// New wraps db as a statestore.Store.
func New(db *pebblestore.DB) *Store {
	return &Store{db: db, now: time.Now, keyLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	return m
}

func (s *Store) readRecord(key string) (*storedRecord, bool, error) {
	raw, err := s.db.Get(recordKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	if rec.ExpiresAt > 0 && s.now().UnixMilli() >= rec.ExpiresAt {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (s *Store) writeRecord(ctx context.Context, key string, rec *storedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(recordKey(key), data, nil); err != nil {
		return err
	}
	if rec.ExpiresAt > 0 {
		if err := b.Set(ttlIndexKey(rec.ExpiresAt, key), nil, nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

func (s *Store) Get(ctx context.Context, key string) (statestore.Record, bool, error) {
	rec, ok, err := s.readRecord(key)
	if err != nil {
		return statestore.Record{}, false, err
	}
	if !ok {
		return statestore.Record{}, false, nil
	}
	return statestore.Record{Fields: rec.Fields}, true, nil
}

func (s *Store) Put(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec := &storedRecord{Fields: fields}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}
	return s.writeRecord(ctx, key, rec)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return s.db.Delete(recordKey(key))
}

func (s *Store) GetField(ctx context.Context, key, field string) ([]byte, bool, error) {
	rec, ok, err := s.readRecord(key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, ok := rec.Fields[field]
	return v, ok, nil
}

func (s *Store) SetField(ctx context.Context, key, field string, value []byte) error {
	return s.SetFields(ctx, key, map[string][]byte{field: value})
}

func (s *Store) SetFields(ctx context.Context, key string, fields map[string][]byte) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, ok, err := s.readRecord(key)
	if err != nil {
		return err
	}
	if !ok {
		rec = &storedRecord{Fields: make(map[string][]byte)}
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string][]byte)
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	return s.writeRecord(ctx, key, rec)
}

func (s *Store) CompareAndSwap(ctx context.Context, key, field string, expected, newVal []byte) (bool, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, ok, err := s.readRecord(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	cur, ok := rec.Fields[field]
	if !ok {
		return false, nil
	}
	if string(cur) != string(expected) {
		return false, nil
	}
	rec.Fields[field] = newVal
	if err := s.writeRecord(ctx, key, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Scan(ctx context.Context, prefix string, opts statestore.ScanOptions) ([]statestore.ScanResult, error) {
	low := recordKey(prefix)
	hi := append([]byte(nil), low...)
	hi = append(hi, 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var results []statestore.ScanResult
	for ok := iter.First(); ok; ok = iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), recordPrefix)
		var rec storedRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.ExpiresAt > 0 && s.now().UnixMilli() >= rec.ExpiresAt {
			continue
		}
		sr := statestore.Record{Fields: rec.Fields}
		if !statestore.MatchesFilter(key, sr, opts.Filter) {
			continue
		}
		results = append(results, statestore.ScanResult{Key: key, Record: sr})
		if opts.MaxResults > 0 && len(results) >= opts.MaxResults {
			break
		}
	}
	return results, nil
}

func (s *Store) Ping(ctx context.Context) (bool, error) {
	return true, nil
}
