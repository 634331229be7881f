// Package memory implements an in-memory statestore.Store fake, for unit
// tests of components layered on the State Store that don't need a real
// backend.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/statestore"
)

type entry struct {
	fields    map[string][]byte
	expiresAt time.Time // zero means no TTL
}

// Store is a sync.Mutex-guarded map implementing statestore.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]*entry), now: time.Now}
}

func (s *Store) expiredLocked(key string) bool {
	e, ok := s.data[key]
	if !ok {
		return false
	}
	if e.expiresAt.IsZero() {
		return false
	}
	if s.now().After(e.expiresAt) {
		delete(s.data, key)
		return true
	}
	return false
}

func cloneFields(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func (s *Store) Get(ctx context.Context, key string) (statestore.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return statestore.Record{}, false, nil
	}
	e, ok := s.data[key]
	if !ok {
		return statestore.Record{}, false, nil
	}
	return statestore.Record{Fields: cloneFields(e.fields)}, true, nil
}

func (s *Store) Put(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{fields: cloneFields(fields)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) GetField(ctx context.Context, key, field string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return nil, false, nil
	}
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := e.fields[field]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *Store) SetField(ctx context.Context, key, field string, value []byte) error {
	return s.SetFields(ctx, key, map[string][]byte{field: value})
}

func (s *Store) SetFields(ctx context.Context, key string, fields map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	e, ok := s.data[key]
	if !ok {
		e = &entry{fields: make(map[string][]byte)}
		s.data[key] = e
	}
	for k, v := range fields {
		cp := make([]byte, len(v))
		copy(cp, v)
		e.fields[k] = cp
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, field string, expected, newVal []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	e, ok := s.data[key]
	if !ok {
		return false, nil
	}
	cur, ok := e.fields[field]
	if !ok {
		return false, nil
	}
	if string(cur) != string(expected) {
		return false, nil
	}
	cp := make([]byte, len(newVal))
	copy(cp, newVal)
	e.fields[field] = cp
	return true, nil
}

func (s *Store) Scan(ctx context.Context, prefix string, opts statestore.ScanOptions) ([]statestore.ScanResult, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	var results []statestore.ScanResult
	for _, k := range keys {
		rec, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !statestore.MatchesFilter(k, rec, opts.Filter) {
			continue
		}
		results = append(results, statestore.ScanResult{Key: k, Record: rec})
		if opts.MaxResults > 0 && len(results) >= opts.MaxResults {
			break
		}
	}
	return results, nil
}

func (s *Store) Ping(ctx context.Context) (bool, error) {
	return true, nil
}
