// Package statestore defines the field-addressable key/value state store
// contract: CAS, per-key TTL, and prefix scan, with backends for Pebble,
// Redis, and an in-memory fake for tests.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/graybear-io/gbe-nexus/internal/filter"
)

// ErrBackendTransient wraps a transient (network/timeout) failure a caller
// may retry.
var ErrBackendTransient = errors.New("statestore: backend transient error")

// ErrBackendPermanent wraps an irrecoverable backend rejection.
var ErrBackendPermanent = errors.New("statestore: backend permanent error")

// Record is the set of named binary fields stored under one key.
type Record struct {
	Fields map[string][]byte
}

// CompareOp is the comparison applied by a ScanFilter's field-level check.
type CompareOp int

const (
	// OpEq matches fields equal (byte-for-byte) to Value.
	OpEq CompareOp = iota
	// OpLt matches fields that, interpreted as decimal integers, are less
	// than Value.
	OpLt
	// OpGt matches fields that, interpreted as decimal integers, are
	// greater than Value.
	OpGt
)

// ScanFilter is applied client-side after fetch, per spec: one field-level
// eq/lt/gt comparison, optionally supplemented by a CEL expression.
type ScanFilter struct {
	Field string
	Op    CompareOp
	Value []byte

	// CEL, if non-zero, is evaluated against the record's key and fields in
	// addition to the plain comparison above. Both must pass.
	CEL filter.Filter
}

// ScanOptions bounds a Scan call.
type ScanOptions struct {
	Filter     *ScanFilter
	MaxResults int
}

// ScanResult is one (key, Record) pair yielded by Scan.
type ScanResult struct {
	Key    string
	Record Record
}

// Store is the field-addressable state store contract.
type Store interface {
	// Get fetches all fields under key. Returns (Record{}, false, nil) if the
	// key is unknown.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Put replaces or creates key with the given fields. If ttl > 0, it sets
	// the key's TTL; ttl == 0 means no TTL (or leave existing TTL alone is
	// not implied — Put always replaces the whole record).
	Put(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error

	// Delete removes key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error

	// GetField fetches one field. Returns (nil, false, nil) if the key or
	// field is unknown.
	GetField(ctx context.Context, key, field string) ([]byte, bool, error)

	// SetField sets one field on key, creating the record if absent. Does
	// not alter the key's remaining TTL.
	SetField(ctx context.Context, key, field string, value []byte) error

	// SetFields sets multiple fields on key in one call. Does not alter the
	// key's remaining TTL.
	SetFields(ctx context.Context, key string, fields map[string][]byte) error

	// CompareAndSwap atomically sets field to newVal only if its current
	// value equals expected (a missing key or missing field is treated as a
	// non-match, never an error). Returns whether the swap occurred.
	CompareAndSwap(ctx context.Context, key, field string, expected, newVal []byte) (bool, error)

	// Scan returns the keys with the given prefix as one slice. The result
	// is not a consistent snapshot. opts.Filter, if set, is applied client-side after fetch.
	// opts.MaxResults, if > 0, caps total yield.
	Scan(ctx context.Context, prefix string, opts ScanOptions) ([]ScanResult, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) (bool, error)
}

// MatchesFilter applies f's plain comparison (and CEL predicate, if any) to
// a fetched record. A nil filter always matches.
func MatchesFilter(key string, rec Record, f *ScanFilter) bool {
	if f == nil {
		return true
	}
	val, ok := rec.Fields[f.Field]
	if !ok {
		return false
	}
	if !compareBytes(val, f.Value, f.Op) {
		return false
	}
	if f.CEL.Enabled() {
		asAny := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			asAny[k] = string(v)
		}
		if !f.CEL.EvalRecord(key, asAny) {
			return false
		}
	}
	return true
}

func compareBytes(a, b []byte, op CompareOp) bool {
	switch op {
	case OpEq:
		return string(a) == string(b)
	case OpLt, OpGt:
		an, aok := parseInt(a)
		bn, bok := parseInt(b)
		if !aok || !bok {
			// fall back to lexical comparison when not both integers
			if op == OpLt {
				return string(a) < string(b)
			}
			return string(a) > string(b)
		}
		if op == OpLt {
			return an < bn
		}
		return an > bn
	default:
		return false
	}
}

func parseInt(b []byte) (int64, bool) {
	var n int64
	neg := false
	i := 0
	if len(b) == 0 {
		return 0, false
	}
	if b[0] == '-' {
		neg = true
		i = 1
	}
	if i == len(b) {
		return 0, false
	}
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, false
		}
		n = n*10 + int64(b[i]-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}
