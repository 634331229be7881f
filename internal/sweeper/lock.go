// Package sweeper implements the periodic supervisor: distributed-locked
// stuck-job detection and retry, retention enforcement with an
// archiver-lag guard, and sweep-report publication.
package sweeper

import "context"

// Lock is a distributed mutual-exclusion lock held for one tick. Acquire
// returns false (not an error) when another instance currently holds it;
// Release is a guarded compare-then-delete so a lock can never be released
// by an instance that no longer owns it (e.g. after its TTL expired and a
// newer instance acquired it).
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
