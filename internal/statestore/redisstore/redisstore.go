// Package redisstore implements statestore.Store against a Redis-style
// backend: hashes for records, PEXPIRE for TTL, SCAN for prefix iteration,
// and a Lua script for atomic compare-and-swap.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graybear-io/gbe-nexus/internal/resilience"
	"github.com/graybear-io/gbe-nexus/internal/statestore"
)

// casScriptSrc sets field to new only if its current value equals expected.
// Ported from original_source's state-store-redis CAS_SCRIPT.
const casScriptSrc = `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == ARGV[2] then
    redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
    return 1
else
    return 0
end
`

var casScript = redis.NewScript(casScriptSrc)

// Store is a Redis-backed statestore.Store.
type Store struct {
	client  *redis.Client
	breaker *resilience.Breaker
}

// New wraps an existing go-redis client. breaker may be nil to skip
// circuit-breaking (e.g. in tests against a real or fake server).
func New(client *redis.Client, breaker *resilience.Breaker) *Store {
	return &Store{client: client, breaker: breaker}
}

func (s *Store) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%w: %v", statestore.ErrBackendTransient, err)
		}
		return nil
	}
	if err := s.breaker.Do(ctx, fn); err != nil {
		return fmt.Errorf("%w: %v", statestore.ErrBackendTransient, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (statestore.Record, bool, error) {
	var fields map[string]string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		fields, err = s.client.HGetAll(ctx, key).Result()
		return err
	})
	if err != nil {
		return statestore.Record{}, false, err
	}
	if len(fields) == 0 {
		return statestore.Record{}, false, nil
	}
	return statestore.Record{Fields: toBytesMap(fields)}, true, nil
}

func (s *Store) Put(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error {
	if len(fields) == 0 {
		return s.Delete(ctx, key)
	}
	return s.do(ctx, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, toAnyMap(fields))
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, key).Err()
	})
}

func (s *Store) GetField(ctx context.Context, key, field string) ([]byte, bool, error) {
	var val string
	var found bool
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.client.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return []byte(val), true, nil
}

func (s *Store) SetField(ctx context.Context, key, field string, value []byte) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.HSet(ctx, key, field, value).Err()
	})
}

func (s *Store) SetFields(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.HSet(ctx, key, toAnyMap(fields)).Err()
	})
}

func (s *Store) CompareAndSwap(ctx context.Context, key, field string, expected, newVal []byte) (bool, error) {
	var result int64
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := casScript.Run(ctx, s.client, []string{key}, field, expected, newVal).Int64()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (s *Store) Scan(ctx context.Context, prefix string, opts statestore.ScanOptions) ([]statestore.ScanResult, error) {
	pattern := prefix + "*"
	var results []statestore.ScanResult

	err := s.do(ctx, func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				fields, err := s.client.HGetAll(ctx, key).Result()
				if err != nil {
					return err
				}
				if len(fields) == 0 {
					continue
				}
				rec := statestore.Record{Fields: toBytesMap(fields)}
				if !statestore.MatchesFilter(key, rec, opts.Filter) {
					continue
				}
				results = append(results, statestore.ScanResult{Key: key, Record: rec})
				if opts.MaxResults > 0 && len(results) >= opts.MaxResults {
					return nil
				}
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) Ping(ctx context.Context) (bool, error) {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func toBytesMap(in map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = []byte(v)
	}
	return out
}

func toAnyMap(in map[string][]byte) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
