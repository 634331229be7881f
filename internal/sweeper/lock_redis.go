package sweeper

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes key only if its current value still matches the
// calling instance, ported from original_source's sweeper crate's
// RELEASE_SCRIPT verbatim.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
else
    return 0
end
`

var redisReleaseScript = redis.NewScript(releaseScript)

// RedisLock implements Lock with SET NX PX and a Lua-guarded release.
type RedisLock struct {
	client     *redis.Client
	key        string
	instanceID string
	ttlMs      int64
}

// NewRedisLock builds a lock on key, held under instanceID for ttlMs
// milliseconds per acquisition.
func NewRedisLock(client *redis.Client, key, instanceID string, ttlMs int64) *RedisLock {
	return &RedisLock{client: client, key: key, instanceID: instanceID, ttlMs: ttlMs}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, time.Duration(l.ttlMs)*time.Millisecond).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	_, err := redisReleaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Int64()
	return err
}
