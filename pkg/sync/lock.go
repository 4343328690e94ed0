package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes sync work per (org, source system). At most one job per
// key runs at a time, which is what keeps artifact upserts free of
// same-source races.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done. The
	// returned release function must be called exactly once.
	Acquire(ctx context.Context, key string) (func(), error)
}

// LocalLocker serializes within a single process using per-key mutexes.
type LocalLocker struct {
	locks stdsync.Map // key -> *stdsync.Mutex
}

func NewLocalLocker() *LocalLocker { return &LocalLocker{} }

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	actual, _ := l.locks.LoadOrStore(key, &stdsync.Mutex{})
	mu := actual.(*stdsync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

// redisReleaseScript deletes the lock only if this holder still owns it, so
// an expired-and-reacquired lock is never released by the old holder.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes across processes with a TTL'd Redis lock. The TTL
// must exceed the longest expected sync batch; a crashed holder frees the
// key when it expires.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, poll: 200 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lockKey := "sync_lock:" + key

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock acquire failed: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	release := func() {
		_, _ = redisReleaseScript.Run(context.Background(), l.client, []string{lockKey}, token).Result()
	}
	return release, nil
}
