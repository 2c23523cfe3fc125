package keyhealth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AdvisoryLock is a short-lived distributed mutex. The backing store is
// swappable (Redis, etcd, a DB advisory lock) without touching the selector
// algorithm.
//
// TryAcquire returns a release token and true when the lock was taken; the
// lock self-expires after ttl so a crashed holder cannot wedge the pool.
type AdvisoryLock interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// releaseScript deletes the lock only when the caller still holds it, so a
// slow worker cannot release a lock another worker has since acquired.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLock implements AdvisoryLock with the SET-NX-PX pattern.
type RedisLock struct {
	rdb redis.UniversalClient
	key string
}

// NewRedisLock creates an advisory lock at the given Redis key.
func NewRedisLock(rdb redis.UniversalClient, key string) *RedisLock {
	return &RedisLock{rdb: rdb, key: key}
}

func (l *RedisLock) TryAcquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLock) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
