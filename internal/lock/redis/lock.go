// Package redis provides a Redis-backed crawler.Locker.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker acquires locks with SET NX PX and a random token.
type Locker struct {
	client redis.UniversalClient
}

// New wraps client.
func New(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Acquire implements crawler.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (crawler.Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, crawler.ErrLockNotAcquired
	}
	return &lock{client: l.client, key: key, token: token}, nil
}

type lock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Release deletes the key only while it still carries this lock's token.
func (k *lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", k.key, err)
	}
	return nil
}
