// Package memory provides an in-process crawler.Locker.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

type holder struct {
	token     uint64
	expiresAt time.Time
}

// Locker hands out TTL-bounded advisory locks within one process.
type Locker struct {
	mu    sync.Mutex
	held  map[string]holder
	seq   uint64
	clock func() time.Time
}

// New returns a Locker. clock may be nil.
func New(clock crawler.Clock) *Locker {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Locker{held: make(map[string]holder), clock: now}
}

// Acquire implements crawler.Locker. Expired holders are overridden.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (crawler.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, crawler.ErrLockNotAcquired
	}
	l.seq++
	l.held[key] = holder{token: l.seq, expiresAt: now.Add(ttl)}
	return &lock{owner: l, key: key, token: l.seq}, nil
}

type lock struct {
	owner *Locker
	key   string
	token uint64
}

// Release frees the key only if this lock still holds it.
func (k *lock) Release(_ context.Context) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()
	if h, ok := k.owner.held[k.key]; ok && h.token == k.token {
		delete(k.owner.held, k.key)
	}
	return nil
}
