// Package ratelimit paces outbound fetches per job-board host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rebridge/jobcrawler/internal/metrics"
)

// Config sets the bucket used for every host, with optional per-host
// requests-per-second overrides keyed by bare host (no "www." or "m.").
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	HostRPS      map[string]float64
}

// Limiter hands out one token bucket per board host. Desktop and mobile
// hostnames of the same board share a bucket.
type Limiter struct {
	cfg     Config
	burst   int
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter. A non-positive rate means unlimited.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{cfg: cfg, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// HostKey reduces a URL to the bucket key: lowercased host without a leading
// "www." or "m.". Unparseable URLs share the "unknown" bucket.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "m."} {
		host = strings.TrimPrefix(host, prefix)
	}
	return host
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		rps := l.cfg.DefaultRPS
		if override, found := l.cfg.HostRPS[host]; found {
			rps = override
		}
		b = rate.NewLimiter(limitFor(rps), l.burst)
		l.buckets[host] = b
	}
	return b
}

// Wait blocks until the host of rawURL may be fetched again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := HostKey(rawURL)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
