package crawler

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// RetryPolicy retries an operation on a fixed backoff schedule.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Backoff holds the wait after each failed attempt, in order.
	Backoff []time.Duration
	// MaxDelay is used once Backoff is exhausted.
	MaxDelay time.Duration
}

// DefaultRetryPolicy waits 1s, 2s and 4s between four attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		MaxDelay:   5 * time.Second,
	}
}

// Attempts returns the total number of attempts, first one included.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the wait after the zero-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt >= 0 && attempt < len(p.Backoff) {
		return p.Backoff[attempt]
	}
	return p.MaxDelay
}

// WithRetry runs op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. The last error is returned on exhaustion.
func WithRetry(ctx context.Context, p RetryPolicy, op func(ctx context.Context, attempt int) error) error {
	var lastErr error
	attempts := p.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry aborted: %w (last error: %v)", ctxErr, lastErr)
		}
		if !IsRetryable(err) || attempt == attempts-1 {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return fmt.Errorf("retry wait: %w (last error: %v)", err, lastErr)
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// ExponentialRetryPolicy implements queue-level retry with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy; non-positive values fall back to
// three attempts starting at one second.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = 30 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the attempt ceiling.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether a task that failed on the given 1-based attempt
// is enqueued again.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return IsRetryable(err)
}

// Backoff returns the wait before the attempt following the given 1-based attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
