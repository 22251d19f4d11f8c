package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by stores, caches and locks.
var (
	ErrNotFound        = errors.New("not found")
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrQueueClosed     = errors.New("queue closed")
)

// ConfigurationError reports an unknown source, missing adapter or invalid input.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// FetchError reports a navigation, network, timeout or parse failure.
type FetchError struct {
	Source Source
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// MalformedItemError reports a listing missing a required field.
type MalformedItemError struct {
	Source     Source
	ExternalID string
	Field      string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("malformed item %s/%q: missing %s", e.Source, e.ExternalID, e.Field)
}

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// CacheError reports a failed cache operation.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed crawl task is worth another attempt.
// Cancellation is judged from the caller's context, not from the error; a tab
// closed by a navigation timeout also reports context.Canceled.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	return !errors.As(err, &cfgErr)
}
