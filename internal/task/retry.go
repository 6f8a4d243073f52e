package task

import (
	"fmt"
	"time"
)

// RetryPolicy bounds how often a recoverable failure is retried.
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed after the first.
	MaxRetries int
	// Backoff delays every retry.
	Backoff time.Duration
}

// DefaultRetryPolicy allows three retries ten seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: 10 * time.Second}
}

// MaxAttempts is the total number of attempts, first one included.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Next reports whether attempt may be followed by another one, and when.
func (p RetryPolicy) Next(attempt int, now time.Time) (int, time.Time, bool) {
	if attempt >= p.MaxAttempts() {
		return 0, time.Time{}, false
	}
	return attempt + 1, now.Add(p.Backoff), true
}

// Exhausted formats the failure reason recorded once retries run out.
func (p RetryPolicy) Exhausted(kind Kind, attempts int, err error) string {
	return fmt.Sprintf("%s failed after %d attempts: %v", kind, attempts, err)
}
