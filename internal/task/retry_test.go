package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyCeiling(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	now := time.Unix(100, 0)
	attempt := 1
	var retries int
	for {
		next, at, ok := p.Next(attempt, now)
		if !ok {
			break
		}
		require.Equal(t, now.Add(10*time.Second), at)
		attempt = next
		retries++
	}
	require.Equal(t, 3, retries)
	require.Equal(t, 4, attempt)
	require.Equal(t,
		"distill failed after 4 attempts: timeout",
		p.Exhausted(KindDistill, attempt, errors.New("timeout")))
}

func TestRetryPolicyNoRetries(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: -1}
	require.Equal(t, 1, p.MaxAttempts())
	_, _, ok := p.Next(1, time.Now())
	require.False(t, ok)
}
