package orchestrator

import "time"

// RetryPolicy schedules re-runs after model or search invocation failures.
// The n-th retry waits BaseDelay·2^(n−1), capped at MaxDelay. No retry is
// scheduled once the retry count exceeds MaxRetries.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryPolicy waits 30s, 1m, 2m and gives up after three retries.
var DefaultRetryPolicy = RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute, MaxRetries: 3}

// Delay returns the wait before retry number retryCount (1-based).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Next returns when retry number retryCount is due, or nil when the budget
// is spent.
func (p RetryPolicy) Next(now time.Time, retryCount int) *time.Time {
	if retryCount > p.MaxRetries {
		return nil
	}
	at := now.Add(p.Delay(retryCount))
	return &at
}
