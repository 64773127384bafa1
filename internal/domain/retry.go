package domain

import "time"

// RetryPolicy maps a count of failed attempts to the delay before the next
// try. It is a pure decision table: no timers, no clock, so it can be tested
// without real delays. Attempt numbers are 1-indexed failed attempts.
type RetryPolicy struct {
	MaxAttempts int
	Schedule    []time.Duration
}

// DefaultRetryPolicy is the production schedule: three attempts with
// delays of 1, 5 and 15 minutes between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Schedule:    []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

// NextDelay returns the delay before retrying after the given number of
// failed attempts. Attempts beyond the schedule reuse the last tier.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Schedule) {
		attempt = len(p.Schedule)
	}
	return p.Schedule[attempt-1]
}

// Exhausted reports whether a failure at this attempt count is terminal.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
