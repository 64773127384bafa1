package domain

import "time"

// RetentionPolicy bounds how long terminal records stay queryable.
// Live records (waiting, active, delayed) are never auto-evicted; they
// only leave the store through a state transition.
//
// Eviction is a lazy background sweep, so the bounds are upper limits,
// not exact deadlines.
type RetentionPolicy struct {
	// CompletedAge evicts completed records older than this.
	CompletedAge time.Duration
	// CompletedCount caps completed records at the newest N. The cap
	// applies independently of age once exceeded.
	CompletedCount int
	// FailedAge evicts failed records older than this. Failures are kept
	// longer than successes so operators can investigate; there is no
	// count cap on them.
	FailedAge time.Duration
}

// DefaultRetentionPolicy keeps completed jobs for 24 hours or the newest
// 100, and failed jobs for 7 days.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		CompletedAge:   24 * time.Hour,
		CompletedCount: 100,
		FailedAge:      7 * 24 * time.Hour,
	}
}

// Expired reports whether a terminal record finished long enough ago to be
// evicted by age. Non-terminal states never expire.
func (p RetentionPolicy) Expired(state JobState, finishedAt, now time.Time) bool {
	switch state {
	case StateCompleted:
		return p.CompletedAge > 0 && now.Sub(finishedAt) > p.CompletedAge
	case StateFailed:
		return p.FailedAge > 0 && now.Sub(finishedAt) > p.FailedAge
	default:
		return false
	}
}

// CompletedOverflow returns how many completed records beyond the count cap
// must be evicted, given the current completed count.
func (p RetentionPolicy) CompletedOverflow(count int) int {
	if p.CompletedCount <= 0 || count <= p.CompletedCount {
		return 0
	}
	return count - p.CompletedCount
}
