package domain

import "time"

// ApplyResult computes the record that follows a worker's report, without
// touching any store or timer. Both broker implementations funnel reports
// through it so the retry semantics live in exactly one place.
//
// A success completes the record. A failure at the attempt cap fails it
// terminally. Any other failure delays it until now plus the policy's
// backoff for the current attempt count; the result is dropped because
// only terminal records carry one.
func ApplyResult(record *JobRecord, result JobResult, retry RetryPolicy, now time.Time) *JobRecord {
	updated := *record
	updated.ClaimedBy = ""

	switch {
	case result.Success:
		res := result
		updated.State = StateCompleted
		updated.Result = &res
		updated.FinishedAt = now
	case retry.Exhausted(record.Attempt):
		res := result
		updated.State = StateFailed
		updated.Result = &res
		updated.FinishedAt = now
	default:
		updated.State = StateDelayed
		updated.DelayedUntil = now.Add(retry.NextDelay(record.Attempt))
		updated.Result = nil
	}
	return &updated
}
