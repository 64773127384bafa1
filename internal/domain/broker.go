package domain

import (
	"context"
	"errors"
)

// ErrJobNotFound is returned when no live record exists for an id.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned by Submit when a live record already holds the
// id. Callers treat this as success-by-deduplication, not a failure.
var ErrJobExists = errors.New("job already exists")

// ErrInvalidPayload is returned when caller-supplied job data fails
// validation. Invalid payloads are never queued.
var ErrInvalidPayload = errors.New("invalid job payload")

// ErrBrokerUnavailable wraps transient connectivity failures to the store.
// The caller may retry the call itself; the broker does not retry internally.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Broker is the single point of contact with the durable queue store. All
// state and attempt mutations go through it; no other component writes
// either field. Implementations must be safe for concurrent use.
type Broker interface {
	// Submit creates a waiting record. The create is atomic: if a live
	// record already holds the id, Submit returns ErrJobExists and the
	// store is unchanged.
	Submit(ctx context.Context, record *JobRecord) error

	// Claim hands the oldest waiting record to the calling worker,
	// transitioning it to active and charging an attempt. It returns
	// (nil, nil) when nothing is waiting.
	Claim(ctx context.Context, workerID string) (*JobRecord, error)

	// Report records a worker's outcome for a claimed job. A success is
	// terminal; a failure is retried per the retry policy until the
	// attempt cap, then becomes terminal failed.
	Report(ctx context.Context, id string, result JobResult) error

	// Get returns the live record for an id, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*JobRecord, error)

	// Count returns the number of live records in the given state.
	Count(ctx context.Context, state JobState) (int64, error)

	// Close releases the underlying session. It is idempotent and must
	// not fail once the session is already closed.
	Close() error
}

// Maintainer is the background face of the broker: the scheduled sweeps
// that re-surface delayed work, recover from worker crashes and enforce
// retention. Only the elected leader node runs them.
type Maintainer interface {
	// PromoteDue moves delayed records whose due time has passed back to
	// waiting. Returns how many records were promoted.
	PromoteDue(ctx context.Context) (int, error)

	// RequeueOrphans handles active records whose claim lease has expired
	// (worker crashed mid-execution). The attempt charged at claim time
	// stands: records with attempts left return to waiting, a record
	// orphaned on its final attempt fails terminally. Either way a
	// crash-looping job still hits the cap.
	RequeueOrphans(ctx context.Context) (int, error)

	// EvictExpired removes terminal records past their retention bounds.
	// Returns how many records were evicted.
	EvictExpired(ctx context.Context) (int, error)
}
