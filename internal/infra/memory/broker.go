// Package memory implements the job broker on a mutex-guarded map. It
// backs tests and local development; the retry and retention policies it
// enforces are the same ones the etcd broker uses.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"compress-queue/internal/domain"
)

var (
	_ domain.Broker     = (*Broker)(nil)
	_ domain.Maintainer = (*Broker)(nil)
)

// Option configures the Broker.
type Option func(*Broker)

// WithClock injects the time source. Tests use it to drive delayed
// promotion and retention without real waiting.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l.With("component", "memory-broker") }
}

// Broker is the in-process domain.Broker. Safe for concurrent use.
type Broker struct {
	retry     domain.RetryPolicy
	retention domain.RetentionPolicy
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]*domain.JobRecord
	order   map[string]uint64 // enqueue/transition order, for FIFO claims and eviction
	claims  map[string]string // live claims: job id -> worker id
	nextSeq uint64
	closed  bool
}

// NewBroker creates an empty in-memory broker.
func NewBroker(retry domain.RetryPolicy, retention domain.RetentionPolicy, opts ...Option) *Broker {
	b := &Broker{
		retry:     retry,
		retention: retention,
		logger:    slog.Default().With("component", "memory-broker"),
		now:       time.Now,
		jobs:      make(map[string]*domain.JobRecord),
		order:     make(map[string]uint64),
		claims:    make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Submit creates a waiting record unless a live one already holds the id.
// The check and the insert happen under one lock, so the create-if-absent
// is atomic for concurrent callers.
func (b *Broker) Submit(_ context.Context, record *domain.JobRecord) error {
	if err := record.CheckInvariants(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrBrokerUnavailable
	}
	if _, ok := b.jobs[record.ID]; ok {
		return domain.ErrJobExists
	}

	stored := *record
	b.jobs[record.ID] = &stored
	b.touch(record.ID)
	return nil
}

// Claim hands out the oldest waiting record, FIFO by submit order.
func (b *Broker) Claim(_ context.Context, workerID string) (*domain.JobRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.ErrBrokerUnavailable
	}

	var oldest *domain.JobRecord
	var oldestSeq uint64
	for id, record := range b.jobs {
		if record.State != domain.StateWaiting {
			continue
		}
		if oldest == nil || b.order[id] < oldestSeq {
			oldest = record
			oldestSeq = b.order[id]
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.State = domain.StateActive
	oldest.Attempt++
	oldest.ClaimedBy = workerID
	oldest.DelayedUntil = time.Time{}
	b.claims[oldest.ID] = workerID

	claimed := *oldest
	return &claimed, nil
}

// Report applies a worker's outcome through the shared transition rule.
func (b *Broker) Report(_ context.Context, id string, result domain.JobResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrBrokerUnavailable
	}

	record, ok := b.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if record.State != domain.StateActive {
		b.logger.Warn("ignoring report for non-active job", "job_id", id, "state", record.State)
		return nil
	}

	updated := domain.ApplyResult(record, result, b.retry, b.now())
	b.jobs[id] = updated
	b.touch(id)
	delete(b.claims, id)
	return nil
}

// Get returns a copy of the live record for an id.
func (b *Broker) Get(_ context.Context, id string) (*domain.JobRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.ErrBrokerUnavailable
	}
	record, ok := b.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *record
	return &cp, nil
}

// Count returns the number of live records in a state.
func (b *Broker) Count(_ context.Context, state domain.JobState) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, domain.ErrBrokerUnavailable
	}
	var n int64
	for _, record := range b.jobs {
		if record.State == state {
			n++
		}
	}
	return n, nil
}

// Close marks the broker closed. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// PromoteDue moves delayed records past their due time back to waiting.
func (b *Broker) PromoteDue(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	promoted := 0
	for id, record := range b.jobs {
		if record.State != domain.StateDelayed || record.DelayedUntil.After(now) {
			continue
		}
		record.State = domain.StateWaiting
		record.DelayedUntil = time.Time{}
		b.touch(id)
		promoted++
	}
	return promoted, nil
}

// RequeueOrphans handles active records whose claim was dropped. Records
// with attempts left go back to waiting; a record orphaned on its final
// attempt fails terminally, so a crash-looping job still hits the cap.
func (b *Broker) RequeueOrphans(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	requeued := 0
	for id, record := range b.jobs {
		if record.State != domain.StateActive {
			continue
		}
		if _, held := b.claims[id]; held {
			continue
		}
		if b.retry.Exhausted(record.Attempt) {
			failed := domain.ApplyResult(record, domain.JobResult{
				Success:      false,
				ErrorMessage: "worker lost claim on final attempt",
			}, b.retry, b.now())
			b.jobs[id] = failed
			b.logger.Warn("orphaned job failed terminally", "job_id", id, "attempt", record.Attempt)
		} else {
			record.State = domain.StateWaiting
			record.ClaimedBy = ""
		}
		b.touch(id)
		requeued++
	}
	return requeued, nil
}

// EvictExpired enforces the retention bounds on terminal records.
func (b *Broker) EvictExpired(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	evicted := 0

	var completed []string
	for id, record := range b.jobs {
		if !record.State.Terminal() {
			continue
		}
		if b.retention.Expired(record.State, record.FinishedAt, now) {
			delete(b.jobs, id)
			delete(b.order, id)
			evicted++
			continue
		}
		if record.State == domain.StateCompleted {
			completed = append(completed, id)
		}
	}

	// Count cap on the surviving completed records, oldest finish first.
	overflow := b.retention.CompletedOverflow(len(completed))
	for i := 0; i < overflow; i++ {
		oldest := ""
		for _, id := range completed {
			if _, live := b.jobs[id]; !live {
				continue
			}
			if oldest == "" || b.order[id] < b.order[oldest] {
				oldest = id
			}
		}
		if oldest == "" {
			break
		}
		delete(b.jobs, oldest)
		delete(b.order, oldest)
		evicted++
	}
	return evicted, nil
}

// DropClaim releases a live claim without a report, simulating a worker
// crash mid-execution. Test hook; the etcd broker gets this behavior from
// lease expiry.
func (b *Broker) DropClaim(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claims, id)
}

// touch records transition order under the lock.
func (b *Broker) touch(id string) {
	b.nextSeq++
	b.order[id] = b.nextSeq
}
