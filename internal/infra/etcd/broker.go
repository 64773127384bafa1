package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"compress-queue/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// claimCandidates bounds how many waiting jobs a single Claim inspects
// before giving up on racing claimers.
const claimCandidates = 8

// reportRetries bounds the optimistic-concurrency retry loop in Report.
const reportRetries = 3

var _ domain.Broker = (*Broker)(nil)

// Broker is the etcd-backed implementation of domain.Broker. One instance
// is shared per process; the etcd client multiplexes concurrent requests,
// so every method is safe for concurrent use.
type Broker struct {
	client    *clientv3.Client
	retry     domain.RetryPolicy
	retention domain.RetentionPolicy
	claimTTL  time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	session *concurrency.Session
	closed  bool
}

// NewBroker wraps an etcd client as a job broker. The broker takes over the
// client's lifecycle: Close closes both.
func NewBroker(client *clientv3.Client, retry domain.RetryPolicy, retention domain.RetentionPolicy, claimTTL time.Duration, logger *slog.Logger) *Broker {
	return &Broker{
		client:    client,
		retry:     retry,
		retention: retention,
		claimTTL:  claimTTL,
		logger:    logger.With("component", "etcd-broker"),
		tracer:    otel.Tracer("compress-queue-etcd-broker"),
		now:       time.Now,
	}
}

// Ping verifies connectivity to the store. Mains call it once at startup so
// a broken endpoint fails fast instead of at the first enqueue.
func (b *Broker) Ping(ctx context.Context) error {
	if _, err := b.client.Get(ctx, jobDir, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Submit creates a waiting record via an atomic create-if-absent
// transaction. Two concurrent submits for the same id cannot both succeed:
// the compare on the job key's create revision admits exactly one.
func (b *Broker) Submit(ctx context.Context, record *domain.JobRecord) error {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", record.ID))

	if err := record.CheckInvariants(); err != nil {
		return err
	}

	val, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", record.ID, err)
	}

	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(jobKey(record.ID)), "=", 0)).
		Then(
			clientv3.OpPut(jobKey(record.ID), string(val)),
			clientv3.OpPut(stateKey(record.State, record.ID), ""),
		).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job to etcd")
		return unavailable("submit job "+record.ID, err)
	}
	if !resp.Succeeded {
		span.AddEvent("duplicate_submit")
		return domain.ErrJobExists
	}
	return nil
}

// Claim hands the oldest waiting record to the calling worker. The claim
// key is bound to this process's lease, so a worker crash releases the
// claim without any explicit cleanup.
func (b *Broker) Claim(ctx context.Context, workerID string) (*domain.JobRecord, error) {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	resp, err := b.client.Get(ctx, statePrefix(domain.StateWaiting),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
		clientv3.WithLimit(claimCandidates),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list waiting jobs")
		return nil, unavailable("claim: list waiting", err)
	}

	for _, kv := range resp.Kvs {
		id := idFromStateKey(string(kv.Key), domain.StateWaiting)

		record, modRev, err := b.getJob(ctx, id)
		if err != nil {
			if err == domain.ErrJobNotFound {
				continue // index key outlived the record, sweep will clean it
			}
			return nil, err
		}
		if record.State != domain.StateWaiting {
			continue
		}

		claimed := *record
		claimed.State = domain.StateActive
		claimed.Attempt++
		claimed.ClaimedBy = workerID
		claimed.DelayedUntil = time.Time{}

		val, err := json.Marshal(&claimed)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job %s: %w", id, err)
		}

		sess, err := b.claimSession()
		if err != nil {
			return nil, err
		}

		txnResp, err := b.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(jobKey(id)), "=", modRev)).
			Then(
				clientv3.OpPut(jobKey(id), string(val)),
				clientv3.OpDelete(stateKey(domain.StateWaiting, id)),
				clientv3.OpPut(stateKey(domain.StateActive, id), ""),
				clientv3.OpPut(claimKey(id), workerID, clientv3.WithLease(sess.Lease())),
			).
			Commit()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to claim job")
			return nil, unavailable("claim job "+id, err)
		}
		if !txnResp.Succeeded {
			continue // lost the race to another claimer
		}

		span.SetAttributes(attribute.String("job.id", id), attribute.Int("job.attempt", claimed.Attempt))
		b.logger.Info("job claimed", "job_id", id, "worker_id", workerID, "attempt", claimed.Attempt)
		return &claimed, nil
	}

	return nil, nil
}

// Report applies a worker's outcome. Successes complete the record;
// failures are delayed for retry until the attempt cap, then fail
// terminally. Execution failures are never surfaced as errors here.
func (b *Broker) Report(ctx context.Context, id string, result domain.JobResult) error {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.Report")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id), attribute.Bool("result.success", result.Success))

	for i := 0; i < reportRetries; i++ {
		record, modRev, err := b.getJob(ctx, id)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if record.State != domain.StateActive {
			// Late or duplicate report: the record was already finalized or
			// requeued after its claim lease expired. Nothing to apply.
			b.logger.Warn("ignoring report for non-active job", "job_id", id, "state", record.State)
			span.AddEvent("stale_report")
			return nil
		}

		updated := b.applyResult(record, result)

		val, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", id, err)
		}

		txnResp, err := b.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(jobKey(id)), "=", modRev)).
			Then(
				clientv3.OpPut(jobKey(id), string(val)),
				clientv3.OpDelete(stateKey(domain.StateActive, id)),
				clientv3.OpPut(stateKey(updated.State, id), ""),
				clientv3.OpDelete(claimKey(id)),
			).
			Commit()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to report job result")
			return unavailable("report job "+id, err)
		}
		if txnResp.Succeeded {
			span.SetAttributes(attribute.String("job.state", string(updated.State)))
			return nil
		}
		// Revision moved under us, re-read and retry.
	}
	return fmt.Errorf("report job %s: too many conflicting updates", id)
}

// applyResult delegates the transition decision to the pure domain rule
// and logs the outcome.
func (b *Broker) applyResult(record *domain.JobRecord, result domain.JobResult) *domain.JobRecord {
	updated := domain.ApplyResult(record, result, b.retry, b.now())
	switch updated.State {
	case domain.StateFailed:
		b.logger.Warn("job failed terminally", "job_id", record.ID, "attempt", record.Attempt, "error", result.ErrorMessage)
	case domain.StateDelayed:
		b.logger.Info("job failed, retry scheduled",
			"job_id", record.ID, "attempt", record.Attempt, "due", updated.DelayedUntil, "error", result.ErrorMessage)
	}
	return updated
}

// Get returns the live record for an id.
func (b *Broker) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	record, _, err := b.getJob(ctx, id)
	if err != nil {
		span.RecordError(err)
	}
	return record, err
}

// Count returns the number of live records in a state. It counts the
// per-state index keys, so it never deserializes records.
func (b *Broker) Count(ctx context.Context, state domain.JobState) (int64, error) {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.Count")
	defer span.End()
	span.SetAttributes(attribute.String("job.state", string(state)))

	resp, err := b.client.Get(ctx, statePrefix(state), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count jobs")
		return 0, unavailable("count "+string(state), err)
	}
	return resp.Count, nil
}

// Close releases the claim session and the etcd client. It is idempotent:
// the second and later calls return nil without touching the session.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.session != nil {
		if err := b.session.Close(); err != nil {
			b.logger.Warn("failed to close claim session", "error", err)
		}
		b.session = nil
	}
	if err := b.client.Close(); err != nil {
		b.logger.Warn("failed to close etcd client", "error", err)
	}
	return nil
}

// claimSession lazily opens the lease session claim keys attach to. The
// session keeps the lease alive for the life of the process; if the process
// dies, the lease expires after claimTTL and claims are released.
func (b *Broker) claimSession() (*concurrency.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, unavailable("claim session", fmt.Errorf("broker closed"))
	}
	if b.session != nil {
		return b.session, nil
	}
	sess, err := concurrency.NewSession(b.client, concurrency.WithTTL(int(b.claimTTL.Seconds())))
	if err != nil {
		return nil, unavailable("create claim session", err)
	}
	b.session = sess
	return sess, nil
}

func (b *Broker) getJob(ctx context.Context, id string) (*domain.JobRecord, int64, error) {
	resp, err := b.client.Get(ctx, jobKey(id))
	if err != nil {
		return nil, 0, unavailable("get job "+id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, domain.ErrJobNotFound
	}

	var record domain.JobRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &record, resp.Kvs[0].ModRevision, nil
}

func marshalRecord(r *domain.JobRecord) (string, error) {
	val, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", r.ID, err)
	}
	return string(val), nil
}

// unavailable wraps transport-level failures in the sentinel callers
// match on to distinguish infrastructure errors from job-level ones.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrBrokerUnavailable, op, err)
}
