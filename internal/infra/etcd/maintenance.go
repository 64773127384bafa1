package etcd

import (
	"context"
	"time"

	"compress-queue/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var _ domain.Maintainer = (*Broker)(nil)

// PromoteDue moves delayed records whose due time has passed back to
// waiting. The broker schedules retries by due time rather than sleeping,
// so this sweep is what actually re-surfaces them.
func (b *Broker) PromoteDue(ctx context.Context) (int, error) {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.PromoteDue")
	defer span.End()

	resp, err := b.client.Get(ctx, statePrefix(domain.StateDelayed), clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list delayed jobs")
		return 0, unavailable("promote: list delayed", err)
	}

	now := b.now()
	promoted := 0
	for _, kv := range resp.Kvs {
		id := idFromStateKey(string(kv.Key), domain.StateDelayed)

		record, modRev, err := b.getJob(ctx, id)
		if err != nil {
			if err == domain.ErrJobNotFound {
				continue
			}
			return promoted, err
		}
		if record.State != domain.StateDelayed || record.DelayedUntil.After(now) {
			continue
		}

		updated := *record
		updated.State = domain.StateWaiting
		updated.DelayedUntil = time.Time{}

		ok, err := b.transition(ctx, record, &updated, modRev)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted++
			b.logger.Info("delayed job promoted", "job_id", id, "attempt", record.Attempt)
		}
	}

	span.SetAttributes(attribute.Int("jobs.promoted", promoted))
	return promoted, nil
}

// RequeueOrphans handles active records without a live claim key. The
// claim key is lease-bound, so its absence means the claiming worker
// stopped refreshing its lease, whether by crash, partition or kill.
// Orphans with attempts left go back to waiting; one orphaned on its final
// attempt fails terminally, so a crash-looping job still hits the cap.
func (b *Broker) RequeueOrphans(ctx context.Context) (int, error) {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.RequeueOrphans")
	defer span.End()

	resp, err := b.client.Get(ctx, statePrefix(domain.StateActive), clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active jobs")
		return 0, unavailable("requeue: list active", err)
	}

	requeued := 0
	for _, kv := range resp.Kvs {
		id := idFromStateKey(string(kv.Key), domain.StateActive)

		claim, err := b.client.Get(ctx, claimKey(id), clientv3.WithCountOnly())
		if err != nil {
			return requeued, unavailable("requeue: check claim "+id, err)
		}
		if claim.Count > 0 {
			continue // claim lease still alive
		}

		record, modRev, err := b.getJob(ctx, id)
		if err != nil {
			if err == domain.ErrJobNotFound {
				continue
			}
			return requeued, err
		}
		if record.State != domain.StateActive {
			continue
		}

		var updated *domain.JobRecord
		if b.retry.Exhausted(record.Attempt) {
			updated = domain.ApplyResult(record, domain.JobResult{
				Success:      false,
				ErrorMessage: "worker lost claim on final attempt",
			}, b.retry, b.now())
		} else {
			cp := *record
			cp.State = domain.StateWaiting
			cp.ClaimedBy = ""
			updated = &cp
		}

		ok, err := b.transition(ctx, record, updated, modRev)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
			if updated.State == domain.StateFailed {
				b.logger.Warn("orphaned job failed terminally", "job_id", id, "attempt", record.Attempt, "claimed_by", record.ClaimedBy)
			} else {
				b.logger.Warn("orphaned active job requeued", "job_id", id, "attempt", record.Attempt, "claimed_by", record.ClaimedBy)
			}
		}
	}

	span.SetAttributes(attribute.Int("jobs.requeued", requeued))
	return requeued, nil
}

// EvictExpired enforces retention on terminal records: completed past the
// age bound or beyond the newest-N cap, failed past their longer age bound.
func (b *Broker) EvictExpired(ctx context.Context) (int, error) {
	ctx, span := b.tracer.Start(ctx, "broker.etcd.EvictExpired")
	defer span.End()

	evicted := 0

	// Completed: age bound first, then the count cap on the survivors.
	// The index is scanned in create-revision order, oldest transition
	// first, so the overflow slice is exactly the oldest records.
	completed, err := b.listTerminal(ctx, domain.StateCompleted)
	if err != nil {
		return 0, err
	}
	now := b.now()
	var kept []*domain.JobRecord
	for _, record := range completed {
		if b.retention.Expired(domain.StateCompleted, record.FinishedAt, now) {
			if err := b.evict(ctx, record); err != nil {
				return evicted, err
			}
			evicted++
			continue
		}
		kept = append(kept, record)
	}
	for i := 0; i < b.retention.CompletedOverflow(len(kept)); i++ {
		if err := b.evict(ctx, kept[i]); err != nil {
			return evicted, err
		}
		evicted++
	}

	failed, err := b.listTerminal(ctx, domain.StateFailed)
	if err != nil {
		return evicted, err
	}
	for _, record := range failed {
		if b.retention.Expired(domain.StateFailed, record.FinishedAt, now) {
			if err := b.evict(ctx, record); err != nil {
				return evicted, err
			}
			evicted++
		}
	}

	span.SetAttributes(attribute.Int("jobs.evicted", evicted))
	if evicted > 0 {
		b.logger.Info("retention sweep evicted jobs", "count", evicted)
	}
	return evicted, nil
}

// listTerminal returns records in a terminal state, oldest transition first.
func (b *Broker) listTerminal(ctx context.Context, state domain.JobState) ([]*domain.JobRecord, error) {
	resp, err := b.client.Get(ctx, statePrefix(state),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		return nil, unavailable("list "+string(state), err)
	}

	records := make([]*domain.JobRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := idFromStateKey(string(kv.Key), state)
		record, _, err := b.getJob(ctx, id)
		if err != nil {
			if err == domain.ErrJobNotFound {
				continue
			}
			return nil, err
		}
		if record.State != state {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// evict removes a terminal record and its index key.
func (b *Broker) evict(ctx context.Context, record *domain.JobRecord) error {
	_, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(jobKey(record.ID)), ">", 0)).
		Then(
			clientv3.OpDelete(jobKey(record.ID)),
			clientv3.OpDelete(stateKey(record.State, record.ID)),
		).
		Commit()
	if err != nil {
		return unavailable("evict job "+record.ID, err)
	}
	return nil
}

// transition applies a state change guarded by the record's mod revision.
// Returns false when the record changed under us; the next sweep catches it.
func (b *Broker) transition(ctx context.Context, old, updated *domain.JobRecord, modRev int64) (bool, error) {
	val, err := marshalRecord(updated)
	if err != nil {
		return false, err
	}
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(jobKey(old.ID)), "=", modRev)).
		Then(
			clientv3.OpPut(jobKey(old.ID), val),
			clientv3.OpDelete(stateKey(old.State, old.ID)),
			clientv3.OpPut(stateKey(updated.State, old.ID), ""),
		).
		Commit()
	if err != nil {
		return false, unavailable("transition job "+old.ID, err)
	}
	return resp.Succeeded, nil
}
