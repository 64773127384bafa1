package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"compress-queue/internal/domain"
	"compress-queue/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchService is the producer-facing enqueue surface.
type DispatchService struct {
	broker domain.Broker
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewDispatchService creates a new DispatchService instance.
func NewDispatchService(broker domain.Broker, logger *slog.Logger) *DispatchService {
	return &DispatchService{
		broker: broker,
		logger: logger.With("component", "dispatch"),
		tracer: otel.Tracer("compress-queue-usecase"),
		now:    time.Now,
	}
}

// Enqueue creates a waiting compression job for the payload and returns its
// id. The id is derived from the scan, so submitting the same scan twice
// while a record is live returns the existing job's id instead of creating
// a second execution path.
func (s *DispatchService) Enqueue(ctx context.Context, payload domain.JobPayload) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("scan.id", payload.ScanID))

	if err := payload.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payload validation failed")
		metrics.EnqueueTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	record := domain.NewJobRecord(payload, s.now())
	span.SetAttributes(attribute.String("job.id", record.ID))

	err := s.broker.Submit(ctx, record)
	switch {
	case errors.Is(err, domain.ErrJobExists):
		span.AddEvent("deduplicated")
		s.logger.Info("enqueue deduplicated", "scan_id", payload.ScanID, "job_id", record.ID)
		metrics.EnqueueTotal.WithLabelValues("deduplicated").Inc()
		return record.ID, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job to broker")
		metrics.EnqueueTotal.WithLabelValues("error").Inc()
		return "", err
	}

	s.logger.Info("compression job enqueued", "scan_id", payload.ScanID, "job_id", record.ID)
	metrics.EnqueueTotal.WithLabelValues("created").Inc()
	return record.ID, nil
}

// Get returns the live record for a job id.
func (s *DispatchService) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	record, err := s.broker.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, domain.ErrJobNotFound) {
			span.SetStatus(codes.Error, "failed to get job from broker")
		}
	}
	return record, err
}
