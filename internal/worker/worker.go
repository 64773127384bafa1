// Package worker implements the reference consumer: claim a job, run the
// compressor, report the outcome. Production workers may live elsewhere;
// they only need to honor the same claim/report contract.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"compress-queue/internal/domain"
	"compress-queue/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Compressor performs the opaque compression operation on a claimed
// payload. The algorithm is not this system's concern; implementations
// typically hand the file to an external service.
type Compressor interface {
	Compress(ctx context.Context, payload domain.JobPayload) (domain.JobResult, error)
}

// Worker polls the broker for waiting jobs and executes them one at a time.
type Worker struct {
	id           string
	broker       domain.Broker
	compressor   Compressor
	pollInterval time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates a worker. The id identifies this process in claim records.
func New(id string, broker domain.Broker, compressor Compressor, pollInterval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		id:           id,
		broker:       broker,
		compressor:   compressor,
		pollInterval: pollInterval,
		logger:       logger.With("component", "worker", "worker_id", id),
		tracer:       otel.Tracer("compress-queue-worker"),
	}
}

// Run claims and executes jobs until ctx is cancelled. An empty queue or a
// transient broker failure backs off for one poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.pollInterval)
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker stopping")
			return err
		}

		record, err := w.broker.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if record == nil {
			w.sleep(ctx)
			continue
		}

		result := w.execute(ctx, record)
		w.report(record.ID, result)
	}
}

// execute runs the compressor on a claimed record. Panics and executor
// errors both become failure results; the retry decision is the broker's.
func (w *Worker) execute(ctx context.Context, record *domain.JobRecord) (result domain.JobResult) {
	ctx, span := w.tracer.Start(ctx, "worker.Execute",
		trace.WithAttributes(
			attribute.String("job.id", record.ID),
			attribute.Int("job.attempt", record.Attempt),
		))
	defer span.End()

	logger := w.logger.With("job_id", record.ID, "attempt", record.Attempt)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "compression panicked")
			logger.Error("compression panicked", "panic", r)
			result = domain.JobResult{Success: false, ErrorMessage: err.Error()}
		}
	}()

	logger.Info("compressing scan", "file_url", record.Payload.FileURL, "file_size", record.Payload.FileSize)
	result, err := w.compressor.Compress(ctx, record.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compression failed")
		logger.Warn("compression failed", "error", err)
		return domain.JobResult{Success: false, ErrorMessage: err.Error()}
	}

	result.Success = true
	span.SetStatus(codes.Ok, "compression successful")
	logger.Info("compression complete",
		"compressed_file_url", result.CompressedFileURL,
		"compression_ratio", result.CompressionRatio)
	return result
}

// report delivers the outcome. It uses a fresh context: a cancelled run
// context must not lose a finished job's result.
func (w *Worker) report(id string, result domain.JobResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.broker.Report(ctx, id, result); err != nil {
		// The claim lease will lapse and the job gets requeued, so the
		// work is retried rather than lost.
		w.logger.Error("failed to report job result", "job_id", id, "error", err)
		return
	}

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	metrics.JobReportsTotal.WithLabelValues(outcome).Inc()
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
