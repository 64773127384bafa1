package usecase

import (
	"context"
	"log/slog"
	"sync"

	"compress-queue/internal/domain"
	"compress-queue/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is the per-state job count aggregate. The five counts are
// queried concurrently without a global lock, so each is a valid
// point-in-time count but together they are not one atomic cross-section;
// under concurrent mutation the aggregate is approximate.
type Snapshot struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// StatsService reads aggregate queue state from the broker.
type StatsService struct {
	broker domain.Broker
	logger *slog.Logger
	tracer trace.Tracer
}

// NewStatsService creates a new StatsService instance.
func NewStatsService(broker domain.Broker, logger *slog.Logger) *StatsService {
	return &StatsService{
		broker: broker,
		logger: logger.With("component", "stats"),
		tracer: otel.Tracer("compress-queue-usecase"),
	}
}

// Snapshot queries the five state counts concurrently and also refreshes
// the per-state gauges.
func (s *StatsService) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "service.Snapshot")
	defer span.End()

	counts := make(map[domain.JobState]int64, len(domain.AllStates))
	var mu sync.Mutex
	var firstErr error

	var wg sync.WaitGroup
	for _, state := range domain.AllStates {
		wg.Add(1)
		go func(state domain.JobState) {
			defer wg.Done()
			n, err := s.broker.Count(ctx, state)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			counts[state] = n
		}(state)
	}
	wg.Wait()

	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, "failed to count jobs")
		return nil, firstErr
	}

	for state, n := range counts {
		metrics.JobsByState.WithLabelValues(string(state)).Set(float64(n))
	}

	return &Snapshot{
		Waiting:   counts[domain.StateWaiting],
		Active:    counts[domain.StateActive],
		Completed: counts[domain.StateCompleted],
		Failed:    counts[domain.StateFailed],
		Delayed:   counts[domain.StateDelayed],
	}, nil
}
