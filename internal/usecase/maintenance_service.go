package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"compress-queue/internal/domain"
	"compress-queue/internal/metrics"

	"github.com/robfig/cron/v3"
)

// sweepTimeout bounds a single maintenance pass against the store.
const sweepTimeout = 30 * time.Second

// MaintenanceService runs the broker's background sweeps on the elected
// leader node: promoting due delayed jobs, requeueing orphaned active ones
// and enforcing retention. Followers campaign and take over when the
// leader's session expires.
type MaintenanceService struct {
	leaderManager       domain.LeaderElectionManager
	maintainer          domain.Maintainer
	nodeID              string
	maintenanceInterval time.Duration
	retentionInterval   time.Duration
	logger              *slog.Logger
}

// NewMaintenanceService creates a new MaintenanceService instance.
func NewMaintenanceService(leaderManager domain.LeaderElectionManager, maintainer domain.Maintainer, nodeID string, maintenanceInterval, retentionInterval time.Duration, logger *slog.Logger) *MaintenanceService {
	return &MaintenanceService{
		leaderManager:       leaderManager,
		maintainer:          maintainer,
		nodeID:              nodeID,
		maintenanceInterval: maintenanceInterval,
		retentionInterval:   retentionInterval,
		logger:              logger.With("component", "maintenance", "node_id", nodeID),
	}
}

// Start campaigns for leadership and runs the sweep schedule while this
// node holds it. Blocks until ctx is cancelled.
func (s *MaintenanceService) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.logger.Info("campaigning for maintenance leadership")
			lostLeadership, err := s.leaderManager.Campaign(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("leadership campaign failed, retrying", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
			schedule, err := s.startSchedule()
			if err != nil {
				metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
				return err
			}

			select {
			case <-lostLeadership:
				s.logger.Warn("maintenance leadership lost")
			case <-ctx.Done():
				<-schedule.Stop().Done()
				metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
				resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := s.leaderManager.Resign(resignCtx); err != nil {
					s.logger.Error("failed to resign leadership", "error", err)
				}
				cancel()
				return ctx.Err()
			}

			<-schedule.Stop().Done()
			metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
		}
	}
}

// startSchedule builds and starts the cron schedule for both sweeps.
func (s *MaintenanceService) startSchedule() (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.maintenanceInterval), s.runMaintenance); err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance sweep: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.retentionInterval), s.runRetention); err != nil {
		return nil, fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	c.Start()
	s.logger.Info("maintenance schedule started",
		"maintenance_interval", s.maintenanceInterval, "retention_interval", s.retentionInterval)
	return c, nil
}

func (s *MaintenanceService) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	promoted, err := s.maintainer.PromoteDue(ctx)
	if err != nil {
		s.logger.Error("promotion sweep failed", "error", err)
	} else if promoted > 0 {
		metrics.SweepActionsTotal.WithLabelValues("promoted").Add(float64(promoted))
	}

	requeued, err := s.maintainer.RequeueOrphans(ctx)
	if err != nil {
		s.logger.Error("orphan requeue sweep failed", "error", err)
	} else if requeued > 0 {
		metrics.SweepActionsTotal.WithLabelValues("requeued").Add(float64(requeued))
	}
}

func (s *MaintenanceService) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	evicted, err := s.maintainer.EvictExpired(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	} else if evicted > 0 {
		metrics.SweepActionsTotal.WithLabelValues("evicted").Add(float64(evicted))
	}
}
