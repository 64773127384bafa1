package usecase

import (
	"context"
	"log/slog"
	"sync"
)

// CloseStep is one named shutdown action.
type CloseStep struct {
	Name  string
	Close func(ctx context.Context) error
}

// Lifecycle shuts the node down in a fixed order: the job-submission
// surface first, then the event subscriptions, then the broker session.
// Shutdown is best-effort. A failing step is logged and the remaining
// steps still run, and calling it again is a no-op.
type Lifecycle struct {
	logger *slog.Logger
	steps  []CloseStep

	mu   sync.Mutex
	done bool
}

// NewLifecycle creates a Lifecycle that will close the given steps in order.
func NewLifecycle(logger *slog.Logger, steps ...CloseStep) *Lifecycle {
	return &Lifecycle{
		logger: logger.With("component", "lifecycle"),
		steps:  steps,
	}
}

// Shutdown runs every step once. Step failures are logged, never returned:
// shutdown errors do not abort the remaining steps and are not re-raised.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true

	for _, step := range l.steps {
		if err := step.Close(ctx); err != nil {
			l.logger.Error("shutdown step failed", "step", step.Name, "error", err)
			continue
		}
		l.logger.Info("shutdown step complete", "step", step.Name)
	}
}
