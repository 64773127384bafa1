package domain

import "context"

// LeaderElectionManager elects the single broker node that runs the
// background maintenance sweeps. Every node campaigns; only the winner
// promotes delayed jobs and evicts expired records.
type LeaderElectionManager interface {
	// Campaign blocks until this node becomes the leader or ctx is
	// cancelled. The returned channel closes when leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
