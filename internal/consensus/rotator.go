package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Transferer is a node that can hand its leadership to another member.
type Transferer interface {
	IsLeader() bool
	TransferLeadership() error
	Leader() string
}

// LeadershipRotator periodically moves leadership off this node so no single
// member orders strong operations for long.
type LeadershipRotator struct {
	node     Transferer
	interval time.Duration
	stopCh   chan struct{}
	logger   *slog.Logger
}

func NewLeadershipRotator(node Transferer, interval time.Duration, logger *slog.Logger) *LeadershipRotator {
	if logger == nil {
		logger = slog.Default()
	}

	return &LeadershipRotator{
		node:     node,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *LeadershipRotator) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("invalid interval: %v", r.interval)
	}

	r.logger.Info("Leadership rotator started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.rotate(); err != nil {
				r.logger.Error("Leadership transfer failed", "error", err)
			}
		case <-r.stopCh:
			r.logger.Info("Leadership rotator stopped")
			return nil
		case <-ctx.Done():
			r.logger.Info("Leadership rotator stopped due to context cancellation")
			return ctx.Err()
		}
	}
}

func (r *LeadershipRotator) rotate() error {
	if r.node == nil || !r.node.IsLeader() {
		r.logger.Debug("Not the leader, skipping leadership transfer")
		return nil
	}

	if err := r.node.TransferLeadership(); err != nil {
		return err
	}

	r.logger.Info("Leadership transferred", "new_leader", r.node.Leader())
	return nil
}

func (r *LeadershipRotator) Stop() {
	close(r.stopCh)
}
