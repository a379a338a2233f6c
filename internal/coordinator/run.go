package coordinator

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/witnz/replisync/internal/transport"
)

// RoundResult is the outcome of one round started by SyncAll.
type RoundResult struct {
	Peer   string
	Report *RoundReport
	Err    error
}

// SyncAll runs one round against every peer, at most FanOut at a time.
// Results are in peer order.
func (c *Coordinator) SyncAll(ctx context.Context, peers []transport.Peer) []RoundResult {
	results := make([]RoundResult, len(peers))

	p := pool.New().WithMaxGoroutines(c.cfg.FanOut)
	for i, peer := range peers {
		p.Go(func() {
			report, err := c.SyncRound(ctx, peer)
			results[i] = RoundResult{Peer: peer.ID(), Report: report, Err: err}
		})
	}
	p.Wait()

	return results
}

// Maintain runs the periodic housekeeping: reputation recovery, proposal
// garbage collection, stalled proposal handling and retrying deferred
// strong operations.
func (c *Coordinator) Maintain(ctx context.Context) {
	c.maintainMu.Lock()
	defer c.maintainMu.Unlock()

	if n := c.detector.Recover(); n > 0 {
		c.logger.Debug("Reputation recovered", "nodes", n)
	}

	if c.protocol == nil {
		return
	}
	if p, ok := c.protocol.(pruner); ok {
		if n := p.Prune(); n > 0 {
			c.logger.Debug("Pruned decided proposals", "count", n)
		}
	}
	c.forgetAbandoned()
	c.checkStalled(ctx)
	c.flushDeferred(ctx)
}

// Start syncs with peers every Interval until ctx is cancelled or Stop is
// called.
func (c *Coordinator) Start(ctx context.Context, peers []transport.Peer) error {
	c.logger.Info("Sync coordinator started", "peers", len(peers), "interval", c.cfg.Interval, "fan_out", c.cfg.FanOut)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx, peers)
		case <-c.stopCh:
			c.logger.Info("Sync coordinator stopped")
			return nil
		case <-ctx.Done():
			c.logger.Info("Sync coordinator stopped due to context cancellation")
			return ctx.Err()
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, peers []transport.Peer) {
	failed := 0
	for _, r := range c.SyncAll(ctx, peers) {
		if r.Err != nil {
			failed++
			c.logger.Warn("Sync round failed", "peer", r.Peer, "error", r.Err)
		}
	}
	if failed > 0 && failed == len(peers) {
		c.logger.Error("All sync rounds failed", "peers", len(peers))
	}

	c.Maintain(ctx)
}

func (c *Coordinator) Stop() {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}
