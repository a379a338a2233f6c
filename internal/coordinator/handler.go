package coordinator

import (
	"context"

	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/transport"
)

var _ transport.Handler = (*Coordinator)(nil)

func (c *Coordinator) HandleRoot(ctx context.Context) (hash.Hash, error) {
	return c.tree.Root(), nil
}

func (c *Coordinator) HandleProof(ctx context.Context) (merkle.MerkleProof, error) {
	return c.tree.GenerateProof(), nil
}

func (c *Coordinator) HandleOperations(ctx context.Context, keys []string) ([]oplog.Operation, error) {
	return c.log.Select(keys), nil
}

func (c *Coordinator) HandleAllOperations(ctx context.Context) ([]oplog.Operation, error) {
	return c.log.All(), nil
}

func (c *Coordinator) HandleClock(ctx context.Context) (clock.Snapshot, error) {
	return c.clock.Snapshot(), nil
}

// HandlePush screens and applies operations a peer pushed. The sender's
// clock is merged only when every pushed operation was applied. A primary
// re-runs agreement on forwarded strong operations it already holds, so a
// backup that missed the original agreement can catch up.
func (c *Coordinator) HandlePush(ctx context.Context, from string, req transport.PushRequest) (transport.PushResult, error) {
	if !c.detector.IsTrusted(from) {
		c.logger.Warn("Rejecting push from untrusted peer", "peer", from, "operations", len(req.Operations))
		return transport.PushResult{Rejected: len(req.Operations)}, nil
	}

	ex := &exchange{incoming: req.Operations, complete: true}
	sc := c.screen(from, ex)

	if req.Forwarded && c.protocol != nil && c.isPrimary() {
		for _, op := range req.Operations {
			if !op.Strong {
				continue
			}
			if local, ok := c.log.Get(op.ID); ok && local.Digest(c.hasher) == op.Digest(c.hasher) {
				sc.strong = append(sc.strong, local)
			}
		}
	}

	ready, deferred := c.routeStrong(ctx, sc.strong)

	var remote *clock.Clock
	if len(req.Clock.Entries) > 0 && sc.rejected == 0 && deferred == 0 {
		rc, err := clock.FromSnapshot(c.hasher, req.Clock)
		if err != nil {
			c.detector.ReportInvalidMessage(from)
			c.logger.Warn("Ignoring pushed clock", "peer", from, "error", err)
		} else {
			remote = rc
		}
	}

	applied, err := c.apply(append(sc.accepted, ready...), remote)
	if err != nil {
		return transport.PushResult{}, err
	}

	if applied > 0 {
		c.logger.Debug("Applied pushed operations", "peer", from, "applied", applied, "rejected", sc.rejected, "deferred", deferred)
	}
	return transport.PushResult{Accepted: applied, Rejected: sc.rejected, Deferred: deferred}, nil
}
