package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/strategy"
	"github.com/witnz/replisync/internal/transport"
)

// RoundReport summarizes one sync round.
type RoundReport struct {
	Peer     string            `json:"peer"`
	Strategy strategy.Strategy `json:"strategy"`
	Skipped  bool              `json:"skipped,omitempty"`
	FastPath bool              `json:"fast_path,omitempty"`

	Received  int `json:"received"`
	Applied   int `json:"applied"`
	Pushed    int `json:"pushed"`
	Rejected  int `json:"rejected"`
	Deferred  int `json:"deferred"`
	Conflicts int `json:"conflicts"`

	LocalRoot  hash.Hash     `json:"local_root"`
	RemoteRoot hash.Hash     `json:"remote_root,omitempty"`
	Duration   time.Duration `json:"duration"`
	Reward     float64       `json:"reward"`
}

// exchange is everything learned from a peer during a round's network
// phase. Nothing local is mutated while it is being built.
type exchange struct {
	fastPath   bool
	remoteRoot hash.Hash

	// expected holds the digests the peer advertised; nil when operations
	// were pulled without a proof.
	expected  map[string]hash.Hash
	requested map[string]struct{}
	incoming  []oplog.Operation
	// complete is false when the pull was truncated or the peer withheld
	// operations it advertised.
	complete    bool
	conflicting []string
	remoteClock *clock.Clock

	outgoing     []oplog.Operation
	pushComplete bool
}

// SyncRound runs one round against peer with the strategy the selector
// picks for the current conditions.
func (c *Coordinator) SyncRound(ctx context.Context, peer transport.Peer) (*RoundReport, error) {
	features := c.features(peer.ID())
	return c.syncRound(ctx, peer, c.selector.Select(features), features)
}

// SyncRoundWith runs one round with a fixed strategy.
func (c *Coordinator) SyncRoundWith(ctx context.Context, peer transport.Peer, s strategy.Strategy) (*RoundReport, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sync strategy: %s", s)
	}
	return c.syncRound(ctx, peer, s, c.features(peer.ID()))
}

func (c *Coordinator) features(peerID string) strategy.Features {
	return strategy.ExtractFeatures(c.NetworkConditions(peerID), c.Workload())
}

func (c *Coordinator) syncRound(ctx context.Context, peer transport.Peer, s strategy.Strategy, features strategy.Features) (*RoundReport, error) {
	start := c.now()
	report := &RoundReport{Peer: peer.ID(), Strategy: s}
	ps := c.peerState(peer.ID())

	if !c.detector.IsTrusted(peer.ID()) {
		c.logger.Warn("Skipping untrusted peer", "peer", peer.ID(), "reputation", c.detector.Reputation(peer.ID()))
		report.Skipped = true
		report.LocalRoot = c.tree.Root()
		return report, nil
	}
	if s == strategy.Lazy && !ps.lazyDue(start, c.appended.Load(), c.cfg.LazyBatchSize, c.cfg.LazyMaxDelay) {
		report.Skipped = true
		report.LocalRoot = c.tree.Root()
		return report, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ex, err := c.exchange(ctx, peer, s, ps)
	if err != nil {
		ps.observeOutcome(true)
		return nil, fmt.Errorf("sync round with %s failed: %w", peer.ID(), err)
	}
	report.RemoteRoot = ex.remoteRoot
	report.FastPath = ex.fastPath

	sc := c.screen(peer.ID(), ex)
	report.Received = len(ex.incoming)
	report.Rejected = sc.rejected
	report.Conflicts = sc.conflicts

	if len(ex.outgoing) > 0 {
		req := transport.PushRequest{Operations: ex.outgoing}
		if ex.pushComplete {
			req.Clock = c.clock.Snapshot()
		}
		if _, err := peer.Push(ctx, req); err != nil {
			ps.observeOutcome(true)
			return nil, fmt.Errorf("sync round with %s failed: push: %w", peer.ID(), err)
		}
		report.Pushed = len(ex.outgoing)
	}

	ready, deferred := c.routeStrong(ctx, sc.strong)
	report.Deferred = deferred

	var remote *clock.Clock
	if ex.complete && sc.rejected == 0 && sc.conflicts == 0 && deferred == 0 {
		remote = ex.remoteClock
	}

	applied, err := c.apply(append(sc.accepted, ready...), remote)
	if err != nil {
		return nil, fmt.Errorf("failed to apply operations from %s: %w", peer.ID(), err)
	}
	report.Applied = applied
	report.LocalRoot = c.tree.Root()

	end := c.now()
	report.Duration = end.Sub(start)
	ps.observeOutcome(false)
	ps.markSynced(end, c.appended.Load())
	c.workload.observeConflicts(sc.conflicts, report.Received)

	c.reward(report, features)

	c.logger.Debug("Sync round complete",
		"peer", report.Peer,
		"strategy", s.String(),
		"fast_path", report.FastPath,
		"received", report.Received,
		"applied", report.Applied,
		"pushed", report.Pushed,
		"rejected", report.Rejected,
		"deferred", report.Deferred,
		"root", report.LocalRoot.Short(),
		"duration", report.Duration,
	)

	return report, nil
}

func (c *Coordinator) reward(report *RoundReport, features strategy.Features) {
	if c.cfg.RewardFunc != nil {
		report.Reward = c.cfg.RewardFunc(*report)
	} else {
		report.Reward = defaultReward(*report)
	}

	trained := c.selector.Record(strategy.Sample{Features: features, Strategy: report.Strategy, Reward: report.Reward})
	if trained && c.store != nil {
		if err := c.selector.SaveModel(c.store); err != nil {
			c.logger.Error("Failed to save strategy model", "error", err)
		}
	}
}

func (c *Coordinator) exchange(ctx context.Context, peer transport.Peer, s strategy.Strategy, ps *peerState) (*exchange, error) {
	if s == strategy.Eager {
		return c.fullExchange(ctx, peer, ps, false)
	}

	t := c.now()
	root, err := peer.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("root handshake: %w", err)
	}
	ps.observeLatency(c.now().Sub(t))

	if root == c.tree.Root() {
		return &exchange{fastPath: true, remoteRoot: root, complete: true}, nil
	}

	proof, err := peer.Proof(ctx)
	if err != nil {
		return nil, fmt.Errorf("proof exchange: %w", err)
	}
	if err := merkle.ValidateProof(c.hasher, proof); err != nil {
		c.detector.ReportInvalidMessage(peer.ID())
		return nil, err
	}

	delta := merkle.Compare(c.tree.GenerateProof(), proof)
	if s == strategy.Adaptive && delta.Size() > c.log.Len()/2 {
		c.logger.Debug("Divergence too large for a digest exchange, falling back to full exchange",
			"peer", peer.ID(), "divergent", delta.Size(), "local", c.log.Len())
		ex, err := c.fullExchange(ctx, peer, ps, true)
		if err != nil {
			return nil, err
		}
		ex.remoteRoot = root
		return ex, nil
	}

	pull, push := delta.Missing, delta.Extra
	ex := &exchange{
		remoteRoot:   root,
		expected:     proof.Lookup(),
		requested:    make(map[string]struct{}, len(pull)),
		complete:     true,
		pushComplete: true,
		conflicting:  delta.Conflicting,
	}
	if s == strategy.Lazy {
		if len(pull) > c.cfg.LazyBatchSize {
			pull = pull[:c.cfg.LazyBatchSize]
			ex.complete = false
		}
		if len(push) > c.cfg.LazyBatchSize {
			push = push[:c.cfg.LazyBatchSize]
			ex.pushComplete = false
		}
	}
	for _, k := range pull {
		ex.requested[k] = struct{}{}
	}

	if len(pull) > 0 {
		t := c.now()
		ops, err := peer.Operations(ctx, pull)
		if err != nil {
			return nil, fmt.Errorf("operation pull: %w", err)
		}
		ps.observeTransfer(payloadSize(ops), c.now().Sub(t))
		ex.incoming = ops
	}

	if ex.complete {
		if err := c.fetchClock(ctx, peer, ex); err != nil {
			return nil, err
		}
	}
	ex.outgoing = c.log.Select(push)

	return ex, nil
}

// fullExchange pulls the peer's whole log and pushes ours.
func (c *Coordinator) fullExchange(ctx context.Context, peer transport.Peer, ps *peerState, measured bool) (*exchange, error) {
	t := c.now()
	ops, err := peer.AllOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("full pull: %w", err)
	}
	elapsed := c.now().Sub(t)
	if !measured {
		ps.observeLatency(elapsed)
	}
	ps.observeTransfer(payloadSize(ops), elapsed)

	ex := &exchange{incoming: ops, complete: true, pushComplete: true}
	if err := c.fetchClock(ctx, peer, ex); err != nil {
		return nil, err
	}
	ex.outgoing = c.log.All()
	return ex, nil
}

func (c *Coordinator) fetchClock(ctx context.Context, peer transport.Peer, ex *exchange) error {
	snap, err := peer.Clock(ctx)
	if err != nil {
		return fmt.Errorf("clock exchange: %w", err)
	}
	remote, err := clock.FromSnapshot(c.hasher, snap)
	if err != nil {
		c.detector.ReportInvalidMessage(peer.ID())
		c.logger.Warn("Ignoring peer clock", "peer", peer.ID(), "error", err)
		return nil
	}
	ex.remoteClock = remote
	return nil
}

func payloadSize(ops []oplog.Operation) int {
	n := 0
	for _, op := range ops {
		n += len(op.Payload)
	}
	return n
}

type screened struct {
	accepted  []oplog.Operation
	strong    []oplog.Operation
	rejected  int
	conflicts int
}

// screen filters operations received from a peer. Operations the peer was
// not asked for, whose content does not match what it advertised, or that
// contradict a local operation with the same id are evidence against the
// peer. Operations the fault detector flags are dropped.
func (c *Coordinator) screen(from string, ex *exchange) screened {
	var sc screened

	for range ex.conflicting {
		sc.conflicts++
		c.detector.ReportFault(from)
	}

	seen := make(map[string]struct{}, len(ex.incoming))
	for _, op := range ex.incoming {
		key := op.Key()
		if ex.requested != nil {
			if _, ok := ex.requested[key]; !ok {
				c.detector.ReportFault(from)
				sc.rejected++
				continue
			}
		}
		if ex.expected != nil {
			if want, ok := ex.expected[key]; !ok || op.Digest(c.hasher) != want {
				c.detector.ReportFault(from)
				sc.rejected++
				continue
			}
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if local, ok := c.log.Get(op.ID); ok {
			if local.Digest(c.hasher) != op.Digest(c.hasher) {
				c.detector.ReportFault(from)
				sc.conflicts++
				sc.rejected++
			}
			continue
		}

		if c.detector.CheckOperation(op) {
			sc.rejected++
			continue
		}

		if op.Strong && c.protocol != nil {
			sc.strong = append(sc.strong, op)
		} else {
			sc.accepted = append(sc.accepted, op)
		}
	}

	if ex.requested != nil {
		served := make(map[string]struct{}, len(ex.incoming))
		for _, op := range ex.incoming {
			served[op.Key()] = struct{}{}
		}
		withheld := 0
		for k := range ex.requested {
			if _, ok := served[k]; !ok {
				withheld++
			}
		}
		if withheld > 0 {
			c.logger.Warn("Peer withheld advertised operations", "peer", from, "withheld", withheld)
			c.detector.ReportFault(from)
			ex.complete = false
		}
	}

	return sc
}
