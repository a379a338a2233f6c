package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/witnz/replisync/internal/consensus"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/transport"
)

// ErrConsensusDisabled is returned for consensus messages on a node that
// runs without an agreement protocol.
var ErrConsensusDisabled = errors.New("consensus is not enabled on this node")

type primaryChecker interface {
	IsPrimary() bool
}

type leaderChecker interface {
	IsLeader() bool
}

// certifier is implemented by protocols whose backups track proposals and
// check the primary's vote certificates.
type certifier interface {
	Accept(msg consensus.Propose) error
	Message(proposalID string) (consensus.Propose, bool)
	Certify(proposalID string, phase consensus.Phase, voters []string) error
	VoteIn(proposalID, voter string, phase consensus.Phase, approve bool) error
	DecideProposal(proposalID string) ([]byte, bool)
}

// viewChanger is implemented by protocols with a rotating primary.
type viewChanger interface {
	View() uint64
	Primary() string
	Pending() int
	CheckTimeout() []string
	RequestViewChange(voter string, newView uint64) (bool, error)
}

type pruner interface {
	Prune() int
}

func (c *Coordinator) isPrimary() bool {
	switch p := c.protocol.(type) {
	case primaryChecker:
		return p.IsPrimary()
	case leaderChecker:
		return p.IsLeader()
	default:
		return false
	}
}

func (c *Coordinator) replicas() []consensus.Replica {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]consensus.Replica, len(ids))
	for i, id := range ids {
		out[i] = c.members[id]
	}
	return out
}

func (c *Coordinator) isAgreed(id uuid.UUID) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	_, ok := c.agreed[id]
	return ok
}

func (c *Coordinator) deferOp(op oplog.Operation) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.deferred[op.ID] = op
}

// routeStrong returns the strong operations cleared for apply. An operation
// is cleared when this node already took part in agreeing on it, or when
// this node is the primary and agreement succeeds now. Everything else is
// deferred.
func (c *Coordinator) routeStrong(ctx context.Context, ops []oplog.Operation) (ready []oplog.Operation, deferred int) {
	for _, op := range ops {
		if c.isAgreed(op.ID) {
			ready = append(ready, op)
			continue
		}
		if !c.isPrimary() {
			c.deferOp(op)
			deferred++
			continue
		}

		ok, err := c.agree(ctx, op)
		if err != nil {
			c.logger.Warn("Agreement failed", "operation", op.ID, "error", err)
		}
		if !ok {
			c.deferOp(op)
			deferred++
			continue
		}
		ready = append(ready, op)
	}
	return ready, deferred
}

func (c *Coordinator) agree(ctx context.Context, op oplog.Operation) (bool, error) {
	value, err := op.Encode()
	if err != nil {
		return false, err
	}

	d, ok, err := consensus.Agree(ctx, c.protocol, c.cfg.NodeID, c.replicas(), value, c.logger)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Info("Operation not decided yet", "operation", op.ID, "proposal", d.ProposalID)
		return false, nil
	}
	if !bytes.Equal(d.Value, value) {
		return false, fmt.Errorf("proposal %s decided a different value", d.ProposalID)
	}

	c.logger.Debug("Operation agreed", "operation", op.ID, "proposal", d.ProposalID)
	return true, nil
}

// HandleVote answers a primary's vote request. A prepare vote approves an
// operation that decodes, passes fault screening and does not contradict
// the local log. A commit vote needs the prepare certificate, and the
// operation is only marked as agreed once the reply request brings a commit
// certificate that decides the proposal here too.
func (c *Coordinator) HandleVote(ctx context.Context, from string, req consensus.VoteRequest) (bool, error) {
	if c.protocol == nil {
		return false, ErrConsensusDisabled
	}
	engine, ok := c.protocol.(certifier)
	if !ok {
		return false, fmt.Errorf("%w: protocol does not take votes from a primary", ErrConsensusDisabled)
	}
	msg := req.Proposal
	if msg.Primary != from {
		c.detector.ReportInvalidMessage(from)
		return false, fmt.Errorf("vote request for proposal %s names primary %q but came from %q", msg.ProposalID, msg.Primary, from)
	}

	switch req.Phase {
	case consensus.PhasePrepare:
		op, err := oplog.DecodeOperation(msg.Value)
		if err != nil {
			c.detector.ReportInvalidMessage(from)
			return false, nil
		}
		if !op.Strong || c.detector.CheckOperation(op) {
			return false, nil
		}
		if local, ok := c.log.Get(op.ID); ok && local.Digest(c.hasher) != op.Digest(c.hasher) {
			c.detector.ReportFault(from)
			return false, nil
		}
		if err := engine.Accept(msg); err != nil {
			if errors.Is(err, consensus.ErrConflictingProposal) {
				c.detector.ReportFault(from)
			}
			c.logger.Warn("Rejected proposal", "proposal", msg.ProposalID, "primary", from, "error", err)
			return false, nil
		}
		if err := engine.VoteIn(msg.ProposalID, c.cfg.NodeID, consensus.PhasePrepare, true); err != nil {
			return false, err
		}

		c.pendingMu.Lock()
		c.prepared[msg.ProposalID] = op.ID
		c.pendingMu.Unlock()
		return true, nil

	case consensus.PhaseCommit:
		if _, ok := c.preparedOp(msg.ProposalID); !ok {
			return false, nil
		}
		if !c.certify(engine, from, msg.ProposalID, consensus.PhasePrepare, req.Certificate) {
			return false, nil
		}
		if err := engine.VoteIn(msg.ProposalID, c.cfg.NodeID, consensus.PhaseCommit, true); err != nil {
			return false, err
		}
		return true, nil

	case consensus.PhaseReply:
		id, ok := c.preparedOp(msg.ProposalID)
		if !ok {
			return false, nil
		}
		if !c.certify(engine, from, msg.ProposalID, consensus.PhaseCommit, req.Certificate) {
			return false, nil
		}
		if _, decided := engine.DecideProposal(msg.ProposalID); !decided {
			return false, nil
		}

		c.pendingMu.Lock()
		delete(c.prepared, msg.ProposalID)
		if !c.log.Has(id) {
			c.agreed[id] = struct{}{}
		}
		c.pendingMu.Unlock()
		c.logger.Debug("Proposal decided from commit certificate", "proposal", msg.ProposalID, "operation", id)
		return true, nil

	default:
		return false, fmt.Errorf("unexpected vote phase: %s", req.Phase)
	}
}

func (c *Coordinator) preparedOp(proposalID string) (uuid.UUID, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	id, ok := c.prepared[proposalID]
	return id, ok
}

// certify checks a certificate from the primary. A malformed certificate is
// a protocol violation by the primary.
func (c *Coordinator) certify(engine certifier, from, proposalID string, phase consensus.Phase, voters []string) bool {
	err := engine.Certify(proposalID, phase, voters)
	if err == nil {
		return true
	}
	if errors.Is(err, consensus.ErrInvalidCertificate) {
		c.detector.ReportInvalidMessage(from)
	}
	c.logger.Warn("Rejected vote certificate", "proposal", proposalID, "phase", phase.String(), "primary", from, "error", err)
	return false
}

// forgetAbandoned drops prepared proposals the protocol no longer tracks,
// such as those discarded by a view change.
func (c *Coordinator) forgetAbandoned() {
	engine, ok := c.protocol.(certifier)
	if !ok {
		return
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for pid := range c.prepared {
		if _, known := engine.Message(pid); !known {
			delete(c.prepared, pid)
		}
	}
}

func (c *Coordinator) HandleViewChange(ctx context.Context, from string, vc consensus.ViewChange) error {
	changer, ok := c.protocol.(viewChanger)
	if !ok {
		return ErrConsensusDisabled
	}
	if vc.Voter != from {
		c.detector.ReportInvalidMessage(from)
		return fmt.Errorf("view change voter %q does not match sender %q", vc.Voter, from)
	}

	changed, err := changer.RequestViewChange(vc.Voter, vc.NewView)
	if err != nil {
		return err
	}
	if changed {
		c.logger.Info("View changed", "view", changer.View(), "primary", changer.Primary())
	}
	return nil
}

// ApplyDecided applies an operation decided by the replicated log. It runs
// on every node of a Raft cluster.
func (c *Coordinator) ApplyDecided(proposalID string, value []byte) error {
	op, err := oplog.DecodeOperation(value)
	if err != nil {
		return fmt.Errorf("failed to decode decided operation %s: %w", proposalID, err)
	}
	if _, err := c.apply([]oplog.Operation{op}, nil); err != nil {
		return fmt.Errorf("failed to apply decided operation %s: %w", proposalID, err)
	}
	return nil
}

// flushDeferred retries held-back strong operations. A backup forwards the
// ones it has not agreed on to the primary, which runs agreement for them.
func (c *Coordinator) flushDeferred(ctx context.Context) {
	c.pendingMu.Lock()
	ops := make([]oplog.Operation, 0, len(c.deferred))
	for id, op := range c.deferred {
		if c.log.Has(id) {
			delete(c.deferred, id)
			continue
		}
		ops = append(ops, op)
	}
	c.pendingMu.Unlock()

	if len(ops) == 0 {
		return
	}
	sort.Slice(ops, func(i, j int) bool { return oplog.Less(ops[i], ops[j]) })

	ready, deferred := c.routeStrong(ctx, ops)
	if len(ready) > 0 {
		if _, err := c.apply(ready, nil); err != nil {
			c.logger.Error("Failed to apply agreed operations", "count", len(ready), "error", err)
			return
		}
		c.logger.Info("Applied agreed operations", "count", len(ready))
	}
	if deferred == 0 || c.isPrimary() {
		return
	}

	changer, ok := c.protocol.(viewChanger)
	if !ok {
		return
	}
	primary, ok := c.members[changer.Primary()]
	if !ok {
		return
	}

	var forward []oplog.Operation
	for _, op := range ops {
		if !c.isAgreed(op.ID) {
			forward = append(forward, op)
		}
	}
	if len(forward) == 0 {
		return
	}
	if _, err := primary.Push(ctx, transport.PushRequest{Operations: forward, Forwarded: true}); err != nil {
		c.logger.Warn("Failed to forward deferred operations", "primary", primary.ID(), "count", len(forward), "error", err)
	}
}

type stallState struct {
	firstSeen time.Time
	alerted   bool
}

// checkStalled votes for a view change when proposals outlive the view
// timeout and alerts once a proposal has been stuck past StallAlertAfter.
func (c *Coordinator) checkStalled(ctx context.Context) {
	changer, ok := c.protocol.(viewChanger)
	if !ok {
		return
	}

	stalled := changer.CheckTimeout()
	current := make(map[string]struct{}, len(stalled))
	for _, id := range stalled {
		current[id] = struct{}{}
	}
	for id := range c.stalls {
		if _, ok := current[id]; !ok {
			delete(c.stalls, id)
		}
	}
	if len(stalled) == 0 {
		return
	}

	now := c.now()
	view := changer.View()
	for _, id := range stalled {
		st, ok := c.stalls[id]
		if !ok {
			st = &stallState{firstSeen: now}
			c.stalls[id] = st
		}
		if !st.alerted && now.Sub(st.firstSeen) >= c.cfg.StallAlertAfter {
			st.alerted = true
			c.logger.Error("Consensus stalled", "view", view, "proposal", id, "pending", changer.Pending())
			if err := c.alerts.SendStalledConsensusAlert(view, id, changer.Pending()); err != nil {
				c.logger.Error("Failed to send stalled consensus alert", "error", err)
			}
		}
	}

	newView := view + 1
	if _, err := changer.RequestViewChange(c.cfg.NodeID, newView); err != nil {
		c.logger.Warn("Failed to record own view change vote", "error", err)
	}

	vc := consensus.ViewChange{Voter: c.cfg.NodeID, NewView: newView}
	var wg conc.WaitGroup
	for _, m := range c.members {
		wg.Go(func() {
			if err := m.ViewChange(ctx, vc); err != nil {
				c.logger.Debug("View change not delivered", "peer", m.ID(), "error", err)
			}
		})
	}
	wg.Wait()

	c.logger.Warn("Requested view change", "view", view, "new_view", newView, "stalled", len(stalled))
}
