package consensus

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const proposalShards = 16

type PBFTConfig struct {
	NodeID string
	// Nodes is the ordered membership; the primary of view v is Nodes[v mod n].
	Nodes []string
	// ViewTimeout is how long a proposal may stay undecided before the node
	// asks for a view change.
	ViewTimeout time.Duration
	// ProposalTTL is how long decided proposals are retained.
	ProposalTTL time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

type proposal struct {
	mu        sync.Mutex
	id        string
	view      uint64
	primary   string
	value     []byte
	phase     Phase
	votes     map[Phase]map[string]struct{}
	seq       uint64
	createdAt time.Time
	decidedAt time.Time
}

func (p *proposal) decided() bool {
	return p.phase == PhaseReply
}

// advanceLocked moves the proposal forward while quorums are met. Commit
// votes that arrived early count once the prepare quorum is reached.
func (p *proposal) advanceLocked(quorum int, now time.Time) {
	if p.phase == PhasePrepare && len(p.votes[PhasePrepare]) >= quorum {
		p.phase = PhaseCommit
	}
	if p.phase == PhaseCommit && len(p.votes[PhaseCommit]) >= quorum {
		p.phase = PhaseReply
		p.decidedAt = now
	}
}

type proposalShard struct {
	mu        sync.RWMutex
	proposals map[string]*proposal
}

// ProposalInfo is a point-in-time view of a proposal.
type ProposalInfo struct {
	ID        string
	View      uint64
	Phase     Phase
	Prepares  int
	Commits   int
	CreatedAt time.Time
	DecidedAt time.Time
}

// PBFT is a Byzantine fault tolerant agreement engine for a fixed, known
// membership. Each proposal carries its own lock so votes on different
// proposals proceed in parallel.
type PBFT struct {
	nodeID  string
	nodes   []string
	members map[string]struct{}
	quorum  int
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu          sync.RWMutex
	view        uint64
	seq         uint64
	viewChanges map[uint64]map[string]struct{}

	shards [proposalShards]*proposalShard
}

func NewPBFT(cfg PBFTConfig) (*PBFT, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("pbft requires at least one node")
	}

	members := make(map[string]struct{}, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if _, dup := members[n]; dup {
			return nil, fmt.Errorf("duplicate node %q in membership", n)
		}
		members[n] = struct{}{}
	}
	if _, ok := members[cfg.NodeID]; !ok {
		return nil, fmt.Errorf("node %q is not in the membership", cfg.NodeID)
	}

	if cfg.ViewTimeout <= 0 {
		cfg.ViewTimeout = 10 * time.Second
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &PBFT{
		nodeID:      cfg.NodeID,
		nodes:       slices.Clone(cfg.Nodes),
		members:     members,
		quorum:      Quorum(len(cfg.Nodes)),
		timeout:     cfg.ViewTimeout,
		ttl:         cfg.ProposalTTL,
		now:         cfg.Now,
		logger:      cfg.Logger,
		viewChanges: make(map[uint64]map[string]struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &proposalShard{proposals: make(map[string]*proposal)}
	}
	return e, nil
}

func (e *PBFT) shardFor(id string) *proposalShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return e.shards[h.Sum32()%proposalShards]
}

func (e *PBFT) lookup(id string) (*proposal, error) {
	s := e.shardFor(id)
	s.mu.RLock()
	p, ok := s.proposals[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	return p, nil
}

func (e *PBFT) NodeID() string {
	return e.nodeID
}

func (e *PBFT) Nodes() []string {
	return slices.Clone(e.nodes)
}

func (e *PBFT) QuorumSize() int {
	return e.quorum
}

func (e *PBFT) View() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

func (e *PBFT) primaryOf(view uint64) string {
	return e.nodes[view%uint64(len(e.nodes))]
}

func (e *PBFT) Primary() string {
	return e.primaryOf(e.View())
}

func (e *PBFT) IsPrimary() bool {
	return e.Primary() == e.nodeID
}

// Propose creates a proposal in the prepare phase. Only the primary of the
// current view may propose.
func (e *PBFT) Propose(value []byte) (string, error) {
	e.mu.Lock()
	view := e.view
	if e.primaryOf(view) != e.nodeID {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: primary of view %d is %s", ErrNotPrimary, view, e.primaryOf(view))
	}
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	id := fmt.Sprintf("%d-%s", view, uuid.NewString())
	e.store(&proposal{
		id:        id,
		view:      view,
		primary:   e.nodeID,
		value:     bytes.Clone(value),
		phase:     PhasePrepare,
		votes:     map[Phase]map[string]struct{}{PhasePrepare: {}, PhaseCommit: {}},
		seq:       seq,
		createdAt: e.now(),
	})

	e.logger.Debug("Proposal created", "proposal", id, "view", view)
	return id, nil
}

func (e *PBFT) store(p *proposal) {
	s := e.shardFor(p.id)
	s.mu.Lock()
	s.proposals[p.id] = p
	s.mu.Unlock()
}

// Accept registers a proposal multicast by the primary so that this node can
// track its votes. Re-accepting the same value is a no-op.
func (e *PBFT) Accept(msg Propose) error {
	e.mu.Lock()
	view := e.view
	if msg.View != view {
		e.mu.Unlock()
		return fmt.Errorf("%w: proposal view %d, current view %d", ErrStaleView, msg.View, view)
	}
	if msg.Primary != e.primaryOf(view) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s proposed in view %d", ErrNotPrimary, msg.Primary, view)
	}
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	s := e.shardFor(msg.ProposalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.proposals[msg.ProposalID]; ok {
		if !bytes.Equal(existing.value, msg.Value) {
			return fmt.Errorf("%w: %s", ErrConflictingProposal, msg.ProposalID)
		}
		return nil
	}

	s.proposals[msg.ProposalID] = &proposal{
		id:        msg.ProposalID,
		view:      msg.View,
		primary:   msg.Primary,
		value:     bytes.Clone(msg.Value),
		phase:     PhasePrepare,
		votes:     map[Phase]map[string]struct{}{PhasePrepare: {}, PhaseCommit: {}},
		seq:       seq,
		createdAt: e.now(),
	}
	return nil
}

// Message returns the pre-prepare message for a proposal.
func (e *PBFT) Message(proposalID string) (Propose, bool) {
	p, err := e.lookup(proposalID)
	if err != nil {
		return Propose{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Propose{ProposalID: p.id, View: p.view, Primary: p.primary, Value: bytes.Clone(p.value)}, true
}

// Vote records an approval for the proposal's current phase.
func (e *PBFT) Vote(proposalID, voter string, approve bool) error {
	return e.vote(proposalID, voter, 0, false, approve)
}

// VoteIn records an approval for a specific phase. Votes for a phase the
// proposal has already passed are ignored.
func (e *PBFT) VoteIn(proposalID, voter string, phase Phase, approve bool) error {
	if phase != PhasePrepare && phase != PhaseCommit {
		return fmt.Errorf("cannot vote in phase %s", phase)
	}
	return e.vote(proposalID, voter, phase, true, approve)
}

func (e *PBFT) vote(proposalID, voter string, phase Phase, explicit, approve bool) error {
	p, err := e.lookup(proposalID)
	if err != nil {
		return err
	}
	if _, ok := e.members[voter]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, voter)
	}
	if !approve {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.decided() {
		return nil
	}
	if !explicit {
		phase = p.phase
	}
	if phase < p.phase {
		return nil
	}

	p.votes[phase][voter] = struct{}{}
	before := p.phase
	p.advanceLocked(e.quorum, e.now())

	if p.phase != before {
		e.logger.Debug("Proposal advanced",
			"proposal", p.id,
			"from", before.String(),
			"to", p.phase.String(),
		)
	}
	return nil
}

// Certificate returns the sorted voters that approved phase once they reach
// quorum. The primary sends it with the next phase so backups can check
// the quorum themselves.
func (e *PBFT) Certificate(proposalID string, phase Phase) ([]string, bool) {
	p, err := e.lookup(proposalID)
	if err != nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	votes, ok := p.votes[phase]
	if !ok || len(votes) < e.quorum {
		return nil, false
	}
	voters := make([]string, 0, len(votes))
	for v := range votes {
		voters = append(voters, v)
	}
	slices.Sort(voters)
	return voters, true
}

// Certify records the votes of a certificate received from the primary. The
// voters must be distinct members and reach quorum, and a commit
// certificate is only accepted once the proposal has its prepare quorum.
func (e *PBFT) Certify(proposalID string, phase Phase, voters []string) error {
	if phase != PhasePrepare && phase != PhaseCommit {
		return fmt.Errorf("%w: cannot certify phase %s", ErrInvalidCertificate, phase)
	}
	p, err := e.lookup(proposalID)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(voters))
	for _, v := range voters {
		if _, ok := e.members[v]; !ok {
			return fmt.Errorf("%w: %s is not a cluster member", ErrInvalidCertificate, v)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("%w: duplicate voter %s", ErrInvalidCertificate, v)
		}
		seen[v] = struct{}{}
	}
	if len(seen) < e.quorum {
		return fmt.Errorf("%w: %d %s votes, quorum is %d", ErrInvalidCertificate, len(seen), phase, e.quorum)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.decided() {
		return nil
	}
	if phase == PhaseCommit && p.phase < PhaseCommit {
		return fmt.Errorf("%w: commit certificate before prepare quorum", ErrInvalidCertificate)
	}
	for v := range seen {
		p.votes[phase][v] = struct{}{}
	}
	before := p.phase
	p.advanceLocked(e.quorum, e.now())

	if p.phase != before {
		e.logger.Debug("Proposal advanced by certificate",
			"proposal", p.id,
			"from", before.String(),
			"to", p.phase.String(),
		)
	}
	return nil
}

// Decide returns the value of the oldest decided proposal still retained.
func (e *PBFT) Decide() ([]byte, bool) {
	var (
		best  *proposal
		value []byte
	)
	for _, s := range e.shards {
		s.mu.RLock()
		for _, p := range s.proposals {
			p.mu.Lock()
			if p.decided() && (best == nil || p.seq < best.seq) {
				best = p
				value = p.value
			}
			p.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	if best == nil {
		return nil, false
	}
	return bytes.Clone(value), true
}

func (e *PBFT) DecideProposal(proposalID string) ([]byte, bool) {
	p, err := e.lookup(proposalID)
	if err != nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.decided() {
		return nil, false
	}
	return bytes.Clone(p.value), true
}

func (e *PBFT) Info(proposalID string) (ProposalInfo, bool) {
	p, err := e.lookup(proposalID)
	if err != nil {
		return ProposalInfo{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProposalInfo{
		ID:        p.id,
		View:      p.view,
		Phase:     p.phase,
		Prepares:  len(p.votes[PhasePrepare]),
		Commits:   len(p.votes[PhaseCommit]),
		CreatedAt: p.createdAt,
		DecidedAt: p.decidedAt,
	}, true
}

// Pending returns the number of undecided proposals.
func (e *PBFT) Pending() int {
	n := 0
	for _, s := range e.shards {
		s.mu.RLock()
		for _, p := range s.proposals {
			p.mu.Lock()
			if !p.decided() {
				n++
			}
			p.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return n
}

// CheckTimeout returns the undecided proposals of the current view that have
// been pending longer than the view timeout.
func (e *PBFT) CheckTimeout() []string {
	view := e.View()
	deadline := e.now().Add(-e.timeout)

	stalled := make([]string, 0)
	for _, s := range e.shards {
		s.mu.RLock()
		for _, p := range s.proposals {
			p.mu.Lock()
			if p.view == view && !p.decided() && p.createdAt.Before(deadline) {
				stalled = append(stalled, p.id)
			}
			p.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	slices.Sort(stalled)
	return stalled
}

// RequestViewChange records voter's request to move to newView. Once a
// quorum asks for the same view the engine installs it, rotating the
// primary and discarding undecided proposals of earlier views. It reports
// whether the view changed.
func (e *PBFT) RequestViewChange(voter string, newView uint64) (bool, error) {
	if _, ok := e.members[voter]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownVoter, voter)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if newView <= e.view {
		return false, nil
	}

	votes, ok := e.viewChanges[newView]
	if !ok {
		votes = make(map[string]struct{})
		e.viewChanges[newView] = votes
	}
	votes[voter] = struct{}{}

	if len(votes) < e.quorum {
		return false, nil
	}

	old := e.view
	e.view = newView
	for v := range e.viewChanges {
		if v <= newView {
			delete(e.viewChanges, v)
		}
	}
	dropped := e.dropUndecidedBefore(newView)

	e.logger.Info("View changed",
		"old_view", old,
		"new_view", newView,
		"primary", e.primaryOf(newView),
		"dropped_proposals", dropped,
	)
	return true, nil
}

func (e *PBFT) dropUndecidedBefore(view uint64) int {
	dropped := 0
	for _, s := range e.shards {
		s.mu.Lock()
		for id, p := range s.proposals {
			p.mu.Lock()
			if p.view < view && !p.decided() {
				delete(s.proposals, id)
				dropped++
			}
			p.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return dropped
}

// Prune removes decided proposals older than the retention TTL.
func (e *PBFT) Prune() int {
	cutoff := e.now().Add(-e.ttl)
	pruned := 0
	for _, s := range e.shards {
		s.mu.Lock()
		for id, p := range s.proposals {
			p.mu.Lock()
			if p.decided() && p.decidedAt.Before(cutoff) {
				delete(s.proposals, id)
				pruned++
			}
			p.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return pruned
}
