package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrNotPrimary          = errors.New("node is not the primary")
	ErrNotLeader           = fmt.Errorf("raft: %w", ErrNotPrimary)
	ErrUnknownProposal     = errors.New("unknown proposal")
	ErrUnknownVoter        = errors.New("voter is not a cluster member")
	ErrStaleView           = errors.New("message from a stale view")
	ErrConflictingProposal = errors.New("proposal id already bound to a different value")
	ErrInvalidCertificate  = errors.New("invalid vote certificate")
)

// Protocol is an agreement engine. PBFT and Raft both implement it.
type Protocol interface {
	// Propose starts agreement on value and returns the proposal id.
	Propose(value []byte) (string, error)
	// Vote records voter's vote on a proposal. A false vote is an
	// abstention and never counts against quorum.
	Vote(proposalID, voter string, approve bool) error
	// Decide returns the oldest decided value still retained.
	Decide() ([]byte, bool)
}

// ProposalDecider reports the outcome of one proposal.
type ProposalDecider interface {
	DecideProposal(proposalID string) ([]byte, bool)
}

// PhaseVoter records a vote for an explicit phase.
type PhaseVoter interface {
	VoteIn(proposalID, voter string, phase Phase, approve bool) error
}

// Certifier exposes the voters behind a reached quorum.
type Certifier interface {
	Certificate(proposalID string, phase Phase) ([]string, bool)
}

// Broadcaster returns the message replicas need to vote on a proposal.
type Broadcaster interface {
	Message(proposalID string) (Propose, bool)
}

type Phase int

const (
	PhasePrePrepare Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseReply
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre-prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseReply:
		return "reply"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Propose is the pre-prepare message the primary multicasts.
type Propose struct {
	ProposalID string `json:"proposal_id"`
	View       uint64 `json:"view"`
	Primary    string `json:"primary"`
	Value      []byte `json:"value"`
}

type Vote struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Phase      Phase  `json:"phase"`
	Approve    bool   `json:"approve"`
}

// VoteRequest asks a replica for its vote on a proposal in a phase. A
// commit request carries the prepare certificate; a reply request carries
// the commit certificate and tells the replica the proposal is decided.
type VoteRequest struct {
	Proposal    Propose  `json:"proposal"`
	Phase       Phase    `json:"phase"`
	Certificate []string `json:"certificate,omitempty"`
}

type ViewChange struct {
	Voter   string `json:"voter"`
	NewView uint64 `json:"new_view"`
}

// Quorum returns floor(2n/3)+1, the number of approvals needed among n
// nodes to tolerate floor((n-1)/3) Byzantine ones.
func Quorum(n int) int {
	return 2*n/3 + 1
}

func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}
