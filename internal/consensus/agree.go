package consensus

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc"
)

// Replica is a remote cluster member that can be asked for votes.
type Replica interface {
	ID() string
	Vote(ctx context.Context, req VoteRequest) (bool, error)
}

type Decision struct {
	ProposalID string
	Value      []byte
}

// Agree proposes value and drives it through the prepare and commit phases,
// collecting each replica's vote concurrently. With a Certifier protocol a
// phase must reach quorum before the next one starts, and its certificate
// travels with the next request; once decided, replicas receive the commit
// certificate in a reply request. It returns ok=false when the proposal did
// not decide before ctx expired or because too few replicas approved.
// Replica errors count as abstentions.
func Agree(ctx context.Context, p Protocol, self string, replicas []Replica, value []byte, logger *slog.Logger) (Decision, bool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id, err := p.Propose(value)
	if err != nil {
		return Decision{}, false, err
	}
	d := Decision{ProposalID: id}

	var msg Propose
	if b, ok := p.(Broadcaster); ok {
		msg, _ = b.Message(id)
	}
	broadcast := len(replicas) > 0 && msg.ProposalID != ""
	certifier, certifies := p.(Certifier)

	var certificate []string
	for _, phase := range []Phase{PhasePrepare, PhaseCommit} {
		if err := castVote(p, id, self, phase, true); err != nil {
			return d, false, err
		}

		if broadcast {
			req := VoteRequest{Proposal: msg, Phase: phase, Certificate: certificate}
			approvals := collectVotes(ctx, replicas, req, logger)
			for i, r := range replicas {
				if err := castVote(p, id, r.ID(), phase, approvals[i]); err != nil {
					logger.Warn("Vote rejected", "proposal", id, "voter", r.ID(), "error", err)
				}
			}
		}

		if certifies {
			voters, ok := certifier.Certificate(id, phase)
			if !ok {
				logger.Info("Proposal short of quorum", "proposal", id, "phase", phase.String())
				return d, false, nil
			}
			certificate = voters
		}

		if ctx.Err() != nil {
			break
		}
	}

	out, ok := decided(p, id)
	if !ok {
		return d, false, nil
	}
	if broadcast && certifies {
		collectVotes(ctx, replicas, VoteRequest{Proposal: msg, Phase: PhaseReply, Certificate: certificate}, logger)
	}

	d.Value = out
	return d, true, nil
}

func castVote(p Protocol, id, voter string, phase Phase, approve bool) error {
	if pv, ok := p.(PhaseVoter); ok {
		return pv.VoteIn(id, voter, phase, approve)
	}
	return p.Vote(id, voter, approve)
}

func decided(p Protocol, id string) ([]byte, bool) {
	if pd, ok := p.(ProposalDecider); ok {
		return pd.DecideProposal(id)
	}
	return p.Decide()
}

func collectVotes(ctx context.Context, replicas []Replica, req VoteRequest, logger *slog.Logger) []bool {
	approvals := make([]bool, len(replicas))

	var wg conc.WaitGroup
	for i, r := range replicas {
		wg.Go(func() {
			ok, err := r.Vote(ctx, req)
			if err != nil {
				logger.Debug("Replica did not vote",
					"replica", r.ID(),
					"proposal", req.Proposal.ProposalID,
					"phase", req.Phase.String(),
					"error", err,
				)
				return
			}
			approvals[i] = ok
		})
	}
	wg.Wait()

	return approvals
}
