package coordinator

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witnz/replisync/internal/alert"
	"github.com/witnz/replisync/internal/byzantine"
	"github.com/witnz/replisync/internal/consensus"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/strategy"
	"github.com/witnz/replisync/internal/transport"
)

var clusterIDs = []string{"n0", "n1", "n2", "n3"}

// lateHandler lets members reference nodes that are created afterwards.
type lateHandler struct {
	transport.Handler
}

type cluster struct {
	nodes   []*Coordinator
	engines []*consensus.PBFT
	clk     *fakeClock
}

func newCluster(t *testing.T, opts ...Option) *cluster {
	t.Helper()

	cl := &cluster{clk: newFakeClock()}
	handlers := make([]*lateHandler, len(clusterIDs))
	for i := range handlers {
		handlers[i] = &lateHandler{}
	}

	for i, id := range clusterIDs {
		engine, err := consensus.NewPBFT(consensus.PBFTConfig{
			NodeID:      id,
			Nodes:       clusterIDs,
			ViewTimeout: 10 * time.Second,
			Now:         cl.clk.Now,
		})
		require.NoError(t, err)

		var members []transport.Peer
		for j, other := range clusterIDs {
			if j != i {
				members = append(members, transport.NewLocal(id, other, handlers[j]))
			}
		}

		nodeOpts := append([]Option{WithClock(cl.clk.Now), WithConsensus(engine, members)}, opts...)
		node := newNodeWithConfig(t, Config{NodeID: id, Timeout: time.Second}, nil, nodeOpts...)
		handlers[i].Handler = node

		cl.nodes = append(cl.nodes, node)
		cl.engines = append(cl.engines, engine)
	}
	return cl
}

// propose creates a proposal on the primary's engine without asking anyone
// to vote on it.
func (cl *cluster) propose(t *testing.T, op oplog.Operation) consensus.Propose {
	t.Helper()
	value, err := op.Encode()
	require.NoError(t, err)
	id, err := cl.engines[0].Propose(value)
	require.NoError(t, err)
	msg, ok := cl.engines[0].Message(id)
	require.True(t, ok)
	return msg
}

type recordingHTTPClient struct {
	mu     sync.Mutex
	bodies []string
}

func (c *recordingHTTPClient) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, string(body))
	c.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func (c *recordingHTTPClient) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

func TestStrongAppendOnPrimary(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	n0, n1 := cl.nodes[0], cl.nodes[1]

	op, err := n0.Append(ctx, []byte("transfer"), true)
	require.NoError(t, err)
	assert.True(t, op.Strong)
	assert.False(t, n0.Pending(op.ID))
	assert.True(t, n0.Log().Has(op.ID))
	assert.Zero(t, cl.engines[0].Pending())
	for _, e := range cl.engines[1:] {
		assert.Zero(t, e.Pending(), "backups decide from the commit certificate")
	}

	report, err := n1.SyncRoundWith(ctx, peerOf(n1, n0), strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Zero(t, report.Deferred)
	assert.True(t, n1.Log().Has(op.ID))
	assert.Equal(t, n0.Root(), n1.Root())
}

func TestStrongAppendOnBackup(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	n0, n1 := cl.nodes[0], cl.nodes[1]

	op, err := n1.Append(ctx, []byte("transfer"), true)
	require.NoError(t, err)
	assert.True(t, n1.Pending(op.ID))
	assert.False(t, n1.Log().Has(op.ID))
	assert.Equal(t, 1, n1.DeferredCount())

	n1.Maintain(ctx)
	assert.True(t, n0.Log().Has(op.ID), "the primary agrees on forwarded operations")
	assert.True(t, n1.isAgreed(op.ID))

	n1.Maintain(ctx)
	assert.False(t, n1.Pending(op.ID))
	assert.True(t, n1.Log().Has(op.ID))

	entry, ok := n1.Clock().Get("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Timestamp)
}

func TestStrongOperationFromPeerIsDeferredUntilAgreed(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	n1 := cl.nodes[1]

	outsider := newNode(t, "n9")
	op, err := outsider.Append(ctx, []byte("unagreed"), true)
	require.NoError(t, err)

	report, err := n1.SyncRoundWith(ctx, peerOf(n1, outsider), strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Zero(t, report.Applied)
	assert.True(t, n1.Pending(op.ID))
	assert.Zero(t, n1.Clock().Len(), "the peer clock is not merged while operations are deferred")
}

func TestStalledConsensusAlert(t *testing.T) {
	ctx := context.Background()
	client := &recordingHTTPClient{}
	cl := newCluster(t, WithAlerts(alert.NewManagerWithClient(true, "https://hooks.slack.test/x", client)))
	n1 := cl.nodes[1]

	msg := cl.propose(t, oplog.NewOperation("n0", []byte("stuck"), true))
	ok, err := n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: msg, Phase: consensus.PhasePrepare})
	require.NoError(t, err)
	require.True(t, ok)

	n1.Maintain(ctx)
	assert.Equal(t, uint64(0), cl.engines[2].View())

	cl.clk.Advance(11 * time.Second)
	n1.Maintain(ctx)
	assert.Empty(t, client.sent(), "stalls are reported only after they persist")

	cl.clk.Advance(31 * time.Second)
	n1.Maintain(ctx)
	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "CONSENSUS STALLED")
	assert.Contains(t, sent[0], msg.ProposalID)

	n1.Maintain(ctx)
	assert.Len(t, client.sent(), 1, "each stall is reported once")
	assert.Equal(t, uint64(0), n1.protocol.(*consensus.PBFT).View(), "one vote is not a quorum")
}

func TestViewChangeRotatesPrimary(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)

	msg := cl.propose(t, oplog.NewOperation("n0", []byte("stuck"), true))
	for _, n := range cl.nodes[1:] {
		ok, err := n.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: msg, Phase: consensus.PhasePrepare})
		require.NoError(t, err)
		require.True(t, ok)
	}

	cl.clk.Advance(11 * time.Second)
	for _, n := range cl.nodes[1:] {
		n.Maintain(ctx)
	}

	for i, e := range cl.engines {
		assert.Equal(t, uint64(1), e.View(), "node %s", clusterIDs[i])
		assert.Equal(t, "n1", e.Primary())
	}

	op, err := cl.nodes[1].Append(ctx, []byte("after view change"), true)
	require.NoError(t, err)
	assert.False(t, cl.nodes[1].Pending(op.ID))
	assert.True(t, cl.nodes[1].Log().Has(op.ID))
}

func TestHandleVoteValidation(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	n1 := cl.nodes[1]

	msg := cl.propose(t, oplog.NewOperation("n0", []byte("v"), true))

	_, err := n1.HandleVote(ctx, "n2", consensus.VoteRequest{Proposal: msg, Phase: consensus.PhasePrepare})
	assert.Error(t, err, "the request must come from the named primary")
	faults := n1.Detector().Faults("n2")
	require.Len(t, faults, 1)
	assert.Equal(t, byzantine.InvalidMessage, faults[0].FaultType)

	ok, err := n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: msg, Phase: consensus.PhaseCommit})
	require.NoError(t, err)
	assert.False(t, ok, "commit without prepare")

	weak := cl.propose(t, oplog.NewOperation("n0", []byte("weak"), false))
	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: weak, Phase: consensus.PhasePrepare})
	require.NoError(t, err)
	assert.False(t, ok, "only strong operations go through agreement")
	_, tracked := cl.engines[1].Info(weak.ProposalID)
	assert.False(t, tracked, "a refused proposal is not tracked")

	garbage := msg
	garbage.ProposalID = "0-garbage"
	garbage.Value = []byte("not an operation")
	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: garbage, Phase: consensus.PhasePrepare})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: msg, Phase: consensus.PhasePrepare})
	require.NoError(t, err)
	require.True(t, ok)

	conflicting := msg
	other, err := oplog.NewOperation("n0", []byte("other"), true).Encode()
	require.NoError(t, err)
	conflicting.Value = other
	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: conflicting, Phase: consensus.PhasePrepare})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, n1.Detector().Reputation("n0"), 1.0, "equivocation is evidence against the primary")

	op, err := oplog.DecodeOperation(msg.Value)
	require.NoError(t, err)

	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: msg, Phase: consensus.PhaseCommit})
	require.NoError(t, err)
	assert.False(t, ok, "commit without a prepare certificate")

	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{
		Proposal:    msg,
		Phase:       consensus.PhaseCommit,
		Certificate: []string{"n0", "n1", "n1"},
	})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate voters do not make a quorum")

	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{
		Proposal:    msg,
		Phase:       consensus.PhaseCommit,
		Certificate: []string{"n0", "n1", "n2"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, n1.isAgreed(op.ID), "a commit vote alone does not decide")

	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{
		Proposal:    msg,
		Phase:       consensus.PhaseReply,
		Certificate: []string{"n0", "n1"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, n1.isAgreed(op.ID))

	ok, err = n1.HandleVote(ctx, "n0", consensus.VoteRequest{
		Proposal:    msg,
		Phase:       consensus.PhaseReply,
		Certificate: []string{"n0", "n1", "n2"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, n1.isAgreed(op.ID))
	_, decided := cl.engines[1].DecideProposal(msg.ProposalID)
	assert.True(t, decided)
}

func TestBackupNeverDecidesWithoutQuorum(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	n0, n1 := cl.nodes[0], cl.nodes[1]

	// n2 and n3 distrust n0, so they refuse its operations in prepare.
	for _, n := range cl.nodes[2:] {
		for n.Detector().IsTrusted("n0") {
			n.Detector().ReportFault("n0")
		}
	}

	op, err := n0.Append(ctx, []byte("transfer"), true)
	require.NoError(t, err)
	assert.True(t, n0.Pending(op.ID))
	assert.False(t, n0.Log().Has(op.ID))

	for i, n := range cl.nodes[1:] {
		assert.False(t, n.isAgreed(op.ID), "node %s", clusterIDs[i+1])
		_, decided := cl.engines[i+1].Decide()
		assert.False(t, decided, "node %s", clusterIDs[i+1])
	}

	report, err := n1.SyncRoundWith(ctx, peerOf(n1, n0), strategy.MerkleBased)
	require.NoError(t, err)
	assert.Zero(t, report.Applied)
	assert.False(t, n1.Log().Has(op.ID))
}

func TestBackupRejectsCommitFromPrimaryWithoutVotes(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t)
	n1 := cl.nodes[1]

	msg := cl.propose(t, oplog.NewOperation("n0", []byte("forced"), true))
	op, err := oplog.DecodeOperation(msg.Value)
	require.NoError(t, err)

	ok, err := n1.HandleVote(ctx, "n0", consensus.VoteRequest{Proposal: msg, Phase: consensus.PhasePrepare})
	require.NoError(t, err)
	require.True(t, ok)

	for _, req := range []consensus.VoteRequest{
		{Proposal: msg, Phase: consensus.PhaseCommit},
		{Proposal: msg, Phase: consensus.PhaseCommit, Certificate: []string{"n0", "n1", "n9"}},
		{Proposal: msg, Phase: consensus.PhaseReply},
		{Proposal: msg, Phase: consensus.PhaseReply, Certificate: []string{"n0", "n1", "n2"}},
	} {
		ok, err := n1.HandleVote(ctx, "n0", req)
		require.NoError(t, err)
		assert.False(t, ok, "phase %s certificate %v", req.Phase, req.Certificate)
	}

	info, _ := cl.engines[1].Info(msg.ProposalID)
	assert.Equal(t, consensus.PhasePrepare, info.Phase)
	assert.False(t, n1.isAgreed(op.ID))
	assert.NotEmpty(t, n1.Detector().Faults("n0"), "forged certificates count against the primary")
}

func TestHandleViewChangeValidation(t *testing.T) {
	cl := newCluster(t)
	err := cl.nodes[1].HandleViewChange(context.Background(), "n2", consensus.ViewChange{Voter: "n3", NewView: 1})
	assert.Error(t, err)
	assert.Len(t, cl.nodes[1].Detector().Faults("n2"), 1)
}

func TestConsensusDisabled(t *testing.T) {
	a := newNode(t, "A")
	ctx := context.Background()

	_, err := a.HandleVote(ctx, "B", consensus.VoteRequest{})
	assert.ErrorIs(t, err, ErrConsensusDisabled)
	assert.ErrorIs(t, a.HandleViewChange(ctx, "B", consensus.ViewChange{Voter: "B", NewView: 1}), ErrConsensusDisabled)

	op, err := a.Append(ctx, []byte("strong without consensus"), true)
	require.NoError(t, err)
	assert.True(t, a.Log().Has(op.ID), "without a protocol strong operations apply immediately")
}

func TestApplyDecided(t *testing.T) {
	a := newNode(t, "A")
	op := oplog.NewOperation("B", []byte("decided"), true)
	value, err := op.Encode()
	require.NoError(t, err)

	require.NoError(t, a.ApplyDecided("1", value))
	assert.True(t, a.Log().Has(op.ID))
	require.NoError(t, a.ApplyDecided("1", value), "replays are no-ops")
	assert.Equal(t, 1, a.Log().Len())

	err = a.ApplyDecided("2", []byte("garbage"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "2"))
}
