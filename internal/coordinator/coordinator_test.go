package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witnz/replisync/internal/byzantine"
	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
	"github.com/witnz/replisync/internal/strategy"
	"github.com/witnz/replisync/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newNodeWithConfig(t *testing.T, cfg Config, seed []oplog.Operation, opts ...Option) *Coordinator {
	t.Helper()

	l, err := oplog.New(cfg.NodeID, nil)
	require.NoError(t, err)
	if len(seed) > 0 {
		_, err := l.Merge(seed)
		require.NoError(t, err)
	}

	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)

	c, err := New(cfg, l, det, strategy.NewSelector(strategy.DefaultConfig()), opts...)
	require.NoError(t, err)
	return c
}

func newNode(t *testing.T, id string, seed ...oplog.Operation) *Coordinator {
	t.Helper()
	return newNodeWithConfig(t, Config{NodeID: id, Timeout: time.Second}, seed)
}

func appendN(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Append(context.Background(), []byte(fmt.Sprintf("%s-%d", c.NodeID(), i)), false)
		require.NoError(t, err)
	}
}

func peerOf(from, to *Coordinator) transport.Peer {
	return transport.NewLocal(from.NodeID(), to.NodeID(), to)
}

// faultyPeer wraps a real peer and corrupts its answers.
type faultyPeer struct {
	transport.Peer
	operations func([]oplog.Operation) []oplog.Operation
	proof      func(merkle.MerkleProof) merkle.MerkleProof
	delay      time.Duration
	pushErr    error
}

func (p *faultyPeer) Proof(ctx context.Context) (merkle.MerkleProof, error) {
	proof, err := p.Peer.Proof(ctx)
	if err == nil && p.proof != nil {
		proof = p.proof(proof)
	}
	return proof, err
}

func (p *faultyPeer) Operations(ctx context.Context, keys []string) ([]oplog.Operation, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ops, err := p.Peer.Operations(ctx, keys)
	if err == nil && p.operations != nil {
		ops = p.operations(ops)
	}
	return ops, err
}

func (p *faultyPeer) Push(ctx context.Context, req transport.PushRequest) (transport.PushResult, error) {
	if p.pushErr != nil {
		return transport.PushResult{}, p.pushErr
	}
	return p.Peer.Push(ctx, req)
}

func TestMerkleRoundConverges(t *testing.T) {
	ctx := context.Background()
	op1 := oplog.NewOperation("A", []byte("op1"), false)

	a := newNode(t, "A", op1)
	b := newNode(t, "B", op1)
	op2, err := a.Append(ctx, []byte("op2"), false)
	require.NoError(t, err)
	op3, err := b.Append(ctx, []byte("op3"), false)
	require.NoError(t, err)
	require.NotEqual(t, a.Root(), b.Root())

	report, err := a.SyncRoundWith(ctx, peerOf(a, b), strategy.MerkleBased)
	require.NoError(t, err)
	assert.False(t, report.FastPath)
	assert.Equal(t, 1, report.Received)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Pushed)
	assert.Zero(t, report.Rejected)

	for _, c := range []*Coordinator{a, b} {
		assert.Equal(t, 3, c.Log().Len())
		for _, op := range []oplog.Operation{op1, op2, op3} {
			assert.True(t, c.Log().Has(op.ID), "%s should hold %s", c.NodeID(), op.Payload)
		}
	}
	assert.Equal(t, a.Root(), b.Root())
	assert.Equal(t, a.Root(), report.LocalRoot)
	assert.Equal(t, clock.Equal, a.Clock().Compare(b.Clock()))

	again, err := a.SyncRoundWith(ctx, peerOf(a, b), strategy.MerkleBased)
	require.NoError(t, err)
	assert.True(t, again.FastPath)
	assert.Zero(t, again.Received)
}

func TestStrategiesConverge(t *testing.T) {
	for _, s := range strategy.All {
		t.Run(s.String(), func(t *testing.T) {
			a := newNode(t, "A")
			b := newNode(t, "B")
			appendN(t, a, 3)
			appendN(t, b, 12)

			report, err := a.SyncRoundWith(context.Background(), peerOf(a, b), s)
			require.NoError(t, err)
			assert.False(t, report.Skipped)
			assert.Equal(t, s, report.Strategy)

			assert.Equal(t, 15, a.Log().Len())
			assert.Equal(t, 15, b.Log().Len())
			assert.Equal(t, a.Root(), b.Root())
		})
	}
}

func TestRoundFeedsSelector(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, b, 2)

	report, err := a.SyncRound(context.Background(), peerOf(a, b))
	require.NoError(t, err)
	assert.True(t, report.Strategy.Valid())
	assert.Greater(t, report.Reward, 0.0)
	assert.LessOrEqual(t, report.Reward, 1.0)
	assert.Equal(t, 1, a.selector.Buffered())
}

func TestRewardFuncOverride(t *testing.T) {
	a := newNodeWithConfig(t, Config{NodeID: "A", RewardFunc: func(RoundReport) float64 { return 0.42 }}, nil)
	b := newNode(t, "B")

	report, err := a.SyncRoundWith(context.Background(), peerOf(a, b), strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 0.42, report.Reward)
}

func TestLazyRound(t *testing.T) {
	ctx := context.Background()
	a := newNodeWithConfig(t, Config{NodeID: "A", LazyBatchSize: 2, LazyMaxDelay: time.Hour}, nil)
	b := newNode(t, "B")
	appendN(t, b, 5)

	report, err := a.SyncRoundWith(ctx, peerOf(a, b), strategy.Lazy)
	require.NoError(t, err)
	assert.False(t, report.Skipped, "the first lazy round always runs")
	assert.Equal(t, 2, report.Applied, "lazy rounds move at most one batch")
	assert.Zero(t, a.Clock().Len(), "a truncated pull must not merge the peer clock")

	report, err = a.SyncRoundWith(ctx, peerOf(a, b), strategy.Lazy)
	require.NoError(t, err)
	assert.True(t, report.Skipped, "nothing appended locally and the delay has not elapsed")

	appendN(t, a, 2)
	report, err = a.SyncRoundWith(ctx, peerOf(a, b), strategy.Lazy)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Pushed)
}

func TestLazyRoundAfterDelay(t *testing.T) {
	clk := newFakeClock()
	a := newNodeWithConfig(t, Config{NodeID: "A", LazyBatchSize: 100, LazyMaxDelay: time.Minute}, nil, WithClock(clk.Now))
	b := newNode(t, "B")

	_, err := a.SyncRoundWith(context.Background(), peerOf(a, b), strategy.Lazy)
	require.NoError(t, err)

	report, _ := a.SyncRoundWith(context.Background(), peerOf(a, b), strategy.Lazy)
	assert.True(t, report.Skipped)

	clk.Advance(2 * time.Minute)
	report, err = a.SyncRoundWith(context.Background(), peerOf(a, b), strategy.Lazy)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}

func TestTimeoutLeavesStateUntouched(t *testing.T) {
	a := newNodeWithConfig(t, Config{NodeID: "A", Timeout: 50 * time.Millisecond}, nil)
	b := newNode(t, "B")
	appendN(t, a, 1)
	appendN(t, b, 3)

	rootBefore := a.Root()
	clockBefore := a.Clock().Root()
	slow := &faultyPeer{Peer: peerOf(a, b), delay: time.Second}

	start := time.Now()
	_, err := a.SyncRoundWith(context.Background(), slow, strategy.MerkleBased)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, rootBefore, a.Root())
	assert.Equal(t, clockBefore, a.Clock().Root())
	assert.Equal(t, 1, a.Log().Len())
	assert.Equal(t, 3, b.Log().Len(), "the peer received nothing either")
}

func TestPushFailureLeavesStateUntouched(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, a, 2)
	appendN(t, b, 2)
	rootBefore := a.Root()

	broken := &faultyPeer{Peer: peerOf(a, b), pushErr: errors.New("connection reset")}
	_, err := a.SyncRoundWith(context.Background(), broken, strategy.MerkleBased)
	require.Error(t, err)

	assert.Equal(t, rootBefore, a.Root())
	assert.Equal(t, 2, a.Log().Len(), "pulled operations are not applied when the round fails")
}

func TestTamperedOperationsAreRejected(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, b, 3)

	forging := &faultyPeer{
		Peer: peerOf(a, b),
		operations: func(ops []oplog.Operation) []oplog.Operation {
			ops[0].Payload = []byte("forged")
			return ops
		},
	}

	report, err := a.SyncRoundWith(context.Background(), forging, strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 2, report.Applied)
	assert.Less(t, a.Detector().Reputation("B"), 1.0)

	for _, op := range a.Log().All() {
		assert.NotEqual(t, []byte("forged"), op.Payload)
	}
}

func TestUnrequestedOperationsAreRejected(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, b, 1)

	extra := oplog.NewOperation("B", []byte("smuggled"), false)
	smuggling := &faultyPeer{
		Peer: peerOf(a, b),
		operations: func(ops []oplog.Operation) []oplog.Operation {
			return append(ops, extra)
		},
	}

	report, err := a.SyncRoundWith(context.Background(), smuggling, strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.False(t, a.Log().Has(extra.ID))
	assert.Len(t, a.Detector().Faults("B"), 1)
}

func TestWithheldOperationsAreReported(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, b, 3)

	withholding := &faultyPeer{
		Peer: peerOf(a, b),
		operations: func(ops []oplog.Operation) []oplog.Operation {
			return ops[:1]
		},
	}

	report, err := a.SyncRoundWith(context.Background(), withholding, strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Len(t, a.Detector().Faults("B"), 1)
	assert.Zero(t, a.Clock().Len(), "an incomplete pull must not merge the peer clock")
}

func TestMalformedProofAbortsRound(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, b, 2)

	broken := &faultyPeer{
		Peer: peerOf(a, b),
		proof: func(p merkle.MerkleProof) merkle.MerkleProof {
			p.Hashes = p.Hashes[:1]
			return p
		},
	}

	_, err := a.SyncRoundWith(context.Background(), broken, strategy.MerkleBased)
	assert.ErrorIs(t, err, merkle.ErrMalformedProof)
	assert.Zero(t, a.Log().Len())

	faults := a.Detector().Faults("B")
	require.Len(t, faults, 1)
	assert.Equal(t, byzantine.InvalidMessage, faults[0].FaultType)
}

func TestTimeViolationIsFiltered(t *testing.T) {
	future := oplog.NewOperation("B", []byte("from the future"), false)
	future.Timestamp += uint64(time.Hour.Milliseconds())

	a := newNode(t, "A")
	b := newNode(t, "B", future)
	appendN(t, b, 1)

	report, err := a.SyncRoundWith(context.Background(), peerOf(a, b), strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Applied)
	assert.False(t, a.Log().Has(future.ID))

	faults := a.Detector().Faults("B")
	require.Len(t, faults, 1)
	assert.Equal(t, byzantine.TimeViolation, faults[0].FaultType)
}

func TestConflictingOperationIsByzantineEvidence(t *testing.T) {
	original := oplog.NewOperation("C", []byte("v1"), false)
	forged := original
	forged.Payload = []byte("v2")

	a := newNode(t, "A", original)
	b := newNode(t, "B", forged)

	report, err := a.SyncRoundWith(context.Background(), peerOf(a, b), strategy.MerkleBased)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Less(t, a.Detector().Reputation("B"), 1.0)

	kept, ok := a.Log().Get(original.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), kept.Payload)
}

func TestUntrustedPeerIsSkipped(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, b, 1)

	for i := 0; i < 7; i++ {
		a.Detector().ReportFault("B")
	}

	report, err := a.SyncRoundWith(context.Background(), peerOf(a, b), strategy.MerkleBased)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, a.Log().Len())

	res, err := a.HandlePush(context.Background(), "B", transport.PushRequest{Operations: b.Log().All()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, a.Log().Len())
}

func TestPushWithForgedClockIsApplied(t *testing.T) {
	a := newNode(t, "A")
	b := newNode(t, "B")
	appendN(t, b, 1)

	snap := b.Clock().Snapshot()
	snap.Root = "forged"

	res, err := a.HandlePush(context.Background(), "B", transport.PushRequest{Operations: b.Log().All(), Clock: snap})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Zero(t, a.Clock().Len(), "a clock that fails verification is ignored")

	faults := a.Detector().Faults("B")
	require.Len(t, faults, 1)
	assert.Equal(t, byzantine.InvalidMessage, faults[0].FaultType)
}

func TestInvalidStrategy(t *testing.T) {
	a := newNode(t, "A")
	_, err := a.SyncRoundWith(context.Background(), peerOf(a, newNode(t, "B")), strategy.Strategy(9))
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	l, err := oplog.New("A", nil)
	require.NoError(t, err)
	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)
	sel := strategy.NewSelector(strategy.DefaultConfig())

	_, err = New(Config{}, nil, det, sel)
	assert.Error(t, err)

	_, err = New(Config{NodeID: "B"}, l, det, sel)
	assert.Error(t, err, "node id must match the log owner")

	c, err := New(Config{}, l, det, sel)
	require.NoError(t, err)
	assert.Equal(t, "A", c.NodeID())
}

func TestStateSurvivesRestart(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	defer store.Close()

	open := func() *Coordinator {
		l, err := oplog.New("A", store)
		require.NoError(t, err)
		det, err := byzantine.NewDetector(byzantine.DefaultConfig(), byzantine.WithStore(store))
		require.NoError(t, err)
		c, err := New(Config{NodeID: "A"}, l, det, strategy.NewSelector(strategy.DefaultConfig()), WithStore(store))
		require.NoError(t, err)
		return c
	}

	first := open()
	appendN(t, first, 3)
	root := first.Root()
	clockRoot := first.Clock().Root()

	second := open()
	assert.Equal(t, root, second.Root())
	assert.Equal(t, clockRoot, second.Clock().Root())
	entry, ok := second.Clock().Get("A")
	require.True(t, ok)
	assert.Equal(t, uint64(3), entry.Timestamp)
}
