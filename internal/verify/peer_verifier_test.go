package verify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witnz/replisync/internal/alert"
	"github.com/witnz/replisync/internal/byzantine"
	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/coordinator"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
	"github.com/witnz/replisync/internal/strategy"
	"github.com/witnz/replisync/internal/transport"
)

func newReplica(t *testing.T, id string, seed ...oplog.Operation) *coordinator.Coordinator {
	t.Helper()
	l, err := oplog.New(id, nil)
	require.NoError(t, err)
	if len(seed) > 0 {
		_, err := l.Merge(seed)
		require.NoError(t, err)
	}
	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)
	c, err := coordinator.New(coordinator.Config{NodeID: id}, l, det, strategy.NewSelector(strategy.DefaultConfig()))
	require.NoError(t, err)
	return c
}

type lyingPeer struct {
	transport.Peer
	root  hash.Hash
	clock *clock.Snapshot
}

func (p *lyingPeer) Root(ctx context.Context) (hash.Hash, error) {
	if p.root != "" {
		return p.root, nil
	}
	return p.Peer.Root(ctx)
}

func (p *lyingPeer) Clock(ctx context.Context) (clock.Snapshot, error) {
	if p.clock != nil {
		return *p.clock, nil
	}
	return p.Peer.Clock(ctx)
}

type unreachablePeer struct {
	transport.Peer
}

func (p *unreachablePeer) Root(context.Context) (hash.Hash, error) {
	return "", errors.New("connection refused")
}

type memMetadata map[string]string

func (m memMetadata) SetMetadata(key, value string) error {
	m[key] = value
	return nil
}

func (m memMetadata) GetMetadata(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("metadata key %s: %w", key, storage.ErrNotFound)
	}
	return v, nil
}

func sharedOps() []oplog.Operation {
	return []oplog.Operation{
		oplog.NewOperation("origin", []byte("one"), false),
		oplog.NewOperation("origin", []byte("two"), false),
	}
}

func TestPeerVerifierConsistent(t *testing.T) {
	ops := sharedOps()
	local := newReplica(t, "A", ops...)
	b := newReplica(t, "B", ops...)
	c := newReplica(t, "C", ops...)

	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)
	v := NewPeerVerifier(local, nil, nil, det, nil, nil, false, nil)

	report, err := v.Verify(context.Background(), []transport.Peer{
		transport.NewLocal("A", "B", b),
		transport.NewLocal("A", "C", c),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C"}, report.Agreeing)
	assert.Empty(t, report.Disagreeing)
	assert.Equal(t, local.Root(), report.LocalRoot)
}

func TestPeerVerifierReportsDivergentPeer(t *testing.T) {
	ops := sharedOps()
	local := newReplica(t, "A", ops...)
	b := newReplica(t, "B", ops...)
	c := newReplica(t, "C", ops...)

	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)
	v := NewPeerVerifier(local, nil, nil, det, nil, nil, false, nil)

	report, err := v.Verify(context.Background(), []transport.Peer{
		transport.NewLocal("A", "B", b),
		&lyingPeer{Peer: transport.NewLocal("A", "C", c), root: "deadbeef"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, report.Agreeing)
	assert.Equal(t, []string{"C"}, report.Disagreeing)

	faults := det.Faults("C")
	require.Len(t, faults, 1)
	assert.Equal(t, byzantine.InconsistentState, faults[0].FaultType)
}

func TestPeerVerifierSkipsDifferentHistory(t *testing.T) {
	ops := sharedOps()
	local := newReplica(t, "A", ops...)
	b := newReplica(t, "B", ops...)
	_, err := b.Append(context.Background(), []byte("newer"), false)
	require.NoError(t, err)

	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)
	v := NewPeerVerifier(local, nil, nil, det, nil, nil, false, nil)

	report, err := v.Verify(context.Background(), []transport.Peer{
		transport.NewLocal("A", "B", b),
		&unreachablePeer{Peer: transport.NewLocal("A", "C", b)},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C"}, report.Skipped)
	assert.Empty(t, det.Faults("B"))
}

func TestPeerVerifierRejectsForgedClock(t *testing.T) {
	local := newReplica(t, "A")
	b := newReplica(t, "B")

	forged := clock.Snapshot{Entries: map[string]clock.Entry{"B": {Timestamp: 1, Hash: "x"}}, Root: "y"}
	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)
	v := NewPeerVerifier(local, nil, nil, det, nil, nil, false, nil)

	report, err := v.Verify(context.Background(), []transport.Peer{
		&lyingPeer{Peer: transport.NewLocal("A", "B", b), clock: &forged},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, report.Skipped)

	faults := det.Faults("B")
	require.Len(t, faults, 1)
	assert.Equal(t, byzantine.InvalidMessage, faults[0].FaultType)
}

func TestPeerVerifierSelfTerminates(t *testing.T) {
	ops := sharedOps()
	corrupted := append([]oplog.Operation(nil), ops...)
	corrupted[1].Payload = []byte("corrupted")

	local := newReplica(t, "A", corrupted...)
	var peers []transport.Peer
	for _, id := range []string{"B", "C", "D"} {
		peers = append(peers, transport.NewLocal("A", id, newReplica(t, id, ops...)))
	}

	store := memMetadata{}
	client := &mockHTTPClient{}
	shutdownCalled := false
	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)

	v := NewPeerVerifier(local, nil, store, det,
		alert.NewManagerWithClient(true, "https://hooks.slack.test/x", client),
		func() error { shutdownCalled = true; return nil },
		true, nil)

	flagged, err := v.CheckTerminationFlag()
	require.NoError(t, err)
	assert.False(t, flagged)

	_, err = v.Verify(context.Background(), peers)
	var ierr *InconsistencyError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 3, ierr.Disagreeing)
	assert.Zero(t, ierr.Agreeing)
	assert.True(t, shutdownCalled)
	assert.Equal(t, 1, client.count())
	assert.Equal(t, "true", store[storage.TerminatedKey])

	flagged, err = v.CheckTerminationFlag()
	require.NoError(t, err)
	assert.True(t, flagged)

	for _, id := range []string{"B", "C", "D"} {
		assert.Empty(t, det.Faults(id), "the majority is not blamed")
	}
}

func TestPeerVerifierNoShutdownWhenDisabled(t *testing.T) {
	ops := sharedOps()
	corrupted := append([]oplog.Operation(nil), ops...)
	corrupted[0].Payload = []byte("corrupted")

	local := newReplica(t, "A", corrupted...)
	peers := []transport.Peer{
		transport.NewLocal("A", "B", newReplica(t, "B", ops...)),
		transport.NewLocal("A", "C", newReplica(t, "C", ops...)),
	}

	det, err := byzantine.NewDetector(byzantine.DefaultConfig())
	require.NoError(t, err)
	shutdownCalled := false
	v := NewPeerVerifier(local, nil, nil, det, nil, func() error { shutdownCalled = true; return nil }, false, nil)

	_, err = v.Verify(context.Background(), peers)
	var ierr *InconsistencyError
	require.ErrorAs(t, err, &ierr)
	assert.False(t, shutdownCalled)

	flagged, err := TerminationFlag(nil)
	require.NoError(t, err)
	assert.False(t, flagged)
}
