package transport

import (
	"context"
	"errors"

	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/consensus"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
)

var ErrClosed = errors.New("transport closed")

// PushRequest carries operations a peer sends unprompted, together with the
// sender's clock so the receiver can merge it once the operations apply.
// Forwarded marks strong operations a backup hands to the primary for
// agreement.
type PushRequest struct {
	Operations []oplog.Operation `json:"operations"`
	Clock      clock.Snapshot    `json:"clock"`
	Forwarded  bool              `json:"forwarded,omitempty"`
}

type PushResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Deferred int `json:"deferred"`
}

// Peer is the client view of a remote node.
type Peer interface {
	ID() string
	Root(ctx context.Context) (hash.Hash, error)
	Proof(ctx context.Context) (merkle.MerkleProof, error)
	Operations(ctx context.Context, keys []string) ([]oplog.Operation, error)
	AllOperations(ctx context.Context) ([]oplog.Operation, error)
	Push(ctx context.Context, req PushRequest) (PushResult, error)
	Clock(ctx context.Context) (clock.Snapshot, error)
	Vote(ctx context.Context, req consensus.VoteRequest) (bool, error)
	ViewChange(ctx context.Context, vc consensus.ViewChange) error
}

// Handler serves peer requests. from is the id the caller announced.
type Handler interface {
	HandleRoot(ctx context.Context) (hash.Hash, error)
	HandleProof(ctx context.Context) (merkle.MerkleProof, error)
	HandleOperations(ctx context.Context, keys []string) ([]oplog.Operation, error)
	HandleAllOperations(ctx context.Context) ([]oplog.Operation, error)
	HandlePush(ctx context.Context, from string, req PushRequest) (PushResult, error)
	HandleClock(ctx context.Context) (clock.Snapshot, error)
	HandleVote(ctx context.Context, from string, req consensus.VoteRequest) (bool, error)
	HandleViewChange(ctx context.Context, from string, vc consensus.ViewChange) error
}

// Local calls a Handler in process. It is used by tests and by nodes that
// host several replicas in one binary.
type Local struct {
	from    string
	id      string
	handler Handler
}

var _ Peer = (*Local)(nil)

func NewLocal(from, id string, handler Handler) *Local {
	return &Local{from: from, id: id, handler: handler}
}

func (l *Local) ID() string {
	return l.id
}

func (l *Local) Root(ctx context.Context) (hash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return l.handler.HandleRoot(ctx)
}

func (l *Local) Proof(ctx context.Context) (merkle.MerkleProof, error) {
	if err := ctx.Err(); err != nil {
		return merkle.MerkleProof{}, err
	}
	return l.handler.HandleProof(ctx)
}

func (l *Local) Operations(ctx context.Context, keys []string) ([]oplog.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.handler.HandleOperations(ctx, keys)
}

func (l *Local) AllOperations(ctx context.Context) ([]oplog.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.handler.HandleAllOperations(ctx)
}

func (l *Local) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	if err := ctx.Err(); err != nil {
		return PushResult{}, err
	}
	return l.handler.HandlePush(ctx, l.from, req)
}

func (l *Local) Clock(ctx context.Context) (clock.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return clock.Snapshot{}, err
	}
	return l.handler.HandleClock(ctx)
}

func (l *Local) Vote(ctx context.Context, req consensus.VoteRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.handler.HandleVote(ctx, l.from, req)
}

func (l *Local) ViewChange(ctx context.Context, vc consensus.ViewChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.handler.HandleViewChange(ctx, l.from, vc)
}
