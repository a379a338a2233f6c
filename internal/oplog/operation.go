package oplog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/storage"
)

// Operation is an immutable replicated log entry. Timestamp is wall-clock
// milliseconds since the Unix epoch, assigned by the originating node.
type Operation struct {
	ID        uuid.UUID `json:"id"`
	NodeID    string    `json:"node_id"`
	Timestamp uint64    `json:"timestamp"`
	Payload   []byte    `json:"payload"`
	Strong    bool      `json:"strong,omitempty"`
}

func NewOperation(nodeID string, payload []byte, strong bool) Operation {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Operation{
		ID:        uuid.New(),
		NodeID:    nodeID,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   p,
		Strong:    strong,
	}
}

// Key is the operation's address in the Merkle tree.
func (o Operation) Key() string {
	return o.ID.String()
}

func (o Operation) Time() time.Time {
	return time.UnixMilli(int64(o.Timestamp))
}

// Canonical is the byte form that is digested into the tree. Every field
// participates, so any modification changes the digest.
func (o Operation) Canonical() []byte {
	strong := byte(0)
	if o.Strong {
		strong = 1
	}
	buf := make([]byte, 0, 16+len(o.NodeID)+8+len(o.Payload)+1+16)
	buf = append(buf, o.ID[:]...)
	buf = append(buf, hash.Uint64Bytes(uint64(len(o.NodeID)))...)
	buf = append(buf, o.NodeID...)
	buf = append(buf, hash.Uint64Bytes(o.Timestamp)...)
	buf = append(buf, hash.Uint64Bytes(uint64(len(o.Payload)))...)
	buf = append(buf, o.Payload...)
	buf = append(buf, strong)
	return buf
}

func (o Operation) Digest(h *hash.Hasher) hash.Hash {
	if h == nil {
		h = hash.Default
	}
	return h.Digest(o.Canonical())
}

func (o Operation) Encode() ([]byte, error) {
	return json.Marshal(o)
}

func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("failed to decode operation: %w", err)
	}
	if op.ID == uuid.Nil {
		return Operation{}, fmt.Errorf("failed to decode operation: missing id")
	}
	return op, nil
}

func (o Operation) Record() storage.OperationRecord {
	return storage.OperationRecord{
		ID:        o.ID.String(),
		NodeID:    o.NodeID,
		Timestamp: o.Timestamp,
		Payload:   o.Payload,
		Strong:    o.Strong,
	}
}

func FromRecord(rec storage.OperationRecord) (Operation, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return Operation{}, fmt.Errorf("invalid operation id %q: %w", rec.ID, err)
	}
	return Operation{
		ID:        id,
		NodeID:    rec.NodeID,
		Timestamp: rec.Timestamp,
		Payload:   rec.Payload,
		Strong:    rec.Strong,
	}, nil
}

// Less orders operations by timestamp, then id.
func Less(a, b Operation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID.String() < b.ID.String()
}
