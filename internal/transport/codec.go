package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// maxFrameSize bounds a single frame, compressed on the wire and
// decompressed in memory.
const maxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

type MessageType string

const (
	TypeRoot          MessageType = "root"
	TypeProof         MessageType = "proof"
	TypeOperations    MessageType = "operations"
	TypeAllOperations MessageType = "all_operations"
	TypePush          MessageType = "push"
	TypeClock         MessageType = "clock"
	TypeVote          MessageType = "vote"
	TypeViewChange    MessageType = "view_change"
)

// Envelope frames every request and response on the wire. A response
// carries the id of its request and either a body or an error.
type Envelope struct {
	ID    uint64          `json:"id"`
	Type  MessageType     `json:"type"`
	From  string          `json:"from,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

type operationsRequest struct {
	Keys []string `json:"keys"`
}

type voteResponse struct {
	Approve bool `json:"approve"`
}

// EncodeFrame serializes an envelope as snappy-compressed JSON.
func EncodeFrame(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return snappy.Encode(nil, data), nil
}

// DecodeFrame checks the decoded length announced in the frame header
// before decompressing.
func DecodeFrame(frame []byte) (Envelope, error) {
	size, err := snappy.DecodedLen(frame)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to decompress frame: %w", err)
	}
	if size > maxFrameSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes decompressed", ErrFrameTooLarge, size)
	}

	data, err := snappy.Decode(nil, frame)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to decompress frame: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}

// RemoteError is an error returned by the serving node.
type RemoteError struct {
	Type    MessageType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Type, e.Message)
}
