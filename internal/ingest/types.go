package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type OperationType string

const (
	OperationInsert OperationType = "INSERT"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// ChangeEvent is one row change decoded from the replication stream. It is
// also the payload format of the operations ingest produces.
type ChangeEvent struct {
	TableName     string         `json:"table"`
	Schema        string         `json:"schema,omitempty"`
	Operation     OperationType  `json:"operation"`
	Timestamp     time.Time      `json:"timestamp"`
	NewData       map[string]any `json:"new,omitempty"`
	OldData       map[string]any `json:"old,omitempty"`
	PrimaryKey    map[string]any `json:"primary_key,omitempty"`
	TransactionID uint32         `json:"xid,omitempty"`
	LSN           uint64         `json:"lsn"`
}

type EventHandler interface {
	HandleChange(ctx context.Context, event *ChangeEvent) error
}

func (e *ChangeEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return data, nil
}

func DecodeChangeEvent(payload []byte) (*ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}
	if event.TableName == "" || event.Operation == "" {
		return nil, fmt.Errorf("payload is not a change event")
	}
	return &event, nil
}

// KeyString renders the primary key for logs and alerts.
func (e *ChangeEvent) KeyString() string {
	if len(e.PrimaryKey) == 0 {
		return ""
	}
	data, err := json.Marshal(e.PrimaryKey)
	if err != nil {
		return fmt.Sprint(e.PrimaryKey)
	}
	return string(data)
}
