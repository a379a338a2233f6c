package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

type LogEntryType string

const LogEntryProposal LogEntryType = "proposal"

// LogEntry is the payload of a raft log entry.
type LogEntry struct {
	Type       LogEntryType `json:"type"`
	ProposalID string       `json:"proposal_id"`
	Value      []byte       `json:"value"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Applier receives every committed value, on leader and followers alike.
type Applier interface {
	ApplyDecided(proposalID string, value []byte) error
}

const maxRetainedDecisions = 1024

type decision struct {
	ProposalID string `json:"proposal_id"`
	Value      []byte `json:"value"`
}

// FSM keeps the most recent decisions and hands each committed value to the
// applier.
type FSM struct {
	mu        sync.RWMutex
	applier   Applier
	decisions []decision
	index     map[string][]byte
	logger    *slog.Logger
}

func NewFSM(applier Applier, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		applier: applier,
		index:   make(map[string][]byte),
		logger:  logger,
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	switch entry.Type {
	case LogEntryProposal:
		return f.applyProposal(entry.ProposalID, entry.Value)
	default:
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

func (f *FSM) applyProposal(id string, value []byte) interface{} {
	if f.applier != nil {
		if err := f.applier.ApplyDecided(id, value); err != nil {
			f.logger.Error("Failed to apply decided value", "proposal", id, "error", err)
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordLocked(decision{ProposalID: id, Value: bytes.Clone(value)})
	return nil
}

func (f *FSM) recordLocked(d decision) {
	if _, ok := f.index[d.ProposalID]; ok {
		return
	}
	f.decisions = append(f.decisions, d)
	f.index[d.ProposalID] = d.Value

	if len(f.decisions) > maxRetainedDecisions {
		evicted := f.decisions[0]
		f.decisions = f.decisions[1:]
		delete(f.index, evicted.ProposalID)
	}
}

func (f *FSM) Decided(proposalID string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.index[proposalID]
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// Latest returns the most recently committed value.
func (f *FSM) Latest() ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.decisions) == 0 {
		return nil, false
	}
	return bytes.Clone(f.decisions[len(f.decisions)-1].Value), true
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	decisions := make([]decision, len(f.decisions))
	copy(decisions, f.decisions)
	return &fsmSnapshot{decisions: decisions}, nil
}

// Restore replays the snapshot's decisions through the applier. Applying
// an operation twice is harmless since the log deduplicates by id.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot struct {
		Decisions []decision `json:"decisions"`
	}
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	for _, d := range snapshot.Decisions {
		if f.applier != nil {
			if err := f.applier.ApplyDecided(d.ProposalID, d.Value); err != nil {
				return fmt.Errorf("failed to restore decision %s: %w", d.ProposalID, err)
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = nil
	f.index = make(map[string][]byte)
	for _, d := range snapshot.Decisions {
		f.recordLocked(d)
	}

	return nil
}

type fsmSnapshot struct {
	decisions []decision
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	snapshot := struct {
		Decisions []decision `json:"decisions"`
	}{
		Decisions: s.decisions,
	}

	if err := json.NewEncoder(sink).Encode(snapshot); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return sink.Close()
}

func (s *fsmSnapshot) Release() {
}
