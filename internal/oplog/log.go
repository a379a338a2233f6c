package oplog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/witnz/replisync/internal/storage"
)

// Store persists operations. *storage.Storage satisfies it.
type Store interface {
	SaveOperations(records []storage.OperationRecord) error
	AllOperations() ([]storage.OperationRecord, error)
}

// Log is the local replica of the operation log. Operations are unique by
// id and never modified once stored.
type Log struct {
	nodeID string
	store  Store

	mu           sync.RWMutex
	ops          map[uuid.UUID]Operation
	sorted       []Operation
	payloadBytes int64
}

// New opens a log for nodeID. A nil store keeps the log in memory only;
// otherwise previously stored operations are loaded.
func New(nodeID string, store Store) (*Log, error) {
	l := &Log{
		nodeID: nodeID,
		store:  store,
		ops:    make(map[uuid.UUID]Operation),
	}

	if store == nil {
		return l, nil
	}

	records, err := store.AllOperations()
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	for _, rec := range records {
		op, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		l.insertLocked(op)
	}

	return l, nil
}

func (l *Log) NodeID() string {
	return l.nodeID
}

// Append creates a new operation originated by this node.
func (l *Log) Append(payload []byte, strong bool) (Operation, error) {
	op := NewOperation(l.nodeID, payload, strong)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveOperations(operations{op}.records()); err != nil {
			return Operation{}, fmt.Errorf("failed to persist operation: %w", err)
		}
	}
	l.insertLocked(op)

	return op, nil
}

// Merge adds every operation not already present and returns the ones that
// were new. It is idempotent, and on a persistence error nothing is applied.
func (l *Log) Merge(ops []Operation) ([]Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := make([]Operation, 0, len(ops))
	seen := make(map[uuid.UUID]struct{}, len(ops))
	for _, op := range ops {
		if _, ok := l.ops[op.ID]; ok {
			continue
		}
		if _, ok := seen[op.ID]; ok {
			continue
		}
		seen[op.ID] = struct{}{}
		fresh = append(fresh, op)
	}

	if len(fresh) == 0 {
		return fresh, nil
	}

	if l.store != nil {
		if err := l.store.SaveOperations(operations(fresh).records()); err != nil {
			return nil, fmt.Errorf("failed to persist %d operations: %w", len(fresh), err)
		}
	}
	for _, op := range fresh {
		l.insertLocked(op)
	}

	return fresh, nil
}

func (l *Log) insertLocked(op Operation) {
	l.ops[op.ID] = op
	l.payloadBytes += int64(len(op.Payload))
	l.sorted = nil
}

func (l *Log) Get(id uuid.UUID) (Operation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	op, ok := l.ops[id]
	return op, ok
}

func (l *Log) Has(id uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ops[id]
	return ok
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ops)
}

func (l *Log) PayloadBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.payloadBytes
}

// All returns every operation ordered by timestamp, then id.
func (l *Log) All() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sorted == nil {
		l.sorted = make([]Operation, 0, len(l.ops))
		for _, op := range l.ops {
			l.sorted = append(l.sorted, op)
		}
		sort.Slice(l.sorted, func(i, j int) bool { return Less(l.sorted[i], l.sorted[j]) })
	}

	out := make([]Operation, len(l.sorted))
	copy(out, l.sorted)
	return out
}

// Since returns operations with a timestamp strictly after ts.
func (l *Log) Since(ts uint64) []Operation {
	all := l.All()
	i := sort.Search(len(all), func(i int) bool { return all[i].Timestamp > ts })
	return all[i:]
}

// Select returns the operations for the given keys. Unknown or malformed
// keys are skipped.
func (l *Log) Select(keys []string) []Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Operation, 0, len(keys))
	for _, k := range keys {
		id, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		if op, ok := l.ops[id]; ok {
			out = append(out, op)
		}
	}
	return out
}

type operations []Operation

func (ops operations) records() []storage.OperationRecord {
	out := make([]storage.OperationRecord, len(ops))
	for i, op := range ops {
		out[i] = op.Record()
	}
	return out
}
