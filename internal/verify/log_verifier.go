package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/witnz/replisync/internal/alert"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
)

const logSource = "operation log"

type OperationStore interface {
	RawOperations() (map[string][]byte, error)
	LatestCheckpoint() (*storage.Checkpoint, error)
	SaveCheckpoint(cp *storage.Checkpoint) error
}

// Source is the live state the stored log must match.
type Source interface {
	Root() hash.Hash
	Log() *oplog.Log
}

// LogVerifier rebuilds the Merkle root from the stored operation log and
// checks it against the live tree, or against the latest checkpoint when the
// node is offline.
type LogVerifier struct {
	store  OperationStore
	source Source
	hasher *hash.Hasher
	alerts *alert.Manager
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Result is the outcome of a successful verification.
type Result struct {
	Root       hash.Hash
	Operations int
	Checkpoint *storage.Checkpoint
}

type finding struct {
	id      string
	problem string
}

func (f finding) String() string {
	if f.id == "" {
		return f.problem
	}
	return fmt.Sprintf("%s (%s)", f.id, f.problem)
}

func NewLogVerifier(store OperationStore, source Source, hasher *hash.Hasher, alerts *alert.Manager, logger *slog.Logger) *LogVerifier {
	if hasher == nil {
		hasher = hash.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogVerifier{
		store:  store,
		source: source,
		hasher: hasher,
		alerts: alerts,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start verifies once and then every interval until ctx is done or Stop is
// called. A failed startup verification is logged, not returned.
func (v *LogVerifier) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid verify interval: %s", interval)
	}

	v.logger.Info("Running startup log verification")
	if res, err := v.Verify(ctx); err != nil {
		v.logger.Error("Startup log verification failed", "error", err)
	} else {
		v.logger.Info("Operation log verified", "root", res.Root.Short(), "operations", res.Operations)
	}

	v.wg.Add(1)
	go v.runPeriodicVerification(ctx, interval)
	return nil
}

func (v *LogVerifier) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
	v.wg.Wait()
}

func (v *LogVerifier) runPeriodicVerification(ctx context.Context, interval time.Duration) {
	defer v.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Verify(ctx); err != nil {
				v.logger.Error("Periodic log verification failed", "error", err)
			}
		}
	}
}

// Verify checks the stored log and records a checkpoint when it is intact.
func (v *LogVerifier) Verify(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.source != nil {
		return v.verifyAgainstSource()
	}

	stored, unreadable, err := v.load()
	if err != nil {
		return nil, err
	}
	return v.verifyAgainstCheckpoint(stored, unreadable)
}

// load decodes every stored record. Records that do not decode, or whose
// key does not match their id, are reported as unreadable.
func (v *LogVerifier) load() (map[string]oplog.Operation, []finding, error) {
	raw, err := v.store.RawOperations()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read stored operations: %w", err)
	}

	ops := make(map[string]oplog.Operation, len(raw))
	var unreadable []finding
	for key, data := range raw {
		var rec storage.OperationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			unreadable = append(unreadable, finding{id: key, problem: "unreadable"})
			continue
		}
		op, err := oplog.FromRecord(rec)
		if err != nil || op.Key() != key {
			unreadable = append(unreadable, finding{id: key, problem: "unreadable"})
			continue
		}
		ops[key] = op
	}
	return ops, unreadable, nil
}

func (v *LogVerifier) rootOf(ops map[string]oplog.Operation) hash.Hash {
	entries := make([]merkle.Entry, 0, len(ops))
	for key, op := range ops {
		entries = append(entries, merkle.Entry{Key: key, Value: op.Canonical()})
	}
	tree := merkle.New(v.hasher)
	tree.InsertBatch(entries)
	return tree.Root()
}

// verifyAgainstSource compares the store with the live log. Operations are
// persisted before they become live, so anything live before the store is
// read must be stored, and anything stored must be live afterwards.
func (v *LogVerifier) verifyAgainstSource() (*Result, error) {
	expected := v.source.Root()
	before := v.source.Log().All()

	stored, findings, err := v.load()
	if err != nil {
		return nil, err
	}
	root := v.rootOf(stored)
	if root == expected && len(findings) == 0 {
		return v.checkpoint(root, len(stored))
	}

	v.logger.Warn("Stored log root mismatch, performing detailed verification",
		"expected", expected.Short(),
		"actual", root.Short(),
		"stored", len(stored),
	)

	unreadable := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		unreadable[f.id] = struct{}{}
	}
	for _, op := range before {
		key := op.Key()
		if _, ok := unreadable[key]; ok {
			continue
		}
		disk, ok := stored[key]
		if !ok {
			findings = append(findings, finding{id: key, problem: "deleted"})
			continue
		}
		if disk.Digest(v.hasher) != op.Digest(v.hasher) {
			findings = append(findings, finding{id: key, problem: "modified"})
		}
	}

	after := v.source.Log()
	for key, op := range stored {
		if !after.Has(op.ID) {
			findings = append(findings, finding{id: key, problem: "phantom insert"})
		}
	}

	if len(findings) == 0 {
		v.logger.Debug("Stored log matches live operations", "operations", len(stored))
		return v.checkpoint(root, len(stored))
	}
	return nil, v.report(expected, root, len(stored), findings)
}

func (v *LogVerifier) verifyAgainstCheckpoint(stored map[string]oplog.Operation, unreadable []finding) (*Result, error) {
	root := v.rootOf(stored)
	if len(unreadable) > 0 {
		return nil, v.report("", root, len(stored), unreadable)
	}

	cp, err := v.store.LatestCheckpoint()
	if errors.Is(err, storage.ErrNotFound) {
		return v.checkpoint(root, len(stored))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp.Algorithm != "" && cp.Algorithm != string(v.hasher.Algorithm()) {
		return nil, fmt.Errorf("checkpoint %d was taken with %s, verifier uses %s", cp.Sequence, cp.Algorithm, v.hasher.Algorithm())
	}

	switch {
	case len(stored) < cp.OperationCount:
		return nil, v.report(hash.Hash(cp.Root), root, len(stored), []finding{{
			problem: fmt.Sprintf("%d operations deleted since checkpoint %d", cp.OperationCount-len(stored), cp.Sequence),
		}})
	case len(stored) == cp.OperationCount && root != hash.Hash(cp.Root):
		return nil, v.report(hash.Hash(cp.Root), root, len(stored), []finding{{
			problem: fmt.Sprintf("operations rewritten since checkpoint %d", cp.Sequence),
		}})
	case len(stored) > cp.OperationCount:
		v.logger.Warn("Log advanced since the last checkpoint, root not comparable",
			"checkpoint", cp.Sequence,
			"checkpoint_operations", cp.OperationCount,
			"operations", len(stored),
		)
	}

	return &Result{Root: root, Operations: len(stored), Checkpoint: cp}, nil
}

func (v *LogVerifier) checkpoint(root hash.Hash, count int) (*Result, error) {
	cp := &storage.Checkpoint{
		Root:           root.String(),
		OperationCount: count,
		Algorithm:      string(v.hasher.Algorithm()),
		Timestamp:      v.now(),
	}
	if err := v.store.SaveCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	v.logger.Debug("Created log checkpoint", "sequence", cp.Sequence, "root", root.Short(), "operations", count)
	return &Result{Root: root, Operations: count, Checkpoint: cp}, nil
}

func (v *LogVerifier) report(expected, actual hash.Hash, count int, findings []finding) error {
	sort.Slice(findings, func(i, j int) bool { return findings[i].String() < findings[j].String() })

	v.logger.Error("Operation log tampering detected",
		"expected_root", expected.Short(),
		"actual_root", actual.Short(),
		"tampered", len(findings),
	)
	details := make([]string, len(findings))
	for i, f := range findings {
		details[i] = f.String()
		v.logger.Error("Tampered operation", "detail", details[i])
	}

	if err := v.alerts.SendIntegrityAlert(expected.String(), actual.String(), count); err != nil {
		v.logger.Error("Failed to send integrity alert", "error", err)
	}

	if len(findings) == 1 {
		return NewTamperingError(logSource, findings[0].id, findings[0].problem)
	}
	return NewTamperingError(logSource, "", fmt.Sprintf("%d problems: %s", len(findings), strings.Join(details, ", ")))
}
