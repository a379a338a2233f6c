package byzantine

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
)

type FaultType string

const (
	TimeViolation     FaultType = "TimeViolation"
	InconsistentState FaultType = "InconsistentState"
	InvalidMessage    FaultType = "InvalidMessage"
)

const (
	timeViolationSeverity     = 0.5
	inconsistentStateSeverity = 1.0
	invalidMessageSeverity    = 0.75

	shardCount = 16
)

type Fault struct {
	Timestamp time.Time `json:"timestamp"`
	FaultType FaultType `json:"fault_type"`
	Severity  float64   `json:"severity"`
}

// FaultReport is delivered to subscribers for every recorded fault.
type FaultReport struct {
	NodeID     string
	Fault      Fault
	Reputation float64
}

type Config struct {
	ReputationThreshold float64
	MaxFutureSkew       time.Duration
	MaxPastSkew         time.Duration
	DecayFactor         float64
	RecoveryStep        float64
	RecoveryQuietPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReputationThreshold: 0.5,
		MaxFutureSkew:       5 * time.Minute,
		MaxPastSkew:         24 * time.Hour,
		DecayFactor:         0.9,
		RecoveryStep:        0.01,
		RecoveryQuietPeriod: 10 * time.Minute,
	}
}

// FaultStore persists the fault history and reputation snapshots.
// *storage.Storage satisfies it.
type FaultStore interface {
	AppendFault(rec storage.FaultRecord) error
	AllFaults() ([]storage.FaultRecord, error)
	SaveReputations(reps map[string]storage.ReputationRecord) error
	Reputations() (map[string]storage.ReputationRecord, error)
}

type nodeState struct {
	reputation float64
	faults     []Fault
	lastFault  time.Time
}

type shard struct {
	mu    sync.Mutex
	nodes map[string]*nodeState
}

// Detector tracks per-node reputation and screens incoming operations.
// Node state is spread over fixed shards so unrelated nodes do not contend.
type Detector struct {
	cfg    Config
	shards [shardCount]*shard
	store  FaultStore
	now    func() time.Time
	logger *slog.Logger

	listenersMu sync.RWMutex
	listeners   []func(FaultReport)
}

type Option func(*Detector)

func WithStore(store FaultStore) Option {
	return func(d *Detector) { d.store = store }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

func NewDetector(cfg Config, opts ...Option) (*Detector, error) {
	defaults := DefaultConfig()
	if cfg.ReputationThreshold <= 0 {
		cfg.ReputationThreshold = defaults.ReputationThreshold
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = defaults.MaxFutureSkew
	}
	if cfg.MaxPastSkew <= 0 {
		cfg.MaxPastSkew = defaults.MaxPastSkew
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		cfg.DecayFactor = defaults.DecayFactor
	}
	if cfg.RecoveryStep < 0 {
		cfg.RecoveryStep = 0
	}
	if cfg.RecoveryQuietPeriod <= 0 {
		cfg.RecoveryQuietPeriod = defaults.RecoveryQuietPeriod
	}

	d := &Detector{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for i := range d.shards {
		d.shards[i] = &shard{nodes: make(map[string]*nodeState)}
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.store != nil {
		if err := d.replay(); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// replay rebuilds node state from the persisted fault history, then starts
// each snapshotted node from its saved reputation and decays it once for
// every fault recorded after the snapshot.
func (d *Detector) replay() error {
	records, err := d.store.AllFaults()
	if err != nil {
		return fmt.Errorf("failed to load fault history: %w", err)
	}
	snapshot, err := d.store.Reputations()
	if err != nil {
		return fmt.Errorf("failed to load reputations: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	for _, rec := range records {
		s := d.shardFor(rec.NodeID)
		s.mu.Lock()
		st := s.stateLocked(rec.NodeID)
		st.reputation *= d.cfg.DecayFactor
		st.faults = append(st.faults, Fault{Timestamp: rec.Timestamp, FaultType: FaultType(rec.FaultType), Severity: rec.Severity})
		st.lastFault = rec.Timestamp
		s.mu.Unlock()
	}

	for node, rec := range snapshot {
		s := d.shardFor(node)
		s.mu.Lock()
		st := s.stateLocked(node)
		st.reputation = math.Min(rec.Reputation, 1.0)
		for i := rec.Faults; i < len(st.faults); i++ {
			st.reputation *= d.cfg.DecayFactor
		}
		s.mu.Unlock()
	}

	if len(records) > 0 {
		d.logger.Info("Restored fault history", "faults", len(records), "snapshots", len(snapshot))
	}
	return nil
}

func (d *Detector) shardFor(nodeID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(nodeID))
	return d.shards[h.Sum32()%shardCount]
}

func (s *shard) stateLocked(nodeID string) *nodeState {
	st, ok := s.nodes[nodeID]
	if !ok {
		st = &nodeState{reputation: 1.0}
		s.nodes[nodeID] = st
	}
	return st
}

// CheckOperation reports whether op should be rejected. A timestamp outside
// the accepted window records a TimeViolation against the originator. A
// node below the reputation threshold is rejected without a new fault.
func (d *Detector) CheckOperation(op oplog.Operation) bool {
	now := d.now()
	ts := op.Time()

	if ts.After(now.Add(d.cfg.MaxFutureSkew)) || ts.Before(now.Add(-d.cfg.MaxPastSkew)) {
		d.RecordFault(op.NodeID, TimeViolation, timeViolationSeverity)
		return true
	}

	return d.Reputation(op.NodeID) < d.cfg.ReputationThreshold
}

// ReportFault records an InconsistentState fault, used when a peer serves
// data that contradicts what it advertised.
func (d *Detector) ReportFault(nodeID string) {
	d.RecordFault(nodeID, InconsistentState, inconsistentStateSeverity)
}

func (d *Detector) ReportInvalidMessage(nodeID string) {
	d.RecordFault(nodeID, InvalidMessage, invalidMessageSeverity)
}

func (d *Detector) RecordFault(nodeID string, faultType FaultType, severity float64) {
	fault := Fault{Timestamp: d.now(), FaultType: faultType, Severity: severity}

	s := d.shardFor(nodeID)
	s.mu.Lock()
	st := s.stateLocked(nodeID)
	st.reputation *= d.cfg.DecayFactor
	st.faults = append(st.faults, fault)
	st.lastFault = fault.Timestamp
	reputation := st.reputation
	s.mu.Unlock()

	d.logger.Warn("Fault recorded",
		"node", nodeID,
		"type", faultType,
		"severity", severity,
		"reputation", reputation,
	)

	if d.store != nil {
		rec := storage.FaultRecord{
			NodeID:    nodeID,
			FaultType: string(faultType),
			Severity:  severity,
			Timestamp: fault.Timestamp,
		}
		if err := d.store.AppendFault(rec); err != nil {
			d.logger.Error("Failed to persist fault", "node", nodeID, "error", err)
		}
	}

	d.notify(FaultReport{NodeID: nodeID, Fault: fault, Reputation: reputation})
}

func (d *Detector) notify(report FaultReport) {
	d.listenersMu.RLock()
	listeners := make([]func(FaultReport), len(d.listeners))
	copy(listeners, d.listeners)
	d.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(report)
	}
}

// Subscribe registers fn to be called after every recorded fault. Callbacks
// run on the recording goroutine with no detector locks held.
func (d *Detector) Subscribe(fn func(FaultReport)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Detector) Reputation(nodeID string) float64 {
	s := d.shardFor(nodeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.nodes[nodeID]; ok {
		return st.reputation
	}
	return 1.0
}

func (d *Detector) IsTrusted(nodeID string) bool {
	return d.Reputation(nodeID) >= d.cfg.ReputationThreshold
}

func (d *Detector) Faults(nodeID string) []Fault {
	s := d.shardFor(nodeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.nodes[nodeID]
	if !ok {
		return nil
	}
	out := make([]Fault, len(st.faults))
	copy(out, st.faults)
	return out
}

// Recover raises the reputation of every node whose last fault is older
// than the quiet period, capped at 1.0. It returns how many nodes changed.
func (d *Detector) Recover() int {
	if d.cfg.RecoveryStep == 0 {
		return 0
	}

	now := d.now()
	recovered := 0
	for _, s := range d.shards {
		s.mu.Lock()
		for _, st := range s.nodes {
			if st.reputation >= 1.0 || now.Sub(st.lastFault) < d.cfg.RecoveryQuietPeriod {
				continue
			}
			st.reputation += d.cfg.RecoveryStep
			if st.reputation > 1.0 {
				st.reputation = 1.0
			}
			recovered++
		}
		s.mu.Unlock()
	}

	if recovered > 0 && d.store != nil {
		if err := d.store.SaveReputations(d.snapshot()); err != nil {
			d.logger.Error("Failed to persist reputations", "error", err)
		}
	}
	return recovered
}

func (d *Detector) snapshot() map[string]storage.ReputationRecord {
	out := make(map[string]storage.ReputationRecord)
	for _, s := range d.shards {
		s.mu.Lock()
		for node, st := range s.nodes {
			out[node] = storage.ReputationRecord{Reputation: st.reputation, Faults: len(st.faults)}
		}
		s.mu.Unlock()
	}
	return out
}

// Reputations returns a copy of every tracked node's reputation.
func (d *Detector) Reputations() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range d.shards {
		s.mu.Lock()
		for node, st := range s.nodes {
			out[node] = st.reputation
		}
		s.mu.Unlock()
	}
	return out
}

func (d *Detector) Threshold() float64 {
	return d.cfg.ReputationThreshold
}
