package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/witnz/replisync/internal/alert"
	"github.com/witnz/replisync/internal/byzantine"
	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/consensus"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
	"github.com/witnz/replisync/internal/strategy"
	"github.com/witnz/replisync/internal/transport"
)

type Config struct {
	NodeID string
	// Timeout bounds a single sync round.
	Timeout time.Duration
	// FanOut is the maximum number of concurrent rounds in SyncAll.
	FanOut        int
	Interval      time.Duration
	LazyBatchSize int
	LazyMaxDelay  time.Duration
	// StallAlertAfter is how long a proposal may stay undecided before an
	// operator alert is sent.
	StallAlertAfter time.Duration
	// RewardFunc overrides the reward reported to the strategy selector.
	RewardFunc func(RoundReport) float64
}

func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		FanOut:          4,
		Interval:        5 * time.Second,
		LazyBatchSize:   64,
		LazyMaxDelay:    30 * time.Second,
		StallAlertAfter: 30 * time.Second,
	}
}

// MetadataStore persists the causal clock and the strategy model.
// *storage.Storage satisfies it.
type MetadataStore interface {
	SetMetadataBytes(key string, value []byte) error
	GetMetadataBytes(key string) ([]byte, error)
}

// Coordinator owns a node's replica state and reconciles it with peers.
// The log, tree and clock are only mutated under applyMu, after a round's
// network exchange has fully completed.
type Coordinator struct {
	cfg    Config
	hasher *hash.Hasher
	logger *slog.Logger
	now    func() time.Time

	log      *oplog.Log
	tree     *merkle.Tree
	clock    *clock.Clock
	detector *byzantine.Detector
	selector *strategy.Selector
	alerts   *alert.Manager
	store    MetadataStore

	protocol consensus.Protocol
	members  map[string]transport.Peer

	applyMu sync.Mutex

	peersMu sync.Mutex
	peers   map[string]*peerState

	pendingMu sync.Mutex
	deferred  map[uuid.UUID]oplog.Operation
	prepared  map[string]uuid.UUID
	agreed    map[uuid.UUID]struct{}

	maintainMu sync.Mutex
	stalls     map[string]*stallState

	appended atomic.Uint64
	workload *workloadMeter

	stopCh chan struct{}
	stopMu sync.Mutex
}

type Option func(*Coordinator)

func WithHasher(h *hash.Hasher) Option {
	return func(c *Coordinator) { c.hasher = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithAlerts(m *alert.Manager) Option {
	return func(c *Coordinator) { c.alerts = m }
}

func WithStore(store MetadataStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithConsensus routes strong operations through protocol. members are the
// other cluster nodes; they receive vote and view change requests.
func WithConsensus(protocol consensus.Protocol, members []transport.Peer) Option {
	return func(c *Coordinator) {
		c.protocol = protocol
		c.members = make(map[string]transport.Peer, len(members))
		for _, m := range members {
			c.members[m.ID()] = m
		}
	}
}

func New(cfg Config, log *oplog.Log, detector *byzantine.Detector, selector *strategy.Selector, opts ...Option) (*Coordinator, error) {
	if log == nil || detector == nil || selector == nil {
		return nil, errors.New("coordinator requires a log, a fault detector and a strategy selector")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = log.NodeID()
	}
	if cfg.NodeID != log.NodeID() {
		return nil, fmt.Errorf("node id %q does not match log owner %q", cfg.NodeID, log.NodeID())
	}

	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaults.FanOut
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.LazyBatchSize <= 0 {
		cfg.LazyBatchSize = defaults.LazyBatchSize
	}
	if cfg.LazyMaxDelay <= 0 {
		cfg.LazyMaxDelay = defaults.LazyMaxDelay
	}
	if cfg.StallAlertAfter <= 0 {
		cfg.StallAlertAfter = defaults.StallAlertAfter
	}

	c := &Coordinator{
		cfg:      cfg,
		hasher:   hash.Default,
		logger:   slog.Default(),
		now:      time.Now,
		log:      log,
		detector: detector,
		selector: selector,
		peers:    make(map[string]*peerState),
		deferred: make(map[uuid.UUID]oplog.Operation),
		prepared: make(map[string]uuid.UUID),
		agreed:   make(map[uuid.UUID]struct{}),
		stalls:   make(map[string]*stallState),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.workload = newWorkloadMeter(c.now)

	c.tree = merkle.New(c.hasher)
	c.tree.InsertBatch(entries(log.All()))

	c.clock = c.loadClock()

	if c.store != nil {
		if ok, err := selector.LoadModel(c.store); err != nil {
			c.logger.Warn("Failed to load strategy model", "error", err)
		} else if ok {
			c.logger.Info("Strategy model restored", "updates", selector.Model().Updates)
		}
	}

	detector.Subscribe(c.onFault)

	c.logger.Info("Coordinator initialized",
		"node", cfg.NodeID,
		"operations", log.Len(),
		"root", c.tree.Root().Short(),
		"hash", c.hasher.Algorithm(),
	)

	return c, nil
}

func entries(ops []oplog.Operation) []merkle.Entry {
	out := make([]merkle.Entry, len(ops))
	for i, op := range ops {
		out[i] = merkle.Entry{Key: op.Key(), Value: op.Canonical()}
	}
	return out
}

func (c *Coordinator) loadClock() *clock.Clock {
	if c.store == nil {
		return clock.New(c.hasher)
	}

	data, err := c.store.GetMetadataBytes(storage.ClockKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Failed to load causal clock", "error", err)
		}
		return clock.New(c.hasher)
	}

	var snap clock.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("Discarding unreadable causal clock", "error", err)
		return clock.New(c.hasher)
	}
	restored, err := clock.FromSnapshot(c.hasher, snap)
	if err != nil {
		c.logger.Warn("Discarding causal clock", "error", err)
		return clock.New(c.hasher)
	}
	return restored
}

func (c *Coordinator) saveClockLocked() {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(c.clock.Snapshot())
	if err != nil {
		c.logger.Error("Failed to encode causal clock", "error", err)
		return
	}
	if err := c.store.SetMetadataBytes(storage.ClockKey, data); err != nil {
		c.logger.Error("Failed to persist causal clock", "error", err)
	}
}

func (c *Coordinator) onFault(r byzantine.FaultReport) {
	if r.Fault.FaultType != byzantine.InconsistentState && r.Reputation >= c.detector.Threshold() {
		return
	}
	if err := c.alerts.SendFaultAlert(r.NodeID, string(r.Fault.FaultType), r.Fault.Severity, r.Reputation); err != nil {
		c.logger.Error("Failed to send fault alert", "node", r.NodeID, "error", err)
	}
}

func (c *Coordinator) NodeID() string {
	return c.cfg.NodeID
}

func (c *Coordinator) Root() hash.Hash {
	return c.tree.Root()
}

func (c *Coordinator) Log() *oplog.Log {
	return c.log
}

func (c *Coordinator) Tree() *merkle.Tree {
	return c.tree
}

func (c *Coordinator) Clock() *clock.Clock {
	return c.clock
}

func (c *Coordinator) Detector() *byzantine.Detector {
	return c.detector
}

// Append records a local operation. A strong operation is applied once the
// cluster agrees on it; until then it is held back and Pending reports true.
func (c *Coordinator) Append(ctx context.Context, payload []byte, strong bool) (oplog.Operation, error) {
	if strong && c.protocol != nil {
		op := oplog.NewOperation(c.cfg.NodeID, payload, true)
		c.appended.Add(1)
		c.workload.observeAppend()

		ready, _ := c.routeStrong(ctx, []oplog.Operation{op})
		if len(ready) > 0 {
			if _, err := c.apply(ready, nil); err != nil {
				return oplog.Operation{}, err
			}
		}
		return op, nil
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	op, err := c.log.Append(payload, strong)
	if err != nil {
		return oplog.Operation{}, err
	}
	c.tree.Insert(op.Key(), op.Canonical())
	c.clock.Tick(c.cfg.NodeID)
	c.saveClockLocked()

	c.appended.Add(1)
	c.workload.observeAppend()

	c.logger.Debug("Operation appended", "id", op.ID, "strong", strong, "root", c.tree.Root().Short())
	return op, nil
}

// Pending reports whether the operation is waiting for agreement.
func (c *Coordinator) Pending(id uuid.UUID) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	_, ok := c.deferred[id]
	return ok
}

func (c *Coordinator) DeferredCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.deferred)
}

// apply merges a validated batch into the log, tree and clock as one step.
// remote is merged into the clock when non-nil. Fresh operations that
// originated on this node advance its own clock entry.
func (c *Coordinator) apply(ops []oplog.Operation, remote *clock.Clock) (int, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	fresh, err := c.log.Merge(ops)
	if err != nil {
		return 0, err
	}
	if len(fresh) > 0 {
		c.tree.InsertBatch(entries(fresh))
	}

	if remote != nil {
		c.clock.Merge(remote)
	}
	ticked := false
	for _, op := range fresh {
		if op.NodeID == c.cfg.NodeID {
			c.clock.Tick(c.cfg.NodeID)
			ticked = true
			break
		}
	}
	if remote != nil || ticked {
		c.saveClockLocked()
	}

	if len(fresh) > 0 {
		c.pendingMu.Lock()
		for _, op := range fresh {
			delete(c.deferred, op.ID)
			delete(c.agreed, op.ID)
		}
		c.pendingMu.Unlock()
	}

	return len(fresh), nil
}
