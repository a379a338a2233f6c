package coordinator

import (
	"math"
	"sync"
	"time"

	"github.com/witnz/replisync/internal/strategy"
)

// ewmaAlpha weights the latest observation in moving averages.
const ewmaAlpha = 0.3

func ewma(prev, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return prev + ewmaAlpha*(sample-prev)
}

// peerState tracks the observed link to one peer.
type peerState struct {
	mu sync.Mutex

	latencyMs  float64
	bandwidth  float64
	packetLoss float64
	samples    int

	lastSync     time.Time
	appendedMark uint64
}

func (p *peerState) conditions() strategy.NetworkConditions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strategy.NetworkConditions{
		LatencyMs:  p.latencyMs,
		Bandwidth:  p.bandwidth,
		PacketLoss: p.packetLoss,
	}
}

func (p *peerState) observeLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latencyMs = ewma(p.latencyMs, float64(d.Microseconds())/1000, p.samples == 0)
	p.samples++
}

func (p *peerState) observeTransfer(bytes int, d time.Duration) {
	if bytes == 0 || d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bandwidth = ewma(p.bandwidth, float64(bytes)/d.Seconds(), p.bandwidth == 0)
}

func (p *peerState) observeOutcome(failed bool) {
	v := 0.0
	if failed {
		v = 1.0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packetLoss = ewma(p.packetLoss, v, false)
}

func (p *peerState) markSynced(at time.Time, appended uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSync = at
	p.appendedMark = appended
}

// lazyDue reports whether a lazy round has enough to do.
func (p *peerState) lazyDue(now time.Time, appended uint64, batch int, maxDelay time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSync.IsZero() {
		return true
	}
	return appended-p.appendedMark >= uint64(batch) || now.Sub(p.lastSync) >= maxDelay
}

func (c *Coordinator) peerState(id string) *peerState {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	ps, ok := c.peers[id]
	if !ok {
		ps = &peerState{}
		c.peers[id] = ps
	}
	return ps
}

// NetworkConditions returns what has been observed about the link to a peer.
func (c *Coordinator) NetworkConditions(peerID string) strategy.NetworkConditions {
	return c.peerState(peerID).conditions()
}

// workloadMeter measures local write rate and incoming conflict rate over a
// sliding window.
type workloadMeter struct {
	mu  sync.Mutex
	now func() time.Time

	windowStart time.Time
	appends     int
	rate        float64

	conflictRate float64
}

const workloadWindow = 10 * time.Second

func newWorkloadMeter(now func() time.Time) *workloadMeter {
	return &workloadMeter{now: now, windowStart: now()}
}

func (w *workloadMeter) rollLocked() {
	elapsed := w.now().Sub(w.windowStart)
	if elapsed < workloadWindow {
		return
	}
	w.rate = float64(w.appends) / elapsed.Seconds()
	w.appends = 0
	w.windowStart = w.now()
}

func (w *workloadMeter) observeAppend() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked()
	w.appends++
}

func (w *workloadMeter) observeConflicts(conflicts, received int) {
	if received == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conflictRate = ewma(w.conflictRate, float64(conflicts)/float64(received), false)
}

func (w *workloadMeter) snapshot(dataSize int64) strategy.Workload {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked()

	rate := w.rate
	if elapsed := w.now().Sub(w.windowStart).Seconds(); elapsed > 1 {
		rate = math.Max(rate, float64(w.appends)/elapsed)
	}
	return strategy.Workload{
		OpsPerSecond: rate,
		ConflictRate: w.conflictRate,
		DataSize:     float64(dataSize),
	}
}

// Workload returns the current local workload estimate.
func (c *Coordinator) Workload() strategy.Workload {
	return c.workload.snapshot(c.log.PayloadBytes())
}

// defaultReward favors fast rounds and discounts rounds that had to reject
// operations.
func defaultReward(r RoundReport) float64 {
	reward := 1 / (1 + r.Duration.Seconds())
	if r.Received > 0 {
		reward *= 1 - float64(r.Rejected)/float64(r.Received)
	}
	return reward
}
