package byzantine

import (
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDetector(t *testing.T, opts ...Option) (*Detector, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	d, err := NewDetector(DefaultConfig(), append([]Option{WithClock(clk.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	return d, clk
}

func opAt(node string, ts time.Time) oplog.Operation {
	return oplog.Operation{ID: uuid.New(), NodeID: node, Timestamp: uint64(ts.UnixMilli())}
}

func TestCheckOperation_TimeWindow(t *testing.T) {
	d, clk := newTestDetector(t)
	now := clk.Now()

	tests := []struct {
		name    string
		ts      time.Time
		flagged bool
	}{
		{"now", now, false},
		{"slightly future", now.Add(4 * time.Minute), false},
		{"far future", now.Add(6 * time.Minute), true},
		{"yesterday", now.Add(-23 * time.Hour), false},
		{"too old", now.Add(-25 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := "node-" + tt.name
			if got := d.CheckOperation(opAt(node, tt.ts)); got != tt.flagged {
				t.Errorf("Expected flagged=%v, got %v", tt.flagged, got)
			}

			faults := d.Faults(node)
			if tt.flagged {
				if len(faults) != 1 || faults[0].FaultType != TimeViolation || faults[0].Severity != 0.5 {
					t.Errorf("Expected one TimeViolation with severity 0.5, got %+v", faults)
				}
			} else if len(faults) != 0 {
				t.Errorf("Expected no faults, got %+v", faults)
			}
		})
	}
}

func TestReputationDecay(t *testing.T) {
	d, clk := newTestDetector(t)

	for i := 0; i < 10; i++ {
		d.ReportFault("bad")
	}

	want := math.Pow(0.9, 10)
	if got := d.Reputation("bad"); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected reputation %.6f, got %.6f", want, got)
	}

	if !d.CheckOperation(opAt("bad", clk.Now())) {
		t.Error("Operation from a node below threshold should be flagged")
	}
	if len(d.Faults("bad")) != 10 {
		t.Error("Rejecting a low-reputation node should not record another fault")
	}

	if d.CheckOperation(opAt("good", clk.Now())) {
		t.Error("Operation from an unknown node should pass")
	}
	if d.Reputation("good") != 1.0 {
		t.Errorf("Unknown node should have reputation 1.0, got %f", d.Reputation("good"))
	}
}

func TestReputationThreshold(t *testing.T) {
	d, _ := newTestDetector(t)

	for i := 0; i < 6; i++ {
		d.ReportFault("n")
	}
	if !d.IsTrusted("n") {
		t.Errorf("0.9^6 is above threshold, reputation %f", d.Reputation("n"))
	}

	d.ReportFault("n")
	if d.IsTrusted("n") {
		t.Errorf("0.9^7 is below threshold, reputation %f", d.Reputation("n"))
	}
}

func TestRecover(t *testing.T) {
	d, clk := newTestDetector(t)
	d.ReportFault("n")

	if d.Recover() != 0 {
		t.Error("No node should recover inside the quiet period")
	}

	clk.Advance(11 * time.Minute)
	if d.Recover() != 1 {
		t.Error("Expected one node to recover")
	}
	if got := d.Reputation("n"); math.Abs(got-0.91) > 1e-9 {
		t.Errorf("Expected reputation 0.91, got %f", got)
	}

	for i := 0; i < 20; i++ {
		d.Recover()
	}
	if d.Reputation("n") != 1.0 {
		t.Errorf("Reputation should cap at 1.0, got %f", d.Reputation("n"))
	}
}

func TestSubscribe(t *testing.T) {
	d, _ := newTestDetector(t)

	var reports []FaultReport
	d.Subscribe(func(r FaultReport) {
		// Reading detector state from a callback must not deadlock.
		_ = d.Reputation(r.NodeID)
		reports = append(reports, r)
	})

	d.ReportFault("x")
	d.RecordFault("y", InvalidMessage, 0.75)

	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}
	if reports[0].NodeID != "x" || reports[0].Fault.FaultType != InconsistentState || reports[0].Fault.Severity != 1.0 {
		t.Errorf("Unexpected first report: %+v", reports[0])
	}
	if reports[1].Fault.FaultType != InvalidMessage {
		t.Errorf("Unexpected second report: %+v", reports[1])
	}
}

func TestConcurrentFaults(t *testing.T) {
	d, _ := newTestDetector(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.ReportFault("shared")
			}
		}()
	}
	wg.Wait()

	if len(d.Faults("shared")) != 400 {
		t.Errorf("Expected 400 faults, got %d", len(d.Faults("shared")))
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faults.db")
	store, err := storage.New(path)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	d, _ := newTestDetector(t, WithStore(store))
	d.ReportFault("n")
	d.ReportFault("n")

	restored, _ := newTestDetector(t, WithStore(store))
	if got := restored.Reputation("n"); math.Abs(got-0.81) > 1e-9 {
		t.Errorf("Expected restored reputation 0.81, got %f", got)
	}
	if len(restored.Faults("n")) != 2 {
		t.Errorf("Expected 2 restored faults, got %d", len(restored.Faults("n")))
	}
}

func TestPersistenceKeepsRecoveredReputation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faults.db")
	store, err := storage.New(path)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	d, clk := newTestDetector(t, WithStore(store))
	d.ReportFault("n")
	d.ReportFault("n")
	clk.Advance(11 * time.Minute)
	for i := 0; i < 5; i++ {
		d.Recover()
	}
	if got := d.Reputation("n"); math.Abs(got-0.86) > 1e-9 {
		t.Fatalf("Expected reputation 0.86 after recovery, got %f", got)
	}

	restored, _ := newTestDetector(t, WithStore(store))
	if got := restored.Reputation("n"); math.Abs(got-0.86) > 1e-9 {
		t.Errorf("Expected recovered reputation 0.86 after restart, got %f", got)
	}

	// A fault recorded after the snapshot decays the saved reputation.
	restored.ReportFault("n")
	again, _ := newTestDetector(t, WithStore(store))
	if got := again.Reputation("n"); math.Abs(got-0.86*0.9) > 1e-9 {
		t.Errorf("Expected %f after a later fault, got %f", 0.86*0.9, got)
	}
	if len(again.Faults("n")) != 3 {
		t.Errorf("Expected 3 restored faults, got %d", len(again.Faults("n")))
	}
}
