package engine

import (
	"testing"
	"time"

	"github.com/fenwickads/bidcore/engine/internal/scorer"
	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// TestSnapshotTelemetryDropsPresence ensures the drop counter surfaces through Snapshot.
func TestSnapshotTelemetryDropsPresence(t *testing.T) {
	cfg := Defaults()
	cfg.MetricsEnabled = false
	cfg.TelemetryBufferSize = 2
	e, err := New(cfg, Deps{Scorer: scorer.NewDeterministicMock()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	for i := 0; i < 10; i++ {
		e.sink.Emit(engmodels.TelemetryEvent{Type: engmodels.EventBid})
	}

	snap := e.Snapshot()
	if snap.TelemetryDrops == 0 {
		t.Fatalf("expected nonzero telemetry drops in snapshot")
	}
}

// TestSnapshotUptimeMonotonic ensures Uptime increases across consecutive snapshots.
func TestSnapshotUptimeMonotonic(t *testing.T) {
	cfg := Defaults()
	cfg.MetricsEnabled = false
	e, err := New(cfg, Deps{Scorer: scorer.NewDeterministicMock()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	s1 := e.Snapshot().Uptime
	time.Sleep(10 * time.Millisecond)
	s2 := e.Snapshot().Uptime
	if s2 <= s1 {
		t.Fatalf("expected uptime to increase: %v then %v", s1, s2)
	}
}
