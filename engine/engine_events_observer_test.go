package engine

import (
	"context"
	"testing"
	"time"

	"github.com/fenwickads/bidcore/engine/internal/scorer"
	telemetryhealth "github.com/fenwickads/bidcore/engine/telemetry/health"
)

// TestTelemetryObserverReceivesHealthChange validates that an observer
// registered through the facade receives bridged health_change events when
// overall status transitions.
func TestTelemetryObserverReceivesHealthChange(t *testing.T) {
	cfg := Defaults()
	cfg.MetricsEnabled = false
	eng, err := New(cfg, Deps{Scorer: scorer.NewDeterministicMock()})
	if err != nil {
		t.Fatalf("engine new: %v", err)
	}

	ch := make(chan TelemetryEvent, 4)
	eng.RegisterEventObserver(func(ev TelemetryEvent) {
		if ev.Category == "health" && ev.Type == "health_change" {
			select {
			case ch <- ev:
			default:
			}
		}
	})

	current := telemetryhealth.StatusHealthy
	probe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		return telemetryhealth.ProbeResult{Name: "test", Status: current}
	})
	eng.healthEval = telemetryhealth.NewEvaluator(5*time.Millisecond, probe)

	ctx := context.Background()
	_ = eng.HealthSnapshot(ctx) // baseline

	current = telemetryhealth.StatusDegraded
	time.Sleep(10 * time.Millisecond)
	_ = eng.HealthSnapshot(ctx) // transition

	select {
	case ev := <-ch:
		if ev.Fields["current"] != "degraded" {
			t.Fatalf("unexpected transition fields: %+v", ev.Fields)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a bridged health_change event")
	}
}
