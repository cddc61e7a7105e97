package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwickads/bidcore/engine/internal/batcher"
	"github.com/fenwickads/bidcore/engine/internal/cache"
	"github.com/fenwickads/bidcore/engine/internal/catalog"
	"github.com/fenwickads/bidcore/engine/internal/pacing"
	"github.com/fenwickads/bidcore/engine/internal/processor"
	"github.com/fenwickads/bidcore/engine/internal/queue"
	telemEvents "github.com/fenwickads/bidcore/engine/internal/telemetry/events"
	intmetrics "github.com/fenwickads/bidcore/engine/internal/telemetry/metrics"
	inttelempolicy "github.com/fenwickads/bidcore/engine/internal/telemetry/policy"
	"github.com/fenwickads/bidcore/engine/internal/telemetry/sink"
	telemetrytracing "github.com/fenwickads/bidcore/engine/internal/telemetry/tracing"
	engmodels "github.com/fenwickads/bidcore/engine/models"
	telemetryhealth "github.com/fenwickads/bidcore/engine/telemetry/health"
)

// Snapshot is a unified view of engine state.
type Snapshot struct {
	StartedAt      time.Time `json:"started_at"`
	Uptime         time.Duration `json:"uptime"`
	TelemetryDrops uint64    `json:"telemetry_drops"`
}

// TelemetryEvent is a reduced, stable event representation for external
// observers, decoupled from the internal event bus's own Event type.
type TelemetryEvent struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	SpanID   string                 `json:"span_id,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Deps wires the concrete collaborators the supervisor assembles into
// the C1-C7 component graph. Only Scorer is required; everything else
// has an in-process or no-op default, matching the teacher's pattern of
// constructing a resource manager/rate limiter only when configured.
type Deps struct {
	Scorer        interface {
		Score(ctx context.Context, batch [][]float32) ([]float32, error)
	}
	Queue         queue.Queue             // nil => in-memory queue
	Decode        queue.Decoder           // nil => JSON decode of BidRequest
	L2            cache.L2                // nil => L1-only cache
	Store         sink.Store              // nil => telemetry events are counted as dropped, never persisted
	InitialOffers []engmodels.CandidateOffer
	Features      processor.FeatureBuilder // nil => default two-feature row
	Logger        *slog.Logger
}

// Engine composes the full bid-serving core (C1-C7) behind a single
// facade, following the teacher's "one struct, one New, one Stop"
// shape while the startup/shutdown sequencing itself follows spec §4.6.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	sink      *sink.Sink
	catalogP  *catalog.Publisher
	cacheC    *cache.Cache
	batcherB  *batcher.Batcher
	pacer     *pacing.Limiter
	proc      *processor.Processor
	pool      *queue.Pool
	ownsQueue bool
	q         queue.Queue

	stopSweep func()

	metricsProvider intmetrics.Provider
	eventBus        telemEvents.Bus
	tracer          telemetrytracing.Tracer
	healthEval      *telemetryhealth.Evaluator
	healthGauge     intmetrics.Gauge
	lastHealth      atomic.Value // string

	telemetryPolicy atomic.Pointer[inttelempolicy.TelemetryPolicy]

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver

	startedAt      time.Time
	ready          atomic.Bool
	lastSuccessAt  atomic.Value // time.Time
	started        atomic.Bool
}

// TelemetryPolicy, HealthPolicy, TracingPolicy, EventBusPolicy re-export
// the internal policy shapes as a stable facade surface.
type TelemetryPolicy = inttelempolicy.TelemetryPolicy
type HealthPolicy = inttelempolicy.HealthPolicy
type TracingPolicy = inttelempolicy.TracingPolicy
type EventBusPolicy = inttelempolicy.EventBusPolicy

// DefaultTelemetryPolicy returns the default normalized telemetry policy.
func DefaultTelemetryPolicy() TelemetryPolicy { return inttelempolicy.Default() }

// New constructs the full component graph in the strict startup order
// mandated by spec §4.6: C1 (telemetry sink) -> C7 (metrics/health) ->
// C2 (cache) -> C3 (batcher) -> C4 (processor) -> C5 (agent pool). It
// does not begin pulling from the queue until Start is called.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Scorer == nil {
		return nil, fmt.Errorf("engine: Deps.Scorer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: deps.Logger, startedAt: time.Now()}

	// C1: telemetry sink.
	e.sink = sink.New(cfg.toSinkConfig(), deps.Store, deps.Logger)

	// C7: metrics provider + health evaluator, ready to observe every
	// component constructed after it.
	e.metricsProvider = selectMetricsProvider(cfg)
	e.eventBus = telemEvents.NewBus(e.metricsProvider)
	e.tracer = telemetrytracing.NewAdaptiveTracer(func() float64 { return e.Policy().Tracing.SamplePercent })
	initialPolicy := inttelempolicy.Default()
	e.telemetryPolicy.Store(&initialPolicy)

	// C2: two-tier cache. The catalog snapshot's onSwap callback clears
	// L1, so catalog must exist before the cache wiring completes.
	e.cacheC = cache.New(cfg.toCacheConfig(), deps.L2)
	e.catalogP = catalog.NewPublisher(deps.InitialOffers, func(*catalog.Snapshot) { e.cacheC.ClearL1() })

	// C3: inference batcher.
	e.batcherB = batcher.New(cfg.toBatcherConfig(), deps.Scorer)

	// Pacing accounting feeds C4's policy step.
	e.pacer = pacing.New(cfg.Pacing)

	// C4: request processor.
	e.proc = processor.New(cfg.toProcessorConfig(), e.catalogP, e.cacheC, e.batcherB, e.pacer, telemetryAdapter{e}, deps.Features)

	// C5: agent pool, bound to either the injected queue or an
	// in-memory one sized to the configured buffer.
	e.q = deps.Queue
	if e.q == nil {
		e.q = queue.NewInMemoryQueue(cfg.TelemetryBufferSize)
		e.ownsQueue = true
	}
	decode := deps.Decode
	if decode == nil {
		decode = decodeJSONRequest
	}
	e.pool = queue.New(cfg.toQueueConfig(), e.q, e.proc, decode, deps.Logger)

	limiterProbe, cacheProbe, sinkProbe := e.healthProbes()
	e.healthEval = telemetryhealth.NewEvaluator(initialPolicy.Health.ProbeTTL, limiterProbe, cacheProbe, sinkProbe)
	if e.metricsProvider != nil {
		g := e.metricsProvider.NewGauge(intmetrics.GaugeOpts{CommonOpts: intmetrics.CommonOpts{Namespace: "bidcore", Subsystem: "health", Name: "status", Help: "Engine overall health status (1=healthy,0.5=degraded,0=unhealthy,-1=unknown)"}})
		if g != nil {
			e.healthGauge = g
			g.Set(-1)
		}
	}

	e.started.Store(true)
	return e, nil
}

func decodeJSONRequest(payload []byte) (*engmodels.BidRequest, error) {
	var req engmodels.BidRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// telemetryAdapter bridges processor.TelemetryEmitter to the sink and
// also timestamps successful bids for the readiness canary window.
type telemetryAdapter struct{ e *Engine }

func (t telemetryAdapter) Emit(ev engmodels.TelemetryEvent) {
	if ev.Type == engmodels.EventBid {
		t.e.lastSuccessAt.Store(time.Now())
	}
	t.e.sink.Emit(ev)
}

func selectMetricsProvider(cfg Config) intmetrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}

// healthProbes builds the C7 probe set: a pacing probe that always
// reports healthy (it does not inspect breaker state), a cache probe
// that only checks the cache was constructed (it does not contact L2),
// and a telemetry sink probe comparing the sink's drop count with the
// policy's degraded/unhealthy thresholds.
func (e *Engine) healthProbes() (telemetryhealth.ProbeFunc, telemetryhealth.ProbeFunc, telemetryhealth.ProbeFunc) {
	pacingProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		if e.pacer == nil {
			return telemetryhealth.Healthy("pacing")
		}
		return telemetryhealth.Healthy("pacing")
	})
	cacheProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		if e.cacheC == nil {
			return telemetryhealth.Unhealthy("cache", "not initialized")
		}
		return telemetryhealth.Healthy("cache")
	})
	sinkProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		if e.sink == nil {
			return telemetryhealth.Unhealthy("telemetry_sink", "not initialized")
		}
		pol := e.Policy()
		drops := e.sink.Dropped()
		if drops == 0 {
			return telemetryhealth.Healthy("telemetry_sink")
		}
		if drops >= uint64(pol.Health.ResourceUnhealthyCheckpoint) {
			return telemetryhealth.Unhealthy("telemetry_sink", "high drop rate")
		}
		if drops >= uint64(pol.Health.ResourceDegradedCheckpoint) {
			return telemetryhealth.Degraded("telemetry_sink", "dropping events")
		}
		return telemetryhealth.Healthy("telemetry_sink")
	})
	return pacingProbe, cacheProbe, sinkProbe
}

// Policy returns the current telemetry policy snapshot. Never nil.
func (e *Engine) Policy() TelemetryPolicy {
	if p := e.telemetryPolicy.Load(); p != nil {
		return *p
	}
	return inttelempolicy.Default()
}

// UpdateTelemetryPolicy atomically swaps the active policy. Nil input
// resets to defaults.
func (e *Engine) UpdateTelemetryPolicy(p *TelemetryPolicy) {
	if e == nil {
		return
	}
	var snap inttelempolicy.TelemetryPolicy
	if p == nil {
		snap = inttelempolicy.Default()
	} else {
		snap = p.Normalize()
	}
	old := e.Policy()
	e.telemetryPolicy.Store(&snap)
	if old.Health.ProbeTTL != snap.Health.ProbeTTL && e.healthEval != nil {
		pacingProbe, cacheProbe, sinkProbe := e.healthProbes()
		e.healthEval = telemetryhealth.NewEvaluator(snap.Health.ProbeTTL, pacingProbe, cacheProbe, sinkProbe)
	}
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only). Returns nil if metrics are disabled or the
// backend does not provide an HTTP handler.
func (e *Engine) MetricsHandler() http.Handler {
	if e == nil || e.metricsProvider == nil {
		return nil
	}
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// HealthSnapshot evaluates (or returns cached) subsystem health and
// bridges a health_change event to registered observers on transition.
func (e *Engine) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	if e.healthEval == nil {
		return telemetryhealth.Snapshot{}
	}
	snap := e.healthEval.Evaluate(ctx)
	var val float64
	switch snap.Overall {
	case telemetryhealth.StatusHealthy:
		val = 1
	case telemetryhealth.StatusDegraded:
		val = 0.5
	case telemetryhealth.StatusUnhealthy:
		val = 0
	default:
		val = -1
	}
	if e.healthGauge != nil {
		e.healthGauge.Set(val)
	}
	prevRaw := e.lastHealth.Load()
	prev := ""
	if prevRaw != nil {
		prev = prevRaw.(string)
	}
	cur := string(snap.Overall)
	if prev != "" && prev != cur {
		iev := telemEvents.Event{Category: "health", Type: "health_change", Severity: "info", Fields: map[string]interface{}{"previous": prev, "current": cur}}
		_ = e.eventBus.Publish(iev)
		e.dispatchEvent(iev)
	}
	e.lastHealth.Store(cur)
	return snap
}

// Ready reports is_ready() per spec §4.6: the engine is started, the
// health rollup is not Unhealthy (Degraded still counts as ready), and
// lastSuccessAt lies within ReadinessWindow. Start seeds lastSuccessAt,
// so a freshly started engine is ready for one window without any
// completed bid.
func (e *Engine) Ready(ctx context.Context) bool {
	if !e.ready.Load() {
		return false
	}
	snap := e.HealthSnapshot(ctx)
	if snap.Overall == telemetryhealth.StatusUnhealthy {
		return false
	}
	last, ok := e.lastSuccessAt.Load().(time.Time)
	if !ok {
		return false
	}
	window := e.cfg.ReadinessWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	return time.Since(last) < window
}

// RegisterEventObserver adds an observer invoked synchronously for each
// internal telemetry event. Safe for concurrent use.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if e == nil || obs == nil {
		return
	}
	e.eventObserversMu.Lock()
	e.eventObservers = append(e.eventObservers, obs)
	e.eventObserversMu.Unlock()
}

func (e *Engine) dispatchEvent(ev telemEvents.Event) {
	e.eventObserversMu.RLock()
	if len(e.eventObservers) == 0 {
		e.eventObserversMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), e.eventObservers...)
	e.eventObserversMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, TraceID: ev.TraceID, SpanID: ev.SpanID, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers {
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// Start begins the runtime portion of the supervisor: the telemetry
// sink's consumer, the cache's background sweep, and the agent pool's
// worker goroutines. Construction (New) already built every component;
// Start only sets them in motion, then marks readiness eligible.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.Load() {
		return fmt.Errorf("engine: not constructed")
	}
	e.sink.Start(ctx)
	e.stopSweep = e.cacheC.StartSweep(ctx)
	e.pool.Start(ctx)
	// Seed the readiness window so a freshly started engine with no
	// traffic yet isn't permanently unready; the first real success
	// will then keep sliding the window forward.
	e.lastSuccessAt.Store(time.Now())
	e.ready.Store(true)
	return nil
}

// Stop executes the shutdown sequence from spec §4.6: flip readiness,
// stop the agent pool (draining in-flight work), close the batcher
// (in-flight batches finish; tickets still queued are not scored but
// fail with ErrBatcherClosed), flush telemetry, then release the queue
// and pacing limiter.
func (e *Engine) Stop() error {
	e.ready.Store(false)

	drainCtx, cancel := context.WithTimeout(context.Background(), e.drainGrace())
	defer cancel()
	stopped := make(chan struct{})
	go func() { e.pool.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-drainCtx.Done():
		e.logger.Warn("engine: agent pool drain exceeded DRAIN_GRACE, forcing shutdown")
	}

	if e.stopSweep != nil {
		e.stopSweep()
	}
	e.batcherB.Close()
	e.sink.Close()
	if e.pacer != nil {
		_ = e.pacer.Close()
	}
	if e.ownsQueue {
		_ = e.q.Close()
	}
	return nil
}

func (e *Engine) drainGrace() time.Duration {
	if e.cfg.DrainGrace > 0 {
		return e.cfg.DrainGrace
	}
	return 30 * time.Second
}

// Snapshot returns a unified state view.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{StartedAt: e.startedAt}
	if snap.StartedAt.IsZero() {
		snap.StartedAt = time.Now()
	}
	snap.Uptime = time.Since(snap.StartedAt)
	if e.sink != nil {
		snap.TelemetryDrops = e.sink.Dropped()
	}
	return snap
}

// Catalog exposes the catalog publisher so callers can push new offer
// sets (e.g. from a periodic feed refresh).
func (e *Engine) Catalog() *catalog.Publisher { return e.catalogP }
