package engine

import (
	"time"

	"github.com/fenwickads/bidcore/engine/internal/batcher"
	"github.com/fenwickads/bidcore/engine/internal/cache"
	"github.com/fenwickads/bidcore/engine/internal/processor"
	"github.com/fenwickads/bidcore/engine/internal/queue"
	"github.com/fenwickads/bidcore/engine/internal/telemetry/sink"
	"github.com/fenwickads/bidcore/engine/models"
)

// Config is the public configuration surface for the Engine facade. It
// narrows and normalizes the underlying component configs (agent pool,
// cache, batcher, pacing, telemetry sink) the way the teacher's facade
// narrows its pipeline/resources/rate-limit configs, while allowing
// advanced callers to inject custom collaborators via Deps.
type Config struct {
	// Agent pool (C5)
	Workers         int
	PullBatchSize   int
	MaxDeliver      int
	GlobalTmaxCapMS int
	ArrivalJitter   time.Duration

	// Two-tier cache (C2)
	CacheShards              int
	CacheShardCapacityBytes  int64
	CachePositiveTTL         time.Duration
	CachePositiveTTLJitter   float64
	CacheNegativeTTL         time.Duration
	CacheStaleGraceMultiple  int
	CacheSweepInterval       time.Duration
	CacheSweepSamplePerShard int

	// Inference batcher (C3)
	BatchMaxSize           int
	BatchMaxLinger         time.Duration
	BatchMaxInflight       int64
	BatchFlushSafetyMargin time.Duration

	// Pacing / frequency caps (part of C4's policy step)
	Pacing models.PacingConfig

	// Request processor (C4)
	TopK               int
	StepBudgetFloor    time.Duration // minimum remaining deadline budget to attempt another step
	ScorerStepEstimate time.Duration // stand-in for C7's tracked p95 batcher round-trip cost

	// Telemetry sink (C1)
	TelemetryBufferSize         int
	TelemetryBatchSize          int
	TelemetryFlushInterval      time.Duration
	TelemetryMaxRetries         int
	TelemetryRetryBase          time.Duration
	TelemetryRetryFactor        float64
	TelemetryRetryCap           time.Duration
	TelemetryRetryJitter        float64
	TelemetryShutdownFlushGrace time.Duration

	// Supervisor / lifecycle (C6)
	DrainGrace      time.Duration
	ReadinessWindow time.Duration // canary recency window for is_ready()

	// Metrics/health (C7)
	MetricsEnabled bool
	// MetricsBackend selects the implementation when MetricsEnabled is true.
	// Supported: "prom" (default), "otel", "noop". Unknown values fall back
	// to "prom".
	MetricsBackend string
}

// toQueueConfig adapts Config to the agent pool's own config type.
func (c Config) toQueueConfig() queue.Config {
	return queue.Config{
		Workers:         c.Workers,
		PullBatchSize:   c.PullBatchSize,
		MaxDeliver:      c.MaxDeliver,
		GlobalTmaxCapMS: c.GlobalTmaxCapMS,
		ArrivalJitter:   c.ArrivalJitter,
	}
}

func (c Config) toCacheConfig() cache.Config {
	return cache.Config{
		Shards:              c.CacheShards,
		ShardCapacityBytes:  c.CacheShardCapacityBytes,
		PositiveTTL:         c.CachePositiveTTL,
		PositiveTTLJitter:   c.CachePositiveTTLJitter,
		NegativeTTL:         c.CacheNegativeTTL,
		StaleGraceMultiple:  c.CacheStaleGraceMultiple,
		SweepInterval:       c.CacheSweepInterval,
		SweepSamplePerShard: c.CacheSweepSamplePerShard,
	}
}

func (c Config) toBatcherConfig() batcher.Config {
	return batcher.Config{
		MaxBatch:           c.BatchMaxSize,
		MaxLinger:          c.BatchMaxLinger,
		MaxInflightBatches: c.BatchMaxInflight,
		FlushSafetyMargin:  c.BatchFlushSafetyMargin,
	}
}

func (c Config) toProcessorConfig() processor.Config {
	return processor.Config{
		TopK:               c.TopK,
		StepBudgetFloor:    c.StepBudgetFloor,
		ScorerStepEstimate: c.ScorerStepEstimate,
	}
}

func (c Config) toSinkConfig() sink.Config {
	return sink.Config{
		BufferSize:         c.TelemetryBufferSize,
		BatchSize:          c.TelemetryBatchSize,
		FlushInterval:      c.TelemetryFlushInterval,
		MaxRetries:         c.TelemetryMaxRetries,
		RetryBase:          c.TelemetryRetryBase,
		RetryFactor:        c.TelemetryRetryFactor,
		RetryCap:           c.TelemetryRetryCap,
		RetryJitter:        c.TelemetryRetryJitter,
		ShutdownFlushGrace: c.TelemetryShutdownFlushGrace,
	}
}

// Defaults returns a Config with the spec-mandated defaults for every
// component.
func Defaults() Config {
	return Config{
		Workers:         20,
		PullBatchSize:   1,
		MaxDeliver:      3,
		GlobalTmaxCapMS: 200,
		ArrivalJitter:   0,

		CacheShards:              64,
		CacheShardCapacityBytes:  8 << 20,
		CachePositiveTTL:         60 * time.Second,
		CachePositiveTTLJitter:   0.10,
		CacheNegativeTTL:         5 * time.Second,
		CacheStaleGraceMultiple:  2,
		CacheSweepInterval:       time.Second,
		CacheSweepSamplePerShard: 32,

		BatchMaxSize:           16,
		BatchMaxLinger:         500 * time.Microsecond,
		BatchMaxInflight:       4,
		BatchFlushSafetyMargin: 300 * time.Microsecond,

		Pacing: models.PacingConfig{
			Enabled:                  true,
			DailyBudgetUnits:         1_000_000,
			InitialSpendRate:         100,
			MinSpendRate:             10,
			MaxSpendRate:             1000,
			SpendBucketCapacity:      500,
			ErrorRateThreshold:       0.4,
			MinSamplesToTrip:         10,
			ConsecutiveFailThreshold: 5,
			OpenStateDuration:        15 * time.Second,
			HalfOpenProbes:           3,
			FrequencyCapWindow:       time.Hour,
			FrequencyCapMax:          5,
			StatsWindow:              30 * time.Second,
			StatsBucket:              2 * time.Second,
			CampaignStateTTL:         2 * time.Minute,
			Shards:                   16,
		},

		TopK:               1,
		StepBudgetFloor:    time.Millisecond,
		ScorerStepEstimate: 5 * time.Millisecond,

		TelemetryBufferSize:         100_000,
		TelemetryBatchSize:          1000,
		TelemetryFlushInterval:      100 * time.Millisecond,
		TelemetryMaxRetries:         5,
		TelemetryRetryBase:          100 * time.Millisecond,
		TelemetryRetryFactor:        2,
		TelemetryRetryCap:           5 * time.Second,
		TelemetryRetryJitter:        0.25,
		TelemetryShutdownFlushGrace: 5 * time.Second,

		DrainGrace:      30 * time.Second,
		ReadinessWindow: 30 * time.Second,

		MetricsEnabled: false,
		MetricsBackend: "prom",
	}
}
