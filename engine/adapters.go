package engine

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/fenwickads/bidcore/engine/internal/cache"
	"github.com/fenwickads/bidcore/engine/internal/queue"
	"github.com/fenwickads/bidcore/engine/internal/runtime"
	"github.com/fenwickads/bidcore/engine/internal/scorer"
	"github.com/fenwickads/bidcore/engine/internal/telemetry/sink"
	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// These wrappers let a caller outside the module assemble a Deps value
// using only the public engine package, without reaching into
// engine/internal/* directly, which the architecture forbids.

// KafkaQueueConfig configures the franz-go-backed durable queue adapter.
type KafkaQueueConfig struct {
	Brokers       []string
	Topic         string
	DLQTopic      string
	ConsumerGroup string
}

// NewKafkaQueue dials brokers and subscribes to cfg.Topic under
// cfg.ConsumerGroup, returning a Deps.Queue-compatible value.
func NewKafkaQueue(cfg KafkaQueueConfig) (queue.Queue, error) {
	return queue.NewKafkaQueue(queue.KafkaConfig{
		Brokers:       cfg.Brokers,
		Topic:         cfg.Topic,
		DLQTopic:      cfg.DLQTopic,
		ConsumerGroup: cfg.ConsumerGroup,
	})
}

// NewRedisL2 wraps an existing *redis.Client as a Deps.L2-compatible
// value. The caller owns the client's lifecycle.
func NewRedisL2(client *redis.Client) cache.L2 {
	return cache.NewRedisL2(client)
}

// NewDeterministicScorer returns a Deps.Scorer-compatible placeholder
// scorer useful for local runs without a real inference backend: each
// offer's score is a squashed sum of its feature row.
func NewDeterministicScorer() interface {
	Score(ctx context.Context, batch [][]float32) ([]float32, error)
} {
	return scorer.NewDeterministicMock()
}

// AppendFunc adapts a plain function to Deps.Store, so a caller can
// plug in a trivial sink (stdout, a log file) without importing the
// internal sink package to satisfy the Store interface.
type AppendFunc func(ctx context.Context, events []engmodels.TelemetryEvent) error

func (f AppendFunc) AppendBatch(ctx context.Context, events []engmodels.TelemetryEvent) error {
	return f(ctx, events)
}

var _ sink.Store = AppendFunc(nil)

// Bid policy hot-reload (SPEC_FULL.md §11): these aliases and
// constructors let a caller manage the live floor/pacing policy
// document without importing engine/internal/runtime directly.
type (
	BidPolicyManager       = runtime.RuntimeConfigManager
	BidPolicyWatcher       = runtime.HotReloadSystem
	BidPolicyChange        = runtime.ConfigChange
	BidPolicyDocument      = runtime.RuntimeBusinessConfig
	BidPolicy              = runtime.BidPolicy
	GlobalBidPolicy        = runtime.GlobalBidPolicy
	CampaignPolicyOverride = runtime.CampaignPolicyOverride
)

// NewBidPolicyManager loads (or initializes) the bid policy document at path.
func NewBidPolicyManager(path string) (*BidPolicyManager, error) {
	mgr, err := runtime.NewRuntimeConfigManager(path)
	if err != nil {
		return nil, err
	}
	if err := mgr.LoadConfiguration(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// NewBidPolicyWatcher watches path's directory for writes and streams
// parsed BidPolicyChange values until ctx is cancelled or StopWatching is
// called.
func NewBidPolicyWatcher(path string) (*BidPolicyWatcher, error) {
	return runtime.NewHotReloadSystem(path)
}
