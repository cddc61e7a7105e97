// Command bidserve runs the bid-serving core (engine.Engine) as a
// standalone process: it wires the agent pool to a durable queue (Kafka
// if configured, otherwise an in-process queue), optionally attaches a
// Redis L2 cache, loads an initial offer catalog, and serves /health,
// /ready, and /metrics over HTTP. Per spec, request ingestion itself is
// queue-driven, not HTTP: this binary is an operations surface, not a
// bidding API gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fenwickads/bidcore/engine"
	engmodels "github.com/fenwickads/bidcore/engine/models"
	telemetryhealth "github.com/fenwickads/bidcore/engine/telemetry/health"
)

func main() {
	var (
		addr            string
		catalogPath     string
		policyPath      string
		kafkaBrokers    string
		kafkaTopic      string
		kafkaDLQTopic   string
		kafkaGroup      string
		redisAddr       string
		metricsBackend  string
		showVersion     bool
	)

	flag.StringVar(&addr, "addr", ":8090", "HTTP listen address for /health, /ready, /metrics")
	flag.StringVar(&catalogPath, "catalog", "", "Path to a JSON file containing the initial candidate offer catalog")
	flag.StringVar(&policyPath, "policy-file", "", "Path to a YAML bid policy file, hot-reloaded on write")
	flag.StringVar(&kafkaBrokers, "kafka-brokers", "", "Comma-separated Kafka/Redpanda broker list (empty = in-process queue)")
	flag.StringVar(&kafkaTopic, "kafka-topic", "bid-requests", "Kafka topic to consume bid requests from")
	flag.StringVar(&kafkaDLQTopic, "kafka-dlq-topic", "bid-requests-dlq", "Kafka topic for exhausted-retry dead letters")
	flag.StringVar(&kafkaGroup, "kafka-group", "bidcore", "Kafka consumer group")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address for the L2 cache tier (empty = L1-only)")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom, otel, or noop")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("bidserve (bidcore engine) - development build")
		return
	}

	instanceID := uuid.NewString()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instance_id", instanceID)

	cfg := engine.Defaults()
	cfg.MetricsEnabled = true
	cfg.MetricsBackend = metricsBackend

	deps := engine.Deps{
		Scorer: engine.NewDeterministicScorer(),
		Logger: logger,
		Store:  engine.AppendFunc(stdoutAppendBatch),
	}

	if catalogPath != "" {
		offers, err := loadCatalog(catalogPath)
		if err != nil {
			logger.Error("load catalog", "error", err)
			os.Exit(1)
		}
		deps.InitialOffers = offers
		logger.Info("loaded catalog", "offers", len(offers))
	}

	if kafkaBrokers != "" {
		q, err := engine.NewKafkaQueue(engine.KafkaQueueConfig{
			Brokers:       splitCommaList(kafkaBrokers),
			Topic:         kafkaTopic,
			DLQTopic:      kafkaDLQTopic,
			ConsumerGroup: kafkaGroup,
		})
		if err != nil {
			logger.Error("connect kafka queue", "error", err)
			os.Exit(1)
		}
		deps.Queue = q
		logger.Info("using kafka queue", "brokers", kafkaBrokers, "topic", kafkaTopic)
	}

	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		deps.L2 = engine.NewRedisL2(client)
		logger.Info("using redis L2 cache", "addr", redisAddr)
	}

	var policyMgr *engine.BidPolicyManager
	var policyStop func() error
	if policyPath != "" {
		var err error
		policyMgr, policyStop, err = startPolicyReload(logger, policyPath)
		if err != nil {
			logger.Error("start policy reload", "error", err)
			os.Exit(1)
		}
		defer func() { _ = policyStop() }()
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		logger.Error("create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("start engine", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := eng.HealthSnapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snap.Overall == telemetryhealth.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !eng.Ready(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/policy", func(w http.ResponseWriter, r *http.Request) {
		if policyMgr == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(policyMgr.GetCurrentConfig())
	})
	if h := eng.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("serving ops endpoints", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := eng.Stop(); err != nil {
		logger.Error("engine stop", "error", err)
	}
	logger.Info("shutdown complete")
}

func loadCatalog(path string) ([]engmodels.CandidateOffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var offers []engmodels.CandidateOffer
	if err := json.Unmarshal(data, &offers); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	return offers, nil
}

// startPolicyReload loads the initial bid policy document and begins
// watching it for changes, logging every applied transition.
func startPolicyReload(logger *slog.Logger, path string) (*engine.BidPolicyManager, func() error, error) {
	mgr, err := engine.NewBidPolicyManager(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load initial policy: %w", err)
	}

	watcher, err := engine.NewBidPolicyWatcher(path)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	changes, errs := watcher.WatchConfigChanges(ctx)
	go func() {
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				if err := mgr.UpdateConfiguration(change.RuntimeBusinessConfig); err != nil {
					logger.Error("reject reloaded policy", "error", err)
					continue
				}
				logger.Info("applied hot-reloaded bid policy", "version", change.Version, "change_type", change.ChangeType)
			case err, ok := <-errs:
				if !ok {
					return
				}
				logger.Error("policy watch error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	stop := func() error {
		cancel()
		return watcher.StopWatching()
	}
	return mgr, stop, nil
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// stdoutAppendBatch persists telemetry events as JSON lines to stdout.
// A real deployment swaps this for a warehouse/analytics sink; it
// exists here so the CLI is runnable without external dependencies.
func stdoutAppendBatch(ctx context.Context, events []engmodels.TelemetryEvent) error {
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
