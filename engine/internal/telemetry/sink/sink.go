// Package sink implements the non-blocking telemetry pipeline (spec
// §4.5 / C1): a bounded MPSC channel drained by a single background
// consumer that batches writes to an analytics store, retries with
// exponential backoff, and drops oldest on overflow rather than ever
// blocking a producer. Shape grounded on the teacher's resources
// manager checkpoint loop (batch-or-interval flush, best-effort
// persistence, graceful-shutdown drain window).
package sink

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// Store is the analytics-store boundary (spec §6): a batched append
// that may fail transiently.
type Store interface {
	AppendBatch(ctx context.Context, events []engmodels.TelemetryEvent) error
}

// Config holds the §4.5 tunables, all with the spec-mandated defaults.
type Config struct {
	BufferSize        int
	BatchSize         int
	FlushInterval     time.Duration
	MaxRetries        int
	RetryBase         time.Duration
	RetryFactor       float64
	RetryCap          time.Duration
	RetryJitter       float64 // fractional, e.g. 0.25 for +-25%
	ShutdownFlushGrace time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:         100_000,
		BatchSize:          1000,
		FlushInterval:      100 * time.Millisecond,
		MaxRetries:         5,
		RetryBase:          100 * time.Millisecond,
		RetryFactor:        2,
		RetryCap:           5 * time.Second,
		RetryJitter:        0.25,
		ShutdownFlushGrace: 5 * time.Second,
	}
}

// Sink is the bounded-buffer, batched-writer telemetry pipeline.
// Emit is the hot-path entry point and must never block; it is safe
// for concurrent use by many producers (the agent pool, the request
// processor).
type Sink struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	ch      chan engmodels.TelemetryEvent
	dropped atomic.Uint64

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Sink bound to store. It does not start draining
// until Start is called.
func New(cfg Config, store Store, logger *slog.Logger) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:    cfg,
		store:  store,
		logger: logger,
		ch:     make(chan engmodels.TelemetryEvent, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}
}

// Emit pushes ev onto the bounded channel. On a full buffer, the
// oldest queued event is dropped to make room (DropOldest, spec §4.5)
// rather than ever blocking the caller.
func (s *Sink) Emit(ev engmodels.TelemetryEvent) {
	if len(ev.RequestID) == 0 && ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: make room by discarding one queued event, then
	// retry the send. A single best-effort attempt; under sustained
	// overload this keeps Emit O(1) rather than looping.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the monotonically increasing count of events lost to
// buffer overflow (read by the engine's telemetry_sink health probe
// and its Snapshot).
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Start launches the single background consumer goroutine.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]engmodels.TelemetryEvent, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeWithRetry(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			s.drainFinal(batch)
			return
		case <-ctx.Done():
			s.drainFinal(batch)
			return
		}
	}
}

// drainFinal implements the shutdown flush (spec §4.6 step (e)): drain
// whatever remains in the channel plus the partial batch, within
// ShutdownFlushGrace.
func (s *Sink) drainFinal(batch []engmodels.TelemetryEvent) {
	deadline := time.Now().Add(s.cfg.ShutdownFlushGrace)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				s.writeWithRetry(ctx, batch)
				batch = batch[:0]
			}
		default:
			s.writeWithRetry(ctx, batch)
			return
		}
		if time.Now().After(deadline) {
			s.writeWithRetry(ctx, batch)
			return
		}
	}
}

// writeWithRetry appends batch to the store, retrying with exponential
// backoff (each wait jittered by +-RetryJitter) up to MaxRetries before
// discarding the batch
// and logging at error level (spec §4.5).
func (s *Sink) writeWithRetry(ctx context.Context, batch []engmodels.TelemetryEvent) {
	if len(batch) == 0 || s.store == nil {
		return
	}
	cp := make([]engmodels.TelemetryEvent, len(batch))
	copy(cp, batch)

	wait := s.cfg.RetryBase
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.store.AppendBatch(ctx, cp); err == nil {
			return
		} else if attempt == s.cfg.MaxRetries {
			s.logger.Error("telemetry sink: batch discarded after max retries", "batch_size", len(cp), "error", err)
			return
		}
		select {
		case <-time.After(jittered(wait, s.cfg.RetryJitter)):
		case <-ctx.Done():
			s.logger.Error("telemetry sink: batch discarded, context done mid-retry", "batch_size", len(cp))
			return
		}
		wait = time.Duration(float64(wait) * s.cfg.RetryFactor)
		if wait > s.cfg.RetryCap {
			wait = s.cfg.RetryCap
		}
	}
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

// Close stops the consumer goroutine and waits for it to finish its
// shutdown flush.
func (s *Sink) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
