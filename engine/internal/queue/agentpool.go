package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

// Processor is the boundary the agent pool dispatches decoded requests
// to (engine/internal/processor.Processor satisfies this).
type Processor interface {
	Process(ctx context.Context, req *engmodels.BidRequest) (*engmodels.BidResponse, error)
}

// Decoder turns raw message bytes into a BidRequest.
type Decoder func(payload []byte) (*engmodels.BidRequest, error)

// Config holds the agent pool tunables from spec §4.1.
type Config struct {
	Workers         int // N, default 20
	PullBatchSize   int // P, default 1
	MaxDeliver      int // default 3
	GlobalTmaxCapMS int
	ArrivalJitter   time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{Workers: 20, PullBatchSize: 1, MaxDeliver: 3, GlobalTmaxCapMS: 200}
}

// Pool is the fixed-worker agent pool (spec §4.1): each worker owns a
// pull loop against Queue and a back-pressured handoff into Processor.
// Shape grounded on the teacher's pipeline discovery/extraction worker
// loops (fixed worker count, context-cancelled channel receive,
// WaitGroup-tracked shutdown).
type Pool struct {
	cfg       Config
	q         Queue
	processor Processor
	decode    Decoder
	logger    *slog.Logger

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopped  chan struct{}
	started  bool
	mu       sync.Mutex
}

// New constructs a Pool. It does not start pulling until Start is
// called.
func New(cfg Config, q Queue, processor Processor, decode Decoder, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	if cfg.PullBatchSize <= 0 {
		cfg.PullBatchSize = 1
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, q: q, processor: processor, decode: decode, logger: logger, stopped: make(chan struct{})}
}

// Start spawns cfg.Workers worker goroutines. Idempotent: a second call
// on an already-started Pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(runCtx)
	}
}

// Stop signals workers to stop pulling new messages and waits for
// in-flight dispatches to complete (spec §4.6 shutdown step (b)).
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	close(p.stopped)
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.q.Pull(ctx, p.cfg.PullBatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("agent pool: pull failed", "error", err)
			continue
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		for _, m := range msgs {
			p.handle(ctx, m)
		}
	}
}

// handle decodes and dispatches one message, never letting a panic
// escape to kill the worker (spec §7): it is caught, logged, and the
// message nacked.
func (p *Pool) handle(ctx context.Context, m Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("agent pool: recovered panic processing message", "id", m.ID, "panic", r)
			_ = p.q.Nack(context.Background(), m.ID, 0)
		}
	}()

	req, err := p.decode(m.Payload)
	if err != nil {
		// Malformed request: permanent, so the message is acked with no
		// retry. The pool has no telemetry sink, so no NoBid event is
		// emitted for it (nor for any other permanent error below).
		_ = p.q.Ack(ctx, m.ID)
		return
	}

	deadlineMS := req.TmaxMS
	if p.cfg.GlobalTmaxCapMS > 0 && deadlineMS > p.cfg.GlobalTmaxCapMS {
		deadlineMS = p.cfg.GlobalTmaxCapMS
	}
	budget := time.Duration(deadlineMS)*time.Millisecond - p.cfg.ArrivalJitter
	if budget < 0 {
		budget = 0
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	_, procErr := p.processor.Process(dispatchCtx, req)
	if procErr == nil {
		_ = p.q.Ack(ctx, m.ID)
		return
	}

	var classified *engmodels.ClassifiedError
	if !errors.As(procErr, &classified) {
		classified = engmodels.NewClassifiedError(engmodels.KindInternal, procErr)
	}

	if !classified.Kind.Transient() {
		_ = p.q.Ack(ctx, m.ID)
		return
	}

	if m.DeliveryCount >= p.cfg.MaxDeliver {
		_ = p.q.Dlq(ctx, m.ID, classified.Error())
		return
	}
	_ = p.q.Nack(ctx, m.ID, 0)
}
