// Package batcher implements the inference batcher (spec §4.3):
// coalescing many per-request scoring calls into size- and
// latency-bounded batches, with a hard cap on concurrent in-flight
// batches. The concurrency cap follows the same golang.org/x/sync/
// semaphore.Weighted pattern used by the OpenTelemetry Collector's
// concurrent batch processor for its max_concurrency setting.
package batcher

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	engmodels "github.com/fenwickads/bidcore/engine/models"
	"github.com/fenwickads/bidcore/engine/internal/scorer"
)

// Config holds the tunables from spec §4.3, all with the stated
// defaults.
type Config struct {
	MaxBatch            int
	MaxLinger           time.Duration
	MaxInflightBatches  int64
	FlushSafetyMargin   time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatch:           16,
		MaxLinger:          500 * time.Microsecond,
		MaxInflightBatches: 4,
		FlushSafetyMargin:  300 * time.Microsecond,
	}
}

// Batcher coalesces BatchTickets into flushed groups scored by a single
// Scorer call per group. Each ticket is resolved exactly once.
type Batcher struct {
	cfg    Config
	sc     scorer.Scorer
	sem    *semaphore.Weighted

	mu      sync.Mutex
	pending *list.List // of *engmodels.BatchTicket
	timer   *time.Timer
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Batcher bound to sc. The batcher owns no background
// goroutine until the first ticket is submitted; its flush timer is
// created lazily and reset as the pending queue changes.
func New(cfg Config, sc scorer.Scorer) *Batcher {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 16
	}
	if cfg.MaxInflightBatches <= 0 {
		cfg.MaxInflightBatches = 4
	}
	b := &Batcher{
		cfg:     cfg,
		sc:      sc,
		sem:     semaphore.NewWeighted(cfg.MaxInflightBatches),
		pending: list.New(),
		closeCh: make(chan struct{}),
	}
	return b
}

// Close stops accepting new tickets and fails any still pending.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	pending := b.drainLocked()
	close(b.closeCh)
	b.mu.Unlock()

	for _, t := range pending {
		resolve(t, nil, engmodels.ErrBatcherClosed)
	}
	b.wg.Wait()
}

// Submit enqueues ticket and returns once it has been queued (not once
// it has been scored — the caller waits on ticket.ResultCh for that).
// It returns ErrBatcherClosed at once if the batcher has been closed.
// It blocks only when this ticket fills a batch and every in-flight
// batch slot (MaxInflightBatches) is taken.
func (b *Batcher) Submit(ctx context.Context, ticket *engmodels.BatchTicket) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return engmodels.ErrBatcherClosed
	}
	if ticket.EnqueuedAt.IsZero() {
		ticket.EnqueuedAt = time.Now()
	}
	b.pending.PushBack(ticket)
	shouldFlushNow := b.pending.Len() >= b.cfg.MaxBatch
	b.rescheduleLocked()
	var toFlush []*engmodels.BatchTicket
	if shouldFlushNow {
		toFlush = b.drainLocked()
	}
	b.mu.Unlock()

	if len(toFlush) > 0 {
		b.dispatch(toFlush)
	}
	return nil
}

// rescheduleLocked recomputes the single flush timer as the minimum of
// "oldest ticket has waited MAX_LINGER" and "earliest ticket deadline
// is within FLUSH_SAFETY_MARGIN", per the three flush rules in §4.3.
// Caller holds b.mu.
func (b *Batcher) rescheduleLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.pending.Len() == 0 {
		return
	}
	now := time.Now()
	oldest := b.pending.Front().Value.(*engmodels.BatchTicket)
	lingerDeadline := oldest.EnqueuedAt.Add(b.cfg.MaxLinger)
	earliest := lingerDeadline
	for e := b.pending.Front(); e != nil; e = e.Next() {
		t := e.Value.(*engmodels.BatchTicket)
		forceAt := t.Deadline.Add(-b.cfg.FlushSafetyMargin)
		if forceAt.Before(earliest) {
			earliest = forceAt
		}
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	b.timer = time.AfterFunc(wait, b.onTimerFire)
}


func (b *Batcher) onTimerFire() {
	b.mu.Lock()
	if b.closed || b.pending.Len() == 0 {
		b.mu.Unlock()
		return
	}
	toFlush := b.drainLocked()
	b.mu.Unlock()
	if len(toFlush) > 0 {
		b.dispatch(toFlush)
	}
}

// drainLocked removes up to MaxBatch tickets from the pending queue and
// returns them in FIFO order. Caller holds b.mu.
func (b *Batcher) drainLocked() []*engmodels.BatchTicket {
	n := b.pending.Len()
	if n == 0 {
		return nil
	}
	if n > b.cfg.MaxBatch {
		n = b.cfg.MaxBatch
	}
	out := make([]*engmodels.BatchTicket, 0, n)
	for i := 0; i < n; i++ {
		front := b.pending.Front()
		out = append(out, front.Value.(*engmodels.BatchTicket))
		b.pending.Remove(front)
	}
	return out
}

// dispatch acquires an in-flight batch slot (suspending cooperatively
// if MAX_INFLIGHT_BATCHES is saturated, per §5's backpressure rule)
// then scores the batch and resolves every ticket exactly once.
func (b *Batcher) dispatch(tickets []*engmodels.BatchTicket) {
	if err := b.sem.Acquire(context.Background(), 1); err != nil {
		for _, t := range tickets {
			resolve(t, nil, err)
		}
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)

		// Concatenate every ticket's rows into one N x F block so a
		// single scorer call covers the whole flushed group, then
		// split the result back out per ticket in arrival order.
		var batch [][]float32
		offsets := make([]int, len(tickets)+1)
		for i, t := range tickets {
			batch = append(batch, t.Rows...)
			offsets[i+1] = offsets[i] + len(t.Rows)
		}

		ctx := context.Background()
		scores, err := b.sc.Score(ctx, batch)
		if err == nil {
			err = scorer.ValidateOutput(batch, scores)
		}
		if err != nil {
			for _, t := range tickets {
				resolve(t, nil, err)
			}
			return
		}
		for i, t := range tickets {
			resolve(t, scores[offsets[i]:offsets[i+1]], nil)
		}
	}()
}

func resolve(t *engmodels.BatchTicket, scores []float32, err error) {
	select {
	case t.ResultCh <- engmodels.BatchResult{Scores: scores, Err: err}:
	default:
	}
}
