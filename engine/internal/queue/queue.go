// Package queue implements the upstream request queue boundary (spec
// §6) and the agent pool that pulls from it (spec §4.1). The agent
// pool's fixed-worker, WaitGroup-drained, channel-backed shape is
// grounded on the teacher's engine/internal/pipeline.Pipeline worker
// stages (discoveryWorker/extractionWorker), generalized from a
// four-stage crawl pipeline down to the single pull-decode-dispatch
// loop the spec calls for.
package queue

import (
	"context"
	"time"
)

// Message is one opaque unit of work pulled from the queue: the
// encoded BidRequest bytes plus delivery bookkeeping.
type Message struct {
	ID            string
	Payload       []byte
	DeliveryCount int
}

// Queue is the injected upstream dependency (spec §6). Exactly-once
// delivery is not required; ack/nack/dlq must be idempotent.
type Queue interface {
	Pull(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string, redeliverAfter time.Duration) error
	Dlq(ctx context.Context, id string, reason string) error
	Close() error
}
