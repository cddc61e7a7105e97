package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

type fakeProcessor struct {
	fn func(ctx context.Context, req *engmodels.BidRequest) (*engmodels.BidResponse, error)
}

func (f *fakeProcessor) Process(ctx context.Context, req *engmodels.BidRequest) (*engmodels.BidResponse, error) {
	return f.fn(ctx, req)
}

func jsonDecode(payload []byte) (*engmodels.BidRequest, error) {
	var req engmodels.BidRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func encodeReq(req engmodels.BidRequest) []byte {
	b, _ := json.Marshal(req)
	return b
}

func TestAgentPoolAcksOnSuccess(t *testing.T) {
	q := NewInMemoryQueue(10)
	req := engmodels.BidRequest{RequestID: "r1", TmaxMS: 50, Impressions: []engmodels.Impression{{ID: "i1"}}}
	id, err := q.Publish(encodeReq(req))
	require.NoError(t, err)

	proc := &fakeProcessor{fn: func(ctx context.Context, req *engmodels.BidRequest) (*engmodels.BidResponse, error) {
		return &engmodels.BidResponse{RequestID: req.RequestID}, nil
	}}
	cfg := DefaultConfig()
	cfg.Workers = 2
	pool := New(cfg, q, proc, jsonDecode, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, inFlight := q.inFlight[id]
		return !inFlight
	}, time.Second, time.Millisecond)
}

func TestAgentPoolNacksTransientUpToMaxDeliverThenDlq(t *testing.T) {
	q := NewInMemoryQueue(10)
	req := engmodels.BidRequest{RequestID: "r2", TmaxMS: 50, Impressions: []engmodels.Impression{{ID: "i1"}}}
	_, err := q.Publish(encodeReq(req))
	require.NoError(t, err)

	proc := &fakeProcessor{fn: func(ctx context.Context, req *engmodels.BidRequest) (*engmodels.BidResponse, error) {
		return nil, engmodels.NewClassifiedError(engmodels.KindScorerTransient, errors.New("scorer down"))
	}}
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxDeliver = 2
	pool := New(cfg, q, proc, jsonDecode, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(q.DLQSnapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgentPoolAcksPermanentErrorWithoutRetry(t *testing.T) {
	q := NewInMemoryQueue(10)
	req := engmodels.BidRequest{RequestID: "r3", TmaxMS: 50, Impressions: []engmodels.Impression{{ID: "i1"}}}
	id, err := q.Publish(encodeReq(req))
	require.NoError(t, err)

	proc := &fakeProcessor{fn: func(ctx context.Context, req *engmodels.BidRequest) (*engmodels.BidResponse, error) {
		return nil, engmodels.NewClassifiedError(engmodels.KindPolicyRejected, errors.New("rejected"))
	}}
	cfg := DefaultConfig()
	cfg.Workers = 1
	pool := New(cfg, q, proc, jsonDecode, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		_, inFlight := q.inFlight[id]
		return !inFlight
	}, time.Second, time.Millisecond)
	require.Empty(t, q.DLQSnapshot())
}
