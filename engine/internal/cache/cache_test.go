package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	engmodels "github.com/fenwickads/bidcore/engine/models"
)

func fp(b byte) engmodels.Fingerprint {
	var f engmodels.Fingerprint
	f[0] = b
	return f
}

func TestGetOrComputeMissThenHit(t *testing.T) {
	c := New(DefaultConfig(), nil)
	var calls int32

	compute := func(ctx context.Context) (engmodels.CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		return engmodels.CacheEntry{Offers: []engmodels.ScoredOffer{{OfferID: "a", Score: 0.9, ExpiryNS: time.Now().Add(time.Minute).UnixNano()}}}, nil
	}

	f := fp(1)
	entry, err := c.GetOrCompute(context.Background(), f, compute)
	require.NoError(t, err)
	require.Len(t, entry.Offers, 1)
	require.EqualValues(t, 1, calls)

	entry2, err := c.GetOrCompute(context.Background(), f, compute)
	require.NoError(t, err)
	require.Equal(t, entry, entry2)
	require.EqualValues(t, 1, calls, "second call should be an L1 hit, not recompute")
}

func TestGetOrComputeSingleFlightCoalesces(t *testing.T) {
	c := New(DefaultConfig(), nil)
	var calls int32
	release := make(chan struct{})

	compute := func(ctx context.Context) (engmodels.CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return engmodels.CacheEntry{Offers: []engmodels.ScoredOffer{{OfferID: "a", ExpiryNS: time.Now().Add(time.Minute).UnixNano()}}}, nil
	}

	f := fp(2)
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := c.GetOrCompute(context.Background(), f, compute)
			require.NoError(t, err)
			done <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	for i := 0; i < 8; i++ {
		<-done
	}
	require.EqualValues(t, 1, calls, "8 identical-fingerprint callers should share one compute")
}

func TestGetOrComputeDeadlineExceeded(t *testing.T) {
	c := New(DefaultConfig(), nil)
	release := make(chan struct{})
	compute := func(ctx context.Context) (engmodels.CacheEntry, error) {
		<-release
		return engmodels.CacheEntry{}, nil
	}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.GetOrCompute(ctx, fp(3), compute)
	require.ErrorIs(t, err, engmodels.ErrDeadlineExceeded)
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	c := New(DefaultConfig(), nil)
	wantErr := errors.New("boom")
	_, err := c.GetOrCompute(context.Background(), fp(4), func(ctx context.Context) (engmodels.CacheEntry, error) {
		return engmodels.CacheEntry{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestClearL1WipesAllShards(t *testing.T) {
	c := New(DefaultConfig(), nil)
	f := fp(5)
	_, err := c.GetOrCompute(context.Background(), f, func(ctx context.Context) (engmodels.CacheEntry, error) {
		return engmodels.CacheEntry{Offers: []engmodels.ScoredOffer{{OfferID: "a", ExpiryNS: time.Now().Add(time.Minute).UnixNano()}}}, nil
	})
	require.NoError(t, err)

	c.ClearL1()

	var calls int32
	_, err = c.GetOrCompute(context.Background(), f, func(ctx context.Context) (engmodels.CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		return engmodels.CacheEntry{Offers: []engmodels.ScoredOffer{{OfferID: "a", ExpiryNS: time.Now().Add(time.Minute).UnixNano()}}}, nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls, "post-clear lookup must recompute")
}
