package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeSkipsBucketPrunedUnderIt(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	now := time.Now()

	stale := w.bucket("k")
	require.Equal(t, 1, w.Prune(now))
	assert.True(t, stale.dead)

	d, err := w.Take(ctx, "k", 1, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = w.Take(ctx, "k", 1, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	assert.NotSame(t, stale, w.buckets["k"])
	assert.Empty(t, stale.stamps)
}

func TestPruneDuringTakeNeverOverAdmits(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	now := time.Now()
	const keys = 500

	stop := make(chan struct{})
	var pruner sync.WaitGroup
	pruner.Add(1)
	go func() {
		defer pruner.Done()
		for {
			select {
			case <-stop:
				return
			default:
				w.Prune(now)
			}
		}
	}()

	admitted := make([]atomic.Int32, keys)
	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("owner-%d", i)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d, err := w.Take(ctx, key, 1, time.Hour, now)
				if err == nil && d.Allowed {
					admitted[i].Add(1)
				}
			}(i)
		}
	}
	wg.Wait()
	close(stop)
	pruner.Wait()

	for i := range admitted {
		assert.EqualValues(t, 1, admitted[i].Load(), "key %d", i)
	}
}
