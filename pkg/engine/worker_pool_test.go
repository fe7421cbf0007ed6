package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umpire-3/workflow-api/internal/log"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	pool := NewWorkerPool(4, log.GetLogger())
	pool.Start()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func() {
			defer wg.Done()
			atomic.AddInt64(&counter, 1)
		})
		require.NoError(t, err)
	}
	wg.Wait()
	pool.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&counter))
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size, log.GetLogger())
	pool.Start()
	defer pool.Stop()

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func() {
			defer wg.Done()
			now := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(size))
	assert.Positive(t, atomic.LoadInt64(&peak))
}

func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1, log.GetLogger())
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)

	// Occupy the single worker, then fill the queue.
	require.NoError(t, pool.Submit(context.Background(), func() { <-release }))
	require.NoError(t, pool.Submit(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPoolStopWaitsForInFlight(t *testing.T) {
	pool := NewWorkerPool(2, log.GetLogger())
	pool.Start()

	var finished int64
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), func() {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&finished, 1)
		}))
	}
	pool.Stop()

	assert.Equal(t, int64(4), atomic.LoadInt64(&finished))
}

func TestWorkerPoolDefaultSize(t *testing.T) {
	pool := NewWorkerPool(0, log.GetLogger())
	assert.Positive(t, pool.Size())
}
