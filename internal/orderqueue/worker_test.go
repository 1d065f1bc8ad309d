package orderqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dexroute/swapd/pkg/models"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestWorkerPoolProcessesSubmittedJobs(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	pool := NewWorkerPool(q, func(ctx context.Context, job Job) error {
		mu.Lock()
		seen[job.Order.OrderID]++
		mu.Unlock()
		return nil
	}, WorkerPoolConfig{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Submit(ctx, queueOrder(models.NewOrderID())))
	}

	pool.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return q.Depth() == 0 })
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "order %s processed more than once", id)
	}
}

func TestWorkerPoolRetriesUntilSuccess(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond})
	ctx := context.Background()

	var calls int32
	pool := NewWorkerPool(q, func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient venue error")
		}
		return nil
	}, WorkerPoolConfig{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	require.NoError(t, q.Submit(ctx, queueOrder("ord_retry")))

	pool.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return q.Depth() == 0 })
	pool.Stop()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "recovered job must not be dead-lettered")
}

func TestWorkerPoolDeadLettersAfterExhaustion(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 2, BackoffBase: 5 * time.Millisecond})
	ctx := context.Background()

	var calls int32
	pool := NewWorkerPool(q, func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("permanent failure")
	}, WorkerPoolConfig{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	require.NoError(t, q.Submit(ctx, queueOrder("ord_dead")))

	pool.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return q.Depth() == 0 })
	pool.Stop()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "ord_dead", dead[0].Job.Order.OrderID)
	assert.Equal(t, "permanent failure", dead[0].Reason)
}

func TestWorkerPoolHonorsConcurrencyBound(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	var running, peak int32
	pool := NewWorkerPool(q, func(ctx context.Context, job Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}, WorkerPoolConfig{Concurrency: 2, PollInterval: time.Millisecond}, zap.NewNop())

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Submit(ctx, queueOrder(models.NewOrderID())))
	}

	pool.Start(ctx)
	waitFor(t, 5*time.Second, func() bool { return q.Depth() == 0 })
	pool.Stop()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2), "jobs should overlap up to the bound")
}

func TestWorkerPoolStopWaitsForInFlightJobs(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	var done int32
	pool := NewWorkerPool(q, func(ctx context.Context, job Job) error {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		return nil
	}, WorkerPoolConfig{PollInterval: time.Millisecond}, zap.NewNop())

	require.NoError(t, q.Submit(ctx, queueOrder("ord_slow")))

	pool.Start(ctx)
	waitFor(t, time.Second, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.inflight) == 1
	})
	pool.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&done), "Stop returned before the job finished")
}

func TestRateLimiterRefills(t *testing.T) {
	// 600/minute = 10 tokens a second
	rl := NewRateLimiter(600)

	for i := 0; i < 600; i++ {
		require.True(t, rl.TryAcquire())
	}
	assert.False(t, rl.TryAcquire(), "bucket exhausted")
	assert.Greater(t, rl.NextIn(), time.Duration(0))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, rl.TryAcquire(), "tokens refill over time")
}

func TestWorkerPoolRateLimitThrottlesStarts(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	var calls int32
	pool := NewWorkerPool(q, func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, WorkerPoolConfig{RateLimitPerMinute: 60, PollInterval: time.Millisecond}, zap.NewNop())

	// 60/minute is one start a second: the initial full bucket drains fast,
	// then starts trickle. With a burst larger than the bucket, not all jobs
	// can start immediately.
	for i := 0; i < 65; i++ {
		require.NoError(t, q.Submit(ctx, queueOrder(models.NewOrderID())))
	}

	pool.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	started := atomic.LoadInt32(&calls)
	pool.Stop()

	assert.LessOrEqual(t, started, int32(61), "starts must not exceed the bucket")
	assert.GreaterOrEqual(t, started, int32(50), "bucket burst should drain promptly")
}
