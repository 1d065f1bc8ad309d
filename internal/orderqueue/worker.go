package orderqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProcessFunc runs one job attempt. A returned error sends the job back to
// the queue for retry bookkeeping.
type ProcessFunc func(ctx context.Context, job Job) error

// WorkerPoolConfig bounds the pool.
type WorkerPoolConfig struct {
	Concurrency        int
	RateLimitPerMinute int
	PollInterval       time.Duration
}

// WorkerPool pulls ready jobs from the queue and runs them concurrently up
// to the configured bound. Job starts are additionally throttled by the
// global rate limit. Within one job the pipeline stages run sequentially;
// across jobs everything is concurrent.
type WorkerPool struct {
	queue   *BadgerQueue
	process ProcessFunc
	cfg     WorkerPoolConfig
	limiter *RateLimiter
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorkerPool creates a pool over the queue. Zero config values get
// defaults (concurrency 10, 100 starts/minute, 50ms poll).
func NewWorkerPool(queue *BadgerQueue, process ProcessFunc, cfg WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 100
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &WorkerPool{
		queue:   queue,
		process: process,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimitPerMinute),
		logger:  logger.Named("workerpool"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the dispatcher. It returns immediately; job processing
// continues until Stop or context cancellation.
func (w *WorkerPool) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.dispatch(ctx)
	w.logger.Info("worker pool started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("rate_limit_per_minute", w.cfg.RateLimitPerMinute))
}

// Stop halts dispatching and waits for in-flight jobs to finish.
func (w *WorkerPool) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.logger.Info("worker pool stopped")
}

func (w *WorkerPool) dispatch(ctx context.Context) {
	defer w.wg.Done()

	sem := make(chan struct{}, w.cfg.Concurrency)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}

		// drain everything ready, bounded by concurrency and rate
		for {
			if w.limiter.NextIn() > 0 {
				break
			}
			job, ok, err := w.queue.Claim(ctx)
			if err != nil {
				w.logger.Error("claim failed", zap.Error(err))
				break
			}
			if !ok {
				break
			}
			// single dispatcher, so the token checked above is still there
			w.limiter.TryAcquire()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}

			w.wg.Add(1)
			go func(job Job) {
				defer w.wg.Done()
				defer func() { <-sem }()
				w.run(ctx, job)
			}(job)
		}
	}
}

func (w *WorkerPool) run(ctx context.Context, job Job) {
	w.logger.Info("processing job",
		zap.String("job_id", job.ID),
		zap.String("order_id", job.Order.OrderID),
		zap.Int("attempt", job.Attempt+1))

	if err := w.process(ctx, job); err != nil {
		if _, failErr := w.queue.Fail(ctx, job, err); failErr != nil {
			w.logger.Error("recording job failure failed",
				zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		w.logger.Error("acknowledging job failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}
