package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/portside-dev/portside/queue"
)

// dequeueWait bounds each blocking pop so workers notice shutdown
// promptly.
const dequeueWait = 5 * time.Second

// reapInterval is how often the pool sweeps for jobs whose worker died
// mid-run.
const reapInterval = 30 * time.Second

// Pool runs a fixed set of workers draining the deployment queue.
type Pool struct {
	executor *Executor
	queue    *queue.Queue
	workers  int
	logger   *slog.Logger
}

func NewPool(executor *Executor, q *queue.Queue, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{executor: executor, queue: q, workers: workers, logger: logger}
}

// Run blocks until ctx is cancelled and every worker has finished its
// in-flight job.
func (pool *Pool) Run(ctx context.Context) {
	pool.logger.Info("worker pool starting", "workers", pool.workers)

	var wg sync.WaitGroup
	for i := 0; i < pool.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.work(ctx, workerID)
		}(i)
	}

	// One reaper per pool: jobs a crashed worker never acked come back
	// onto the queue once their processing deadline lapses.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.reap(ctx)
	}()

	wg.Wait()
	pool.logger.Info("worker pool stopped")
}

func (pool *Pool) work(ctx context.Context, workerID int) {
	logger := pool.logger.With("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := pool.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue // queue idle
		}

		logger.Info("job started", "deployment_id", job.DeploymentID)
		started := time.Now()

		// Each job gets its own deadline so one wedged build cannot hold
		// a worker forever.
		jobCtx, cancel := context.WithTimeout(context.Background(), queue.JobTimeout)
		result := pool.executor.Execute(jobCtx, job)
		cancel()

		if err := pool.queue.StoreResult(ctx, result); err != nil {
			logger.Warn("store job result", "deployment_id", job.DeploymentID, "error", err)
		}
		if err := pool.queue.Ack(ctx, job); err != nil {
			logger.Warn("ack job", "deployment_id", job.DeploymentID, "error", err)
		}
		logger.Info("job finished",
			"deployment_id", job.DeploymentID,
			"success", result.Success,
			"duration", time.Since(started).Round(time.Millisecond))
	}
}

func (pool *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		requeued, err := pool.queue.RequeueStale(ctx)
		if err != nil {
			pool.logger.Warn("requeue stale jobs", "error", err)
			continue
		}
		if requeued > 0 {
			pool.logger.Info("requeued stale jobs", "count", requeued)
		}
	}
}
