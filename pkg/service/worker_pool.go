package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Job is one unit of work handed to the pool.
type Job func(ctx context.Context)

type queuedJob struct {
	name string
	ctx  context.Context
	fn   Job
}

// WorkerPool runs jobs on a fixed number of goroutines. A panicking job is
// logged and does not take its worker down.
type WorkerPool struct {
	workers int
	logger  Logger
	jobs    chan queuedJob
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

func NewWorkerPool(workers int, logger Logger) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &WorkerPool{workers: workers, logger: logger}
}

func (wp *WorkerPool) Workers() int { return wp.workers }

// Start begins the worker pool with the configured number of workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true
	wp.jobs = make(chan queuedJob, wp.workers)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Submit queues fn. It blocks while all workers are busy and gives up when
// ctx is cancelled first.
func (wp *WorkerPool) Submit(ctx context.Context, name string, fn Job) error {
	wp.mu.Lock()
	if !wp.started || wp.stopped {
		wp.mu.Unlock()
		return errors.New("worker pool is not running")
	}
	jobs := wp.jobs
	wp.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case jobs <- queuedJob{name: name, ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully stops the worker pool, waiting for queued jobs to finish.
// Submit must not be called concurrently with Stop.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started || wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job queuedJob) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Job %s panicked: %v", job.name, fmt.Sprint(r))
		}
	}()
	job.fn(job.ctx)
}
