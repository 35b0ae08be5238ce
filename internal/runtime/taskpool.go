package runtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolSaturated is returned by Submit when the queue is full.
var ErrPoolSaturated = errors.New("runtime: task pool queue is full")

// Pool is a bounded worker pool for blocking and CPU-bound work: query
// translation, result formatting, and the execution kicked off by inbound
// queries. Dispatching through it keeps that work off the HTTP handler
// goroutines so inbox handling never queues behind a slow model call.
type Pool struct {
	queue   chan func()
	workers int
	logger  *zap.Logger
}

// NewPool creates a Pool with the given number of workers and queue
// capacity. Call Run to start the workers.
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   make(chan func(), queueSize),
		workers: workers,
		logger:  logger.Named("taskpool"),
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs already
// picked up run to completion; queued jobs are dropped on shutdown.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.workers)

	for i := 0; i < p.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.queue:
					job()
				}
			}
		}()
	}

	wg.Wait()
	p.logger.Info("task pool stopped")
}

// Submit enqueues a job for execution. Returns ErrPoolSaturated when the
// queue is full — callers surface that as a service-busy condition rather
// than blocking the handler.
func (p *Pool) Submit(job func()) error {
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrPoolSaturated
	}
}
