package rules

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pool runs threaded handlers on a bounded set of workers. Submission
// applies backpressure: when every slot is busy the submitting
// goroutine waits, which bounds the number of in-flight handlers
// instead of spawning one goroutine per invocation. Shutdown cancels
// the context handed to running tasks.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewPool creates a pool with size worker slots.
func NewPool(size int64, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(size),
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

// Submit schedules task on a worker, blocking while the pool is full.
// It reports false when the pool has been shut down.
func (p *Pool) Submit(name string, task func(ctx context.Context)) bool {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.log.Debug("worker pool rejecting task", zap.String("handler", name))
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		task(p.ctx)
	}()
	return true
}

// Shutdown cancels running tasks and waits for them to return, up to
// ctx's deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
