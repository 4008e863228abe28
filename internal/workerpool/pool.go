// Package workerpool is the bounded worker pool spec.md §5 calls for
// alongside the per-session and per-upstream-client goroutines: "a
// bounded worker pool for OAuth operations and vector searches." Both
// of those suspend on external I/O (HTTP to an authorization server,
// a Bleve query) and must not be allowed to spawn unboundedly when many
// downstream sessions hit `search_tools` or trigger OAuth concurrently.
// Grounded on the teacher's internal/runtime/supervisor/actor package's
// run-loop shape (a dedicated goroutine draining a buffered channel
// under a cancellable context), generalized from one actor per upstream
// server into N fixed workers draining one shared task queue.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to the pool. It receives the pool's
// lifetime context, which is cancelled when Stop is called.
type Task func(ctx context.Context)

// Pool runs submitted tasks on a fixed number of worker goroutines.
type Pool struct {
	tasks  chan Task
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a pool with the given number of workers and task queue
// depth. workers and queueDepth are both clamped to at least 1.
func New(workers, queueDepth int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queueDepth),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.safeRun(task)
		}
	}
}

func (p *Pool) safeRun(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("workerpool: task panicked", zap.Any("panic", r))
		}
	}()
	task(p.ctx)
}

// Submit enqueues task, blocking until a slot is free or ctx/the pool's
// own lifetime ends. Returns ctx.Err() or the pool's shutdown error if
// the task could not be enqueued.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Stop cancels every in-flight task's context and waits for all workers
// to exit. Queued-but-unstarted tasks are dropped.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// RunBounded submits fn to pool and blocks for its result, bounding
// concurrent execution of the I/O-heavy calls spec.md §5 singles out
// (OAuth token exchanges, vector searches) behind the pool's worker
// count instead of letting each caller spawn its own goroutine. A nil
// pool runs fn inline, so callers that construct a Dispatcher or
// Coordinator without one (e.g. in tests) still work.
func RunBounded[T any](ctx context.Context, pool *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	if pool == nil {
		return fn(ctx)
	}

	type result struct {
		val T
		err error
	}
	resCh := make(chan result, 1)
	err := pool.Submit(ctx, func(taskCtx context.Context) {
		val, err := fn(taskCtx)
		resCh <- result{val, err}
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case res := <-resCh:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
