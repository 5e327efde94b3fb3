// Package background runs best-effort cache fills off the request path.
package background

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds concurrent fills when no size is configured.
const DefaultWorkers = 16

// Pool runs tasks on a bounded set of goroutines. Go never blocks: a task
// that cannot be scheduled because every worker is busy, or because the pool
// is closed, is dropped and counted. A dropped fill is redone by the next
// request that misses the tier.
type Pool struct {
	logger  *zap.Logger
	group   *errgroup.Group
	dropped atomic.Uint64

	// ctx is handed to tasks. It is independent of any request and is
	// cancelled only when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewPool returns a pool running at most workers tasks at once.
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{logger: logger, group: g, ctx: ctx, cancel: cancel}
}

// Go schedules fn. Task errors are logged, never propagated: fills are best
// effort.
func (p *Pool) Go(name string, fn func(ctx context.Context) error) {
	task := func() error {
		p.run(name, fn)
		return nil
	}

	p.mu.RLock()
	closed := p.closed
	scheduled := !closed && p.group.TryGo(task)
	p.mu.RUnlock()

	if scheduled {
		return
	}
	p.dropped.Add(1)
	if closed {
		p.logger.Debug("dropped task, pool closed", zap.String("task", name))
		return
	}
	p.logger.Warn("dropped task, pool saturated", zap.String("task", name))
}

// Dropped reports how many tasks Go has turned away.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pool) run(name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	if err := fn(p.ctx); err != nil {
		p.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
	}
}

// Wait blocks until every scheduled task has finished.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

// Close stops accepting tasks and waits for in-flight ones. If ctx ends
// first, the context handed to running tasks is cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if d := p.dropped.Load(); d > 0 {
		p.logger.Info("closing pool", zap.Uint64("dropped", d))
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Inline runs every task synchronously on the caller's goroutine.
type Inline struct {
	Logger *zap.Logger
}

func (i Inline) Go(name string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil && i.Logger != nil {
		i.Logger.Warn("task failed", zap.String("task", name), zap.Error(err))
	}
}
