// Package queue implements the bounded task queue that drives browser-backed
// rank checks. Admission is unbounded; execution is capped at the pool limit
// and tasks enter execution slots in submission order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by futures submitted after Close.
var ErrPoolClosed = errors.New("task pool closed")

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type task struct {
	ctx context.Context
	run func(context.Context)
}

// Pool runs submitted tasks with at most Limit in flight.
type Pool struct {
	limit  int
	logger *zap.Logger

	mu      sync.Mutex
	pending []task
	running int
	idle    chan struct{}
	closed  bool
	hooks   Hooks
}

// Hooks observe slot usage; used for metrics.
type Hooks struct {
	OnStart  func()
	OnFinish func()
}

// New constructs a Pool. A non-positive limit falls back to 1.
func New(limit int, logger *zap.Logger) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Pool{
		limit:  limit,
		logger: logger,
		idle:   idle,
	}
}

// SetHooks installs slot observers. Call before submitting work.
func (p *Pool) SetHooks(h Hooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = h
}

// Limit reports the configured concurrency cap.
func (p *Pool) Limit() int {
	return p.limit
}

// Stats returns the number of running and waiting tasks.
func (p *Pool) Stats() (running, pending int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.pending)
}

// OnIdle returns a channel closed once no task is running or waiting.
// The channel reflects the state at call time; call again after new submissions.
func (p *Pool) OnIdle() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Wait blocks until the pool is idle or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.OnIdle():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for idle: %w", ctx.Err())
	}
}

// Close stops admission and waits for queued and running tasks to finish.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Wait(ctx)
}

func (p *Pool) enqueue(t task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if p.running == 0 && len(p.pending) == 0 {
		p.idle = make(chan struct{})
	}
	p.pending = append(p.pending, t)
	p.dispatchLocked()
	return true
}

func (p *Pool) dispatchLocked() {
	for p.running < p.limit && len(p.pending) > 0 {
		next := p.pending[0]
		p.pending[0] = task{}
		p.pending = p.pending[1:]
		p.running++
		if p.hooks.OnStart != nil {
			p.hooks.OnStart()
		}
		go p.execute(next)
	}
}

func (p *Pool) execute(t task) {
	defer func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.running--
		if p.hooks.OnFinish != nil {
			p.hooks.OnFinish()
		}
		p.dispatchLocked()
		if p.running == 0 && len(p.pending) == 0 {
			close(p.idle)
		}
	}()
	t.run(t.ctx)
}

// Future resolves with a task's result.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks for the task result or until ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("await task: %w", ctx.Err())
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Submit queues fn on the pool and returns a Future for its result. fn runs
// with ctx once a slot frees up; a panic inside fn resolves the future with a
// *PanicError and still releases the slot.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	fut := &Future[T]{done: make(chan struct{})}
	run := func(taskCtx context.Context) {
		var (
			value T
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				p.logger.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", stack))
				var zero T
				value, err = zero, &PanicError{Value: r, Stack: stack}
			}
			fut.resolve(value, err)
		}()
		if ctxErr := taskCtx.Err(); ctxErr != nil {
			err = fmt.Errorf("task not started: %w", ctxErr)
			return
		}
		value, err = fn(taskCtx)
	}
	if !p.enqueue(task{ctx: ctx, run: run}) {
		var zero T
		fut.resolve(zero, ErrPoolClosed)
	}
	return fut
}
