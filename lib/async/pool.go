// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/execguard/errs"
)

const component = "lib/async"

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool enforcing backpressure when saturated. Close stops intake and lets
// workers drain the queue; Abort additionally cancels the context handed to running tasks.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	onError func(error)
	onPanic func(any)
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler receives errors returned by tasks.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) { p.onError = fn }
}

// WithPanicHandler receives values recovered from panicking tasks.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task without blocking. A full queue returns an unavailable error.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.enqueue(ctx, fn, false)
}

// SubmitWait schedules the task, blocking until queue space frees up or ctx ends.
func (p *Pool) SubmitWait(ctx context.Context, fn Task) error {
	return p.enqueue(ctx, fn, true)
}

func (p *Pool) enqueue(ctx context.Context, fn Task, wait bool) error {
	if fn == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	item := job{ctx: context.WithoutCancel(ctx), fn: fn}
	if !wait {
		select {
		case p.jobs <- item:
			return nil
		default:
			p.wg.Done()
			return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
		}
	}
	select {
	case p.jobs <- item:
		return nil
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool aborted"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Abort closes the pool and cancels the context of running and queued tasks.
func (p *Pool) Abort() {
	p.cancel()
	p.Close()
}

// Shutdown closes the pool and waits for queued and in-flight tasks or until ctx expires, in which
// case remaining tasks are aborted.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for item := range p.jobs {
		p.run(item)
	}
}

func (p *Pool) run(item job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	ctx, cancel := context.WithCancel(item.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()
	if err := item.fn(ctx); err != nil && p.onError != nil {
		p.onError(err)
	}
}
