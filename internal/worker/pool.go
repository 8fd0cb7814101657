// Package worker provides a bounded pool of goroutines fed by a channel queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned by Submit after Close has been called.
	ErrClosed = errors.New("worker pool is closed")
)

// Task is a unit of work. ctx is cancelled when Close gives up waiting, and
// before the task starts if it was still queued at Close and the pool has
// CancelQueuedOnClose set.
type Task func(ctx context.Context)

// MetricsRecorder is an optional interface for recording pool metrics.
type MetricsRecorder interface {
	RecordWorkerQueueSize(ctx context.Context, pool string, size int64)
}

// Stats holds pool statistics.
type Stats struct {
	QueueDepth int   // tasks waiting for a worker
	Busy       int64 // tasks currently running
	Submitted  int64 // tasks accepted
	Completed  int64 // tasks finished (including panicked ones)
	Rejected   int64 // tasks refused because the queue was full
	Panics     int64 // tasks that panicked
	Skipped    int64 // queued tasks started with a cancelled context at Close
}

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	queue   chan Task
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc

	busy      atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
	skipped   atomic.Int64

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New creates a pool and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		queue:    make(chan Task, cfg.QueueSize),
		config:   cfg,
		logger:   slog.With("component", "worker", "pool", cfg.Name),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	if metrics != nil {
		go p.reportQueueSize()
	}

	p.logger.Info("Worker pool started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return p
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		p.logger.Warn("Task rejected, queue full", "queued", len(p.queue))
		return ErrQueueFull
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		QueueDepth: len(p.queue),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
		Panics:     p.panics.Load(),
		Skipped:    p.skipped.Load(),
	}
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish. With CancelQueuedOnClose, queued tasks get a cancelled context. If ctx ends first, the context passed to tasks is cancelled and
// ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.shutdown)
	p.mu.Unlock()

	p.logger.Info("Worker pool shutting down", "queued", len(p.queue), "busy", p.busy.Load(),
		"cancelQueued", p.config.CancelQueuedOnClose)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool shutdown complete", "completed", p.completed.Load(), "skipped", p.skipped.Load())
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Worker pool shutdown timed out", "remaining", len(p.queue), "busy", p.busy.Load())
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdown:
			p.drainQueue()
			return
		case task := <-p.queue:
			if p.closing() {
				p.runQueued(task)
				continue
			}
			p.run(p.ctx, task)
		}
	}
}

func (p *Pool) closing() bool {
	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

func (p *Pool) drainQueue() {
	for {
		select {
		case task := <-p.queue:
			p.runQueued(task)
		default:
			return
		}
	}
}

// runQueued runs a task dequeued after Close was called.
func (p *Pool) runQueued(task Task) {
	if !p.config.CancelQueuedOnClose {
		p.run(p.ctx, task)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.skipped.Add(1)
	p.run(ctx, task)
}

func (p *Pool) run(ctx context.Context, task Task) {
	p.busy.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		p.busy.Add(-1)
		p.completed.Add(1)
	}()
	task(ctx)
}

func (p *Pool) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.metrics.RecordWorkerQueueSize(context.Background(), p.config.Name, int64(len(p.queue)))
		}
	}
}
