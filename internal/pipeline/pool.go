// Package pipeline implements the notification delivery engine.
//
// Architecture:
//
//	┌──────────────┐      ┌───────────────┐
//	│   Consumer   │      │ RetryScheduler│  (delayed re-dispatch)
//	└──────┬───────┘      └───────┬───────┘
//	       │                      │
//	       └──────────┬───────────┘
//	                  │
//	           ┌──────▼──────┐
//	           │ Worker Pool │  (bounded concurrency)
//	           └──────┬──────┘
//	                  │
//	           ┌──────▼──────┐
//	           │  Processor  │  guard → record → render → dispatch
//	           └─────────────┘
//
// First deliveries and scheduled retries share the same pool, so total
// in-flight work is bounded regardless of how many retries are pending.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig defines worker pool parameters.
//
// Workers: number of concurrent processing goroutines.
// QueueSize: task buffer; Submit blocks once it fills.
type PoolConfig struct {
	Workers   int
	QueueSize int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   16,
		QueueSize: 64,
	}
}

// Pool runs submitted tasks on a fixed set of goroutines.
// Use NewPool to create, then call Start to begin processing.
// Call Stop for graceful shutdown; it drains queued tasks first.
type Pool struct {
	config PoolConfig
	tasks  chan func(context.Context)
	logger *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	senders sync.WaitGroup
	stopped bool
}

func NewPool(config PoolConfig, logger *slog.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultPoolConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultPoolConfig().QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config: config,
		tasks:  make(chan func(context.Context), config.QueueSize),
		logger: logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started", "workers", p.config.Workers)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		task(p.ctx)
	}
	p.logger.Debug("worker shutting down", "worker_id", id)
}

// Submit enqueues a task, blocking while the queue is full. It fails when
// ctx is cancelled or the pool has stopped.
func (p *Pool) Submit(ctx context.Context, task func(context.Context)) error {
	// Registering as a sender under the same lock that gates stopped keeps
	// Stop from closing the channel while a send is in flight.
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued tasks, then cancels the worker context and waits for
// in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	// Workers keep draining while in-flight senders finish, so no Submit
	// can be blocked on the channel when it closes.
	p.senders.Wait()
	close(p.tasks)
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("worker pool stopped")
}
