// Package worker runs background tasks on a fixed number of goroutines fed by
// a bounded queue.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"docpipeline/internal/logger"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("worker queue full")

	// ErrClosed is returned by Submit after Shutdown has been called.
	ErrClosed = errors.New("worker pool closed")
)

// Task is a unit of background work. The context is cancelled when the pool
// is forced to stop.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool.
type Pool struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines reading from a queue of queueSize tasks.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.WithComponent("worker"),
	}

	for w := 0; w < workers; w++ {
		p.wg.Add(1)
		go p.run(w)
	}

	p.log.Debug().Int("workers", workers).Int("queue_size", queueSize).Msg("Worker pool started")
	return p
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(workerID, task)
	}
}

func (p *Pool) execute(workerID int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Int("worker", workerID).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()
	task(p.ctx)
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks see their context cancelled and ctx.Err is
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
