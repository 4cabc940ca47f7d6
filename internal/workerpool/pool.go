// Package workerpool runs maintenance tasks on a fixed set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned when the task queue has no free slot
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is one unit of work. Done, if set, is called with the task's result
// after Run returns or panics.
type Task struct {
	ID   string
	Name string
	Run  func(context.Context) error
	Done func(error)
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// Pool executes submitted tasks on MaxWorkers goroutines. Tasks receive a
// context that is cancelled when Stop gives up waiting for them.
type Pool struct {
	name      string
	workers   int
	queueSize int
	tasks     chan Task
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a pool and starts its workers
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:      cfg.Name,
		workers:   cfg.MaxWorkers,
		queueSize: cfg.QueueSize,
		tasks:     make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.workers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopped:
			return
		case task := <-p.tasks:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)
	duration := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.completed.Add(1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}

	if task.Done != nil {
		task.Done(err)
	}
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(p.ctx)
}

// TrySubmit queues a task without blocking
func (p *Pool) TrySubmit(task Task) error {
	select {
	case <-p.stopped:
		p.rejected.Add(1)
		return ErrStopped
	default:
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Submit queues a task, waiting for a free slot until ctx is done
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stopped:
		p.rejected.Add(1)
		return ErrStopped
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	}
}

// Stop stops accepting tasks and waits up to timeout for running tasks to
// return. Queued tasks that have not started may be dropped. After the timeout
// the task context is cancelled.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopped)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s: stop timed out after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timed out, cancelling tasks",
				zap.String("name", p.name))
		}
		p.cancel()
	})
	return err
}

// Stats is a point-in-time view of pool counters
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
