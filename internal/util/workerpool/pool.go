// Package workerpool provides the bounded goroutine pool that executes
// inbound request handlers.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work to be executed by the pool.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Pool manages a bounded set of goroutines draining a task queue.
type Pool struct {
	name      string
	taskQueue chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}

	completed uint64
	failed    uint64
	rejected  uint64
}

// New creates a pool with the given worker count and queue size and
// starts its workers.
func New(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:      name,
		taskQueue: make(chan Task, queueSize),
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			if err := p.run(task); err != nil {
				atomic.AddUint64(&p.failed, 1)
				p.logger.Error("Task failed",
					zap.String("pool", p.name),
					zap.Int("worker_id", id),
					zap.String("task_id", task.ID),
					zap.Error(err))
			} else {
				atomic.AddUint64(&p.completed, 1)
			}
		}
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(context.Background())
}

// Submit enqueues a task, failing if the queue is full or the pool is
// stopped.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}
	select {
	case p.taskQueue <- task:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %q queue is full", p.name)
	}
}

// Stop stops the workers, waiting up to timeout for in-flight tasks.
// Tasks still queued when Stop is called may not run.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Stats reports pool counters.
func (p *Pool) Stats() (completed, failed, rejected uint64) {
	return atomic.LoadUint64(&p.completed),
		atomic.LoadUint64(&p.failed),
		atomic.LoadUint64(&p.rejected)
}
