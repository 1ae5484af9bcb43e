package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("workerpool")

var (
	// ErrStopped is returned by Submit after StopAccepting or Drain.
	ErrStopped = errors.New("worker pool is not accepting tasks")
	// ErrQueueFull is returned by Submit when every slot is taken.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue. The
// controller runs each update on a one-worker pool so pipeline work never
// happens on the presenter's goroutine.
type Pool struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
}

// New creates a pool with maxWorkers goroutines and a queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		queue:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking.
// wg.Add happens before the enqueue so Drain cannot miss it.
func (p *Pool) Submit(task Task) error {
	if !p.accepting.Load() {
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return ErrQueueFull
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain stops accepting tasks and waits for in-flight and queued ones to
// finish, or for ctx to expire. Worker goroutines exit afterwards.
func (p *Pool) Drain(ctx context.Context) error {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
		err = ctx.Err()
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
	return err
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done matches the
// wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
