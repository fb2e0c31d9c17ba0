// Package tasks runs copy, remove and scan work on a bounded worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrExecutorStopped = errors.New("executor stopped")
	ErrQueueFull       = errors.New("executor queue full")
)

// Func is the body of a task. It must report its own outcome; the executor
// only supplies the goroutine and the cancellable context.
type Func func(ctx context.Context)

type job struct {
	id     string
	name   string
	ctx    context.Context
	cancel context.CancelCauseFunc
	fn     Func
}

type Executor struct {
	logger  *zap.Logger
	workers int
	queue   chan *job

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutor(workers, queueSize int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		logger:  logger.With(zap.String("component", "executor")),
		workers: workers,
		queue:   make(chan *job, queueSize),
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (e *Executor) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("Executor started", zap.Int("workers", e.workers))
}

// Stop cancels every queued and running task and waits for the workers.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Info("Executor stopped")
}

// Submit queues fn and returns the task id used for cancellation.
func (e *Executor) Submit(name string, fn Func) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return "", ErrExecutorStopped
	}

	ctx, cancel := context.WithCancelCause(e.ctx)
	j := &job{
		id:     uuid.New().String(),
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		fn:     fn,
	}

	select {
	case e.queue <- j:
	default:
		cancel(ErrQueueFull)
		return "", fmt.Errorf("failed to submit %s: %w", name, ErrQueueFull)
	}
	e.jobs[j.id] = j
	return j.id, nil
}

// Cancel requests cancellation of a queued or running task. The request is
// advisory: the task observes it through its context and still reports its
// own terminal state.
func (e *Executor) Cancel(id, reason string) bool {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel(errors.New(reason))
	e.logger.Debug("Task cancel requested",
		zap.String("task_id", id),
		zap.String("task", j.name),
		zap.String("reason", reason))
	return true
}

// Pending returns the number of queued and running tasks.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return
		case j := <-e.queue:
			e.run(j)
		}
	}
}

// drain runs whatever is left with an already cancelled context so every
// task still gets to report its terminal state.
func (e *Executor) drain() {
	for {
		select {
		case j := <-e.queue:
			e.run(j)
		default:
			return
		}
	}
}

func (e *Executor) run(j *job) {
	defer func() {
		j.cancel(nil)
		e.mu.Lock()
		delete(e.jobs, j.id)
		e.mu.Unlock()
	}()
	j.fn(j.ctx)
}
