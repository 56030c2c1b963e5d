package crawler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Handler executes one task. A returned error is reported and the worker moves on.
type Handler func(ctx context.Context, t Task) error

// ErrorFunc receives task errors and recovered panics
type ErrorFunc func(t Task, err error)

// Scheduler runs tasks from one FIFO queue on a fixed number of workers
type Scheduler struct {
	workers     int
	queue       *Queue
	handler     Handler
	onError     ErrorFunc
	inFlight    atomic.Int64
	maxObserved atomic.Int64
}

// NewScheduler creates a scheduler with the given number of workers (at least one)
func NewScheduler(workers int, handler Handler, onError ErrorFunc) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		workers: workers,
		queue:   NewQueue(),
		handler: handler,
		onError: onError,
	}
}

// Submit enqueues a task. Safe to call from running tasks.
// Returns false once the scheduler has been stopped.
func (s *Scheduler) Submit(t Task) bool {
	return s.queue.Push(t)
}

// Run starts the workers and blocks until the queue drains or the scheduler is stopped.
// Cancelling ctx stops the scheduler; tasks already running finish with taskCtx.
func (s *Scheduler) Run(ctx context.Context, taskCtx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.queue.Stop()
		case <-done:
		}
	}()

	var g errgroup.Group
	for i := 0; i < s.workers; i++ {
		id := i + 1
		g.Go(func() error {
			s.worker(taskCtx, id)
			return nil
		})
	}
	return g.Wait()
}

// Stop makes workers exit at the next task boundary and returns the tasks never started
func (s *Scheduler) Stop() []Task {
	s.queue.Stop()
	return s.queue.Drain()
}

// QueueDepth returns the number of tasks waiting
func (s *Scheduler) QueueDepth() int {
	return s.queue.Size()
}

// InFlight returns the number of tasks executing right now
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// MaxObserved returns the highest number of concurrently executing tasks seen
func (s *Scheduler) MaxObserved() int {
	return int(s.maxObserved.Load())
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	logrus.Debugf("Worker %d started", id)
	defer logrus.Debugf("Worker %d exiting", id)

	for {
		t, ok := s.queue.Pop()
		if !ok {
			return
		}

		s.execute(ctx, t)
		s.queue.Done()
	}
}

func (s *Scheduler) execute(ctx context.Context, t Task) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	for {
		seen := s.maxObserved.Load()
		if n <= seen || s.maxObserved.CompareAndSwap(seen, n) {
			break
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Task %s %s panicked: %v\n%s", t.Kind, t.Target, r, debug.Stack())
			s.report(t, fmt.Errorf("task panicked: %v", r))
		}
	}()

	if err := s.handler(ctx, t); err != nil {
		s.report(t, err)
	}
}

func (s *Scheduler) report(t Task, err error) {
	if s.onError != nil {
		s.onError(t, err)
		return
	}
	logrus.Warnf("Task %s %s failed: %v", t.Kind, t.Target, err)
}
