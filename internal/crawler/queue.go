package crawler

import (
	"sync"
)

// TaskKind distinguishes page fetches from domain checks
type TaskKind string

const (
	KindPage   TaskKind = "page"
	KindDomain TaskKind = "domain"
)

// Task is one unit of scheduled work
type Task struct {
	Kind   TaskKind
	Target string
}

// Queue implements a thread-safe FIFO task queue that knows when it has drained:
// no items left and no popped task still running.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []Task
	active  int
	stopped bool
}

// NewQueue creates a new task queue
func NewQueue() *Queue {
	q := &Queue{
		items: make([]Task, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a task to the queue.
// Returns false if the queue has been stopped.
func (q *Queue) Push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Don't accept new entries if stopped
	if q.stopped {
		return false
	}

	q.items = append(q.items, t)

	// Signal waiting workers
	q.cond.Signal()

	return true
}

// Pop removes and returns the first task, marking it active until Done is called.
// Blocks while the queue is empty but tasks are still running, since those may push more.
// Returns (empty, false) once stopped or drained.
func (q *Queue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return Task{}, false
		}

		// If we have items, return the first one
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.active++
			return t, true
		}

		// Nothing queued and nothing running: drained
		if q.active == 0 {
			return Task{}, false
		}

		q.cond.Wait()
	}
}

// Done marks a popped task as finished
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	if q.active == 0 && len(q.items) == 0 {
		// Wake idle workers so they observe the drain
		q.cond.Broadcast()
	}
}

// Size returns the current number of items in the queue
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop makes Pop return false from now on; queued items stay until Drain
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	// Broadcast to wake all waiting workers
	q.cond.Broadcast()
}

// Drain removes and returns every queued task
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = make([]Task, 0)
	return items
}
