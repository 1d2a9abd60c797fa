package engine

import "sync"

// taskQueue is an unbounded FIFO of functions with a coalescing wake-up
// signal. Any goroutine may enqueue; one goroutine drains it.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends fn. Returns false if the queue is closed.
func (q *taskQueue) Enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Dequeue blocks until a function is available. It returns false once the
// queue is closed and empty.
func (q *taskQueue) Dequeue() (func(), bool) {
	for {
		if fn, ok := q.TryDequeue(); ok {
			return fn, true
		}

		q.mu.Lock()
		if q.closed && len(q.tasks) == 0 {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		<-q.signal
	}
}

// TryDequeue pops the front function without blocking.
func (q *taskQueue) TryDequeue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return fn, true
}

// Len returns the number of queued functions.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects further enqueues and wakes the consumer. Functions already
// queued are still handed out.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
