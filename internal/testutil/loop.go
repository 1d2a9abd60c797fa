// Package testutil provides deterministic fakes for the engine's
// collaborators.
package testutil

import "sync"

// Loop is a manually drained FIFO of posted functions. It stands in for the
// engine's control goroutine in package tests.
type Loop struct {
	mu    sync.Mutex
	queue []func()
}

// NewLoop creates an empty loop.
func NewLoop() *Loop {
	return &Loop{}
}

// Post enqueues fn. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
}

// Drain runs queued functions, including ones they post, until the queue is
// empty. It returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// Len returns the number of pending functions.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
