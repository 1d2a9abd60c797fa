// Package callback composes many asynchronous completions into one.
package callback

import (
	"errors"
	"sync"
)

// Func receives the terminal result of an asynchronous operation.
type Func func(ok bool)

// ErrNoPending is returned by Seal when no item was ever registered. Such an
// aggregator would never fire.
var ErrNoPending = errors.New("aggregator sealed with no pending items")

// Aggregator fires an outer callback exactly once after every registered
// item has completed. The outer callback reports success only if no item
// failed.
//
// Usage:
//
//	agg := callback.New(done)
//	for _, id := range ids {
//		start(id, agg.Add())
//	}
//	if err := agg.Seal(); err != nil {
//		// nothing was registered; complete done directly
//	}
//
// Items may complete before Seal is called; the outer callback is held until
// the aggregator is sealed. Thread-safety: all methods are safe for
// concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	outer   Func
	pending int
	total   int
	failed  int
	sealed  bool
	fired   bool
}

// New returns an aggregator that reports to outer.
func New(outer Func) *Aggregator {
	return &Aggregator{outer: outer}
}

// Add registers one pending item and returns its completion. Each returned
// completion only counts the first time it is called.
func (a *Aggregator) Add() Func {
	a.mu.Lock()
	a.pending++
	a.total++
	a.mu.Unlock()

	var once sync.Once
	return func(ok bool) {
		once.Do(func() { a.complete(ok) })
	}
}

// Seal marks registration as finished. If every item already completed the
// outer callback fires now, on the calling goroutine.
func (a *Aggregator) Seal() error {
	a.mu.Lock()
	if a.sealed {
		a.mu.Unlock()
		return nil
	}
	a.sealed = true
	if a.total == 0 {
		a.mu.Unlock()
		return ErrNoPending
	}
	fire, ok := a.takeLocked()
	a.mu.Unlock()

	if fire != nil {
		fire(ok)
	}
	return nil
}

// Pending returns the number of items not yet completed.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Failed returns the number of items that completed with failure.
func (a *Aggregator) Failed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

func (a *Aggregator) complete(ok bool) {
	a.mu.Lock()
	a.pending--
	if !ok {
		a.failed++
	}
	fire, result := a.takeLocked()
	a.mu.Unlock()

	if fire != nil {
		fire(result)
	}
}

// takeLocked returns the outer callback when it is due, and drops the
// aggregator's reference to it so it cannot fire twice.
func (a *Aggregator) takeLocked() (Func, bool) {
	if !a.sealed || a.pending > 0 || a.fired {
		return nil, false
	}
	a.fired = true
	fire := a.outer
	a.outer = nil
	if fire == nil {
		return nil, false
	}
	return fire, a.failed == 0
}
