// Package flowtest provides test doubles for the flow package.
package flowtest

import (
	"sync"
	"time"
)

// Recorder is a flow.Subscriber that records every signal it receives.
// It is safe for concurrent use.
type Recorder[T any] struct {
	mu        sync.Mutex
	items     []T
	completed bool
	err       error
	terminals int
	terminal  chan struct{}
}

// NewRecorder constructs a Recorder.
func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{terminal: make(chan struct{})}
}

// OnNext records a delivered item.
func (r *Recorder[T]) OnNext(item T) {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
}

// OnComplete records the completion signal.
func (r *Recorder[T]) OnComplete() {
	r.mu.Lock()
	r.completed = true
	r.markTerminalLocked()
	r.mu.Unlock()
}

// OnError records the terminal error.
func (r *Recorder[T]) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.markTerminalLocked()
	r.mu.Unlock()
}

func (r *Recorder[T]) markTerminalLocked() {
	r.terminals++
	if r.terminals == 1 {
		close(r.terminal)
	}
}

// Items returns a snapshot copy of recorded items in delivery order.
func (r *Recorder[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]T, len(r.items))
	copy(cp, r.items)
	return cp
}

// Err returns the recorded terminal error, if any.
func (r *Recorder[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Completed reports whether OnComplete was received.
func (r *Recorder[T]) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Terminals returns the number of terminal signals received. Anything
// other than 0 or 1 is a contract violation worth asserting on.
func (r *Recorder[T]) Terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminals
}

// WaitItems blocks until at least n items have been recorded or the
// timeout elapses, reporting whether the count was reached.
func (r *Recorder[T]) WaitItems(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		count := len(r.items)
		r.mu.Unlock()
		if count >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// WaitTerminal blocks until a terminal signal arrives or the timeout
// elapses, reporting whether one arrived.
func (r *Recorder[T]) WaitTerminal(timeout time.Duration) bool {
	select {
	case <-r.terminal:
		return true
	case <-time.After(timeout):
		return false
	}
}
