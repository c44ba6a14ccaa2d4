// Package syncutil provides small concurrency primitives shared by the
// observation loops (C5/C6/C8), each of which is a single-threaded
// cooperative task in the original design ported onto goroutines.
package syncutil

import (
	"sync"
	"time"
)

// Flag is a reusable, settable/clearable wait condition, modeled on
// gevent's Event class used throughout huskar_sdk_v2's ioloops: callers can
// Wait on it with a timeout, Set it to release every current waiter, and
// Clear it to arm a fresh generation without disturbing anyone who already
// passed.
type Flag struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewFlag returns an unset Flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// NewSetFlag returns a Flag that is already set.
func NewSetFlag() *Flag {
	f := NewFlag()
	close(f.ch)
	return f
}

func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
	default:
		close(f.ch)
	}
}

func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		f.ch = make(chan struct{})
	default:
	}
}

func (f *Flag) IsSet() bool {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the flag is set or timeout elapses, returning whether
// it was set. A non-positive timeout blocks forever.
func (f *Flag) Wait(timeout time.Duration) bool {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Chan returns the current generation's channel, closed when the flag is
// set. Safe to select on as long as the caller doesn't race a concurrent
// Clear of the same generation (e.g. a stop flag that is set at most once
// per run).
func (f *Flag) Chan() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}
