package client

import (
	"sync/atomic"
)

// Future is the pending result of one non-blocking call. It resolves exactly
// once, to a value or to an error, and never changes afterwards.
//
// Only the caller that issued the call waits on it; the transport side is the
// only party that resolves it.
type Future struct {
	done     chan struct{}
	resolved atomic.Bool
	value    float64
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the result is available. It has no deadline. Calling it
// again returns the same outcome.
func (f *Future) Wait() (float64, error) {
	<-f.done
	return f.value, f.err
}

// Done is closed once the future has resolved. Wait will not block after that.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) fulfill(v float64) {
	f.settle(v, nil)
}

func (f *Future) fail(err error) {
	f.settle(0, err)
}

// settle panics on a second resolution: overwriting a delivered result would
// hand two different outcomes to the same call.
func (f *Future) settle(v float64, err error) {
	if f.resolved.Swap(true) {
		panic("client: future resolved twice")
	}
	f.value, f.err = v, err
	close(f.done)
}

// Failed returns a Future that has already failed with err. It lets code that
// could not even issue a call hand back the same shape as a call in flight.
func Failed(err error) *Future {
	f := newFuture()
	f.fail(err)
	return f
}

// NewFuture returns an unresolved Future and the function that resolves it.
// Code that issues a call on some other goroutine hands the Future out first
// and resolves it once the call completes. Resolving twice panics.
func NewFuture() (*Future, func(v float64, err error)) {
	f := newFuture()
	return f, f.settle
}
