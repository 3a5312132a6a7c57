package server

import (
	"errors"
	"fmt"
)

// Awaitable is a nested result a handler can suspend on. *client.Future
// implements it.
type Awaitable interface {
	Done() <-chan struct{}
	Wait() (float64, error)
}

// Continuation is what remains of a handler once the awaited results are in.
// results[i] is the value of the i-th Awaitable passed to Await.
type Continuation func(results []float64) Step

// Step tells the Dispatch Core what a handler wants next: finish with a value,
// finish with an error, or suspend until some nested results resolve.
type Step struct {
	value  float64
	err    error
	awaits []Awaitable
	next   Continuation
}

var errNilContinuation = errors.New("server: Await without a continuation")

// Return completes the invocation with v.
func Return(v float64) Step {
	return Step{value: v}
}

// Fail completes the invocation with err.
func Fail(err error) Step {
	if err == nil {
		err = errors.New("server: Fail called with nil error")
	}
	return Step{err: err}
}

// Failf is Fail with a formatted error.
func Failf(format string, args ...any) Step {
	return Fail(fmt.Errorf(format, args...))
}

// Await suspends the invocation until every dependency has resolved, then
// runs next with their values in the order given here, whatever order they
// actually resolved in. The first failed dependency fails the invocation
// without running next.
//
// The Dispatch Core keeps serving other requests while the invocation is
// suspended.
func Await(next Continuation, deps ...Awaitable) Step {
	if next == nil {
		return Fail(errNilContinuation)
	}
	return Step{awaits: deps, next: next}
}
