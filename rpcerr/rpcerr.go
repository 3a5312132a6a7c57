// Package rpcerr defines the error kinds a caller can observe from a remote call.
//
// Every failure that crosses a service boundary is carried as a Kind plus a
// message, so the caller reconstructs the same kind the remote side reported:
//
//	UnknownOperation:   the target Dispatch Core has no handler for the operation
//	ServiceUnavailable: the broker could not resolve the service name
//	RemoteFailure:      the handler failed, including a failed nested call
//	TransportFault:     the request or response was lost or malformed
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a remote-call failure. It is a single byte on the wire.
type Kind uint8

const (
	KindNone Kind = iota
	KindUnknownOperation
	KindServiceUnavailable
	KindRemoteFailure
	KindTransportFault
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUnknownOperation:
		return "unknown operation"
	case KindServiceUnavailable:
		return "service unavailable"
	case KindRemoteFailure:
		return "remote failure"
	case KindTransportFault:
		return "transport fault"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrUnknownOperation   = &Error{Kind: KindUnknownOperation}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrRemoteFailure      = &Error{Kind: KindRemoteFailure}
	ErrTransportFault     = &Error{Kind: KindTransportFault}
)

// Error is a classified remote-call failure.
type Error struct {
	Kind      Kind
	Service   string
	Operation string
	Message   string
	cause     error
}

func (e *Error) Error() string {
	target := e.Service
	if e.Operation != "" {
		target += "." + e.Operation
	}
	switch {
	case target != "" && e.Message != "":
		return fmt.Sprintf("rpc: %s: %s: %s", e.Kind, target, e.Message)
	case target != "":
		return fmt.Sprintf("rpc: %s: %s", e.Kind, target)
	case e.Message != "":
		return fmt.Sprintf("rpc: %s: %s", e.Kind, e.Message)
	}
	return "rpc: " + e.Kind.String()
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an error of the given kind.
func New(kind Kind, service, operation, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Service:   service,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
	}
}

// Wrap builds an error of the given kind around cause. The cause's text becomes the message.
func Wrap(kind Kind, service, operation string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Service:   service,
		Operation: operation,
		Message:   cause.Error(),
		cause:     cause,
	}
}

// KindOf returns the Kind of err, KindNone for nil, and KindRemoteFailure for
// errors that were never classified.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRemoteFailure
}
