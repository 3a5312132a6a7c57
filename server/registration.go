package server

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrEmptyServiceName   = errors.New("server: service name must not be empty")
	ErrEmptyOperationName = errors.New("server: operation identifier must not be empty")
	ErrNilHandler         = errors.New("server: nil handler")
	ErrDuplicateOperation = errors.New("server: duplicate operation identifier")
	ErrDuplicateService   = errors.New("server: duplicate service name")
)

// Handler runs on the Dispatch Core. It either produces the result right away
// (Return, Fail) or suspends on nested calls (Await).
type Handler func(rt *Runtime, args []float64) Step

type operation struct {
	arity   int
	handler Handler
}

// Registration maps the operation identifiers of one service to their
// handlers. It is filled at startup and must not change once served.
type Registration struct {
	name  string
	ops   map[string]operation
	order []string
}

// NewRegistration starts an empty registration for a service.
func NewRegistration(service string) *Registration {
	return &Registration{name: service, ops: make(map[string]operation)}
}

// Name returns the ServiceName.
func (r *Registration) Name() string {
	return r.name
}

// Handle registers an operation taking exactly arity positional arguments.
// Identifiers are validated here, not at call time.
func (r *Registration) Handle(op string, arity int, h Handler) error {
	switch {
	case op == "":
		return ErrEmptyOperationName
	case h == nil:
		return fmt.Errorf("%w for %s.%s", ErrNilHandler, r.name, op)
	case arity < 0:
		return fmt.Errorf("server: negative arity for %s.%s", r.name, op)
	}
	if _, ok := r.ops[op]; ok {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateOperation, r.name, op)
	}
	r.ops[op] = operation{arity: arity, handler: h}
	r.order = append(r.order, op)
	return nil
}

// Operations lists the identifiers in registration order.
func (r *Registration) Operations() []string {
	return slices.Clone(r.order)
}

func (r *Registration) validate() error {
	if r.name == "" {
		return ErrEmptyServiceName
	}
	return nil
}
