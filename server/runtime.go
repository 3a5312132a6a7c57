package server

import (
	"context"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"mesh-rpc/client"
)

// Runtime is the process-scoped context shared by the Dispatch Core and every
// handler of one service process. The entry point builds it once; each
// invocation sees it through its own view, which keeps that invocation's
// nested calls in the order they were issued.
type Runtime struct {
	*process
	out *outbox // nil outside an invocation
}

type process struct {
	name   string
	logger *zap.Logger
	sink   metrics.MetricSink
	conn   *client.Connection

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	resolved map[string]*client.Service
}

// RuntimeOption configures NewRuntime.
type RuntimeOption func(*Runtime)

// WithLogger sets the process logger. The default discards everything.
func WithLogger(logger *zap.Logger) RuntimeOption {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetricSink chooses where dispatch metrics go. The default drops them.
func WithMetricSink(sink metrics.MetricSink) RuntimeOption {
	return func(rt *Runtime) {
		if sink != nil {
			rt.sink = sink
		}
	}
}

// WithConnection gives handlers a way to call other services. Processes that
// only host leaf handlers can leave it out.
func WithConnection(conn *client.Connection) RuntimeOption {
	return func(rt *Runtime) {
		rt.conn = conn
	}
}

func NewRuntime(name string, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{process: &process{
		name:     name,
		logger:   zap.NewNop(),
		sink:     &metrics.BlackholeSink{},
		resolved: make(map[string]*client.Service),
	}}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = rt.logger.With(zap.String("process", name))
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	return rt
}

func (rt *Runtime) Name() string {
	return rt.name
}

func (rt *Runtime) Logger() *zap.Logger {
	return rt.logger
}

func (rt *Runtime) Metrics() metrics.MetricSink {
	return rt.sink
}

// Context is cancelled by Close.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Service returns the proxy-set for a remote service, resolving it on first
// use and again only after its connection was lost.
func (rt *Runtime) Service(name string) (*client.Service, error) {
	if rt.conn == nil {
		return nil, errNoConnection
	}

	rt.mu.Lock()
	svc, ok := rt.resolved[name]
	rt.mu.Unlock()
	if ok && svc.Live() {
		return svc, nil
	}

	svc, err := rt.conn.Resolve(rt.ctx, name)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	rt.resolved[name] = svc
	rt.mu.Unlock()
	return svc, nil
}

// Async issues a non-blocking nested call and returns at once. Resolving the
// target and sending the request happen off the Dispatch Core; calls made by
// one invocation are still sent in the order Async was called. Resolution
// failures come back through the Future, so a handler can always Await it.
func (rt *Runtime) Async(service, op string, args ...float64) *client.Future {
	f, resolve := client.NewFuture()
	args = slices.Clone(args)
	out := rt.out
	if out == nil {
		out = &outbox{}
	}
	out.issue(func() {
		svc, err := rt.Service(service)
		if err != nil {
			resolve(0, err)
			return
		}
		nested := svc.Async(op, args...)
		go func() { resolve(nested.Wait()) }()
	})
	return f
}

// forInvocation returns the view handed to the handlers of one invocation.
func (rt *Runtime) forInvocation() *Runtime {
	return &Runtime{process: rt.process, out: &outbox{}}
}

// outbox sends the nested calls of one invocation one after another, each on
// a goroutine that waits for the previous one to be written.
type outbox struct {
	mu   sync.Mutex
	tail <-chan struct{}
}

func (o *outbox) issue(send func()) {
	done := make(chan struct{})
	o.mu.Lock()
	prev := o.tail
	o.tail = done
	o.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		send()
	}()
}

// Close cancels the runtime context.
func (rt *Runtime) Close() {
	rt.cancel()
}
