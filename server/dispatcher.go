package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"mesh-rpc/message"
	"mesh-rpc/middleware"
	"mesh-rpc/rpcerr"
)

var (
	errNoConnection = errors.New("server: runtime has no client connection")
	errStopped      = errors.New("server: dispatcher stopped")
)

// DefaultQueueSize is the capacity of the dispatch queue.
const DefaultQueueSize = 1024

var (
	metricReceived  = []string{"dispatch", "received"}
	metricCompleted = []string{"dispatch", "completed"}
	metricFailed    = []string{"dispatch", "failed"}
	metricSuspended = []string{"dispatch", "suspended"}
	metricLatency   = []string{"dispatch", "latency"}
)

type invocationState uint8

const (
	stateExecuting invocationState = iota
	stateSuspended
)

// invocation is the bookkeeping for one request in flight. It is only touched
// from the dispatch loop.
type invocation struct {
	id    uint64
	req   *message.Request
	reply middleware.ReplyFunc
	start time.Time

	state     invocationState
	gen       uint64 // bumped on every suspension, so stale resolutions are ignored
	results   []float64
	remaining int
	next      Continuation
}

// Dispatcher is the Dispatch Core of one process.
//
// Handler bodies and continuations run one at a time on a single loop
// goroutine. A handler that Awaits gives the loop back: a watcher goroutine
// per dependency waits on it and queues the resolution, and the loop resumes
// the invocation once every dependency of the current suspension is in.
//
//	conn reader ──Submit──┐
//	watcher(dep) ─resume──┼──→ queue ──→ loop: receive | resume → handler / continuation
//	watcher(dep) ─resume──┘
//
// A leaf handler that sleeps holds the loop for as long as it sleeps; that
// is the price of running handlers without locks.
type Dispatcher struct {
	rt       *Runtime
	services map[string]*Registration
	log      *zap.Logger
	sink     metrics.MetricSink

	queue    chan func()
	quit     chan struct{}
	stopped  chan struct{}
	inflight sync.WaitGroup

	gate   sync.RWMutex // held shared by enqueue, exclusively by Stop
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once

	// Loop-owned.
	pending   map[uint64]*invocation
	nextID    uint64
	suspended int
	draining  bool
}

// NewDispatcher builds the Dispatch Core for the given registrations. Two
// registrations with the same service name are rejected.
func NewDispatcher(rt *Runtime, regs []*Registration, queueSize int) (*Dispatcher, error) {
	if rt == nil {
		return nil, errors.New("server: nil runtime")
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	services := make(map[string]*Registration, len(regs))
	for _, reg := range regs {
		if err := reg.validate(); err != nil {
			return nil, err
		}
		if _, ok := services[reg.name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateService, reg.name)
		}
		services[reg.name] = reg
	}
	return &Dispatcher{
		rt:       rt,
		services: services,
		log:      rt.Logger().Named("dispatch"),
		sink:     rt.Metrics(),
		queue:    make(chan func(), queueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		pending:  make(map[uint64]*invocation),
	}, nil
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() { go d.run() })
}

// Stop ends the dispatch loop. Invocations still in flight fail.
func (d *Dispatcher) Stop() {
	d.Start()
	d.stopOnce.Do(func() {
		d.gate.Lock()
		d.closed = true
		d.gate.Unlock()
		close(d.quit)
	})
	<-d.stopped
}

// Drain waits until every submitted request has been answered, or timeout.
// After a timeout the waiting goroutine lives on until Stop answers the rest.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// Submit hands a request to the Dispatch Core. It never runs the handler on
// the caller's goroutine, and reply is called exactly once, from the loop.
// Submit has the middleware.HandlerFunc shape so it can end a chain.
func (d *Dispatcher) Submit(_ context.Context, req *message.Request, reply middleware.ReplyFunc) {
	d.inflight.Add(1)
	if !d.enqueue(func() { d.receive(req, reply) }) {
		d.respond(reply, message.Failure(rpcerr.Wrap(rpcerr.KindRemoteFailure, req.Service, req.Operation, errStopped)))
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	defer d.failPending()
	for {
		select {
		case task := <-d.queue:
			task()
		case <-d.quit:
			return
		}
	}
}

// enqueue never adds a task once Stop has begun, so every queued task is
// either run by the loop or drained by failPending.
func (d *Dispatcher) enqueue(task func()) bool {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.closed {
		return false
	}
	d.queue <- task
	return true
}

// respond delivers a response that never became an invocation.
func (d *Dispatcher) respond(reply middleware.ReplyFunc, resp *message.Response) {
	defer d.inflight.Done()
	reply(resp)
}

func labelsOf(req *message.Request) []metrics.Label {
	return []metrics.Label{
		{Name: "service", Value: req.Service},
		{Name: "operation", Value: req.Operation},
	}
}

// receive runs on the loop: look up the handler, then execute it.
func (d *Dispatcher) receive(req *message.Request, reply middleware.ReplyFunc) {
	if d.draining {
		d.respond(reply, message.Failure(rpcerr.Wrap(rpcerr.KindRemoteFailure, req.Service, req.Operation, errStopped)))
		return
	}
	labels := labelsOf(req)
	d.sink.IncrCounterWithLabels(metricReceived, 1, labels)

	reg, ok := d.services[req.Service]
	if !ok {
		d.sink.IncrCounterWithLabels(metricFailed, 1, labels)
		d.respond(reply, message.Failure(rpcerr.New(rpcerr.KindUnknownOperation, req.Service, req.Operation, "service not hosted here")))
		return
	}
	op, ok := reg.ops[req.Operation]
	if !ok {
		d.sink.IncrCounterWithLabels(metricFailed, 1, labels)
		d.respond(reply, message.Failure(rpcerr.New(rpcerr.KindUnknownOperation, req.Service, req.Operation, "operation not registered")))
		return
	}
	if len(req.Args) != op.arity {
		d.sink.IncrCounterWithLabels(metricFailed, 1, labels)
		d.respond(reply, message.Failure(rpcerr.New(rpcerr.KindRemoteFailure, req.Service, req.Operation,
			"expects %d arguments, got %d", op.arity, len(req.Args))))
		return
	}

	d.nextID++
	inv := &invocation{
		id:    d.nextID,
		req:   req,
		reply: reply,
		start: time.Now(),
	}
	d.pending[inv.id] = inv

	rt, args := d.rt.forInvocation(), req.Args
	d.execute(inv, func() Step { return op.handler(rt, args) })
}

// execute runs one stretch of an invocation (the handler body or a
// continuation) and acts on the resulting Step.
func (d *Dispatcher) execute(inv *invocation, body func() Step) {
	inv.state = stateExecuting
	for {
		step := d.protect(inv, body)
		switch {
		case step.err != nil:
			d.finish(inv, 0, step.err)
			return
		case step.next == nil:
			d.finish(inv, step.value, nil)
			return
		case len(step.awaits) == 0:
			next := step.next
			body = func() Step { return next(nil) }
		default:
			d.suspend(inv, step)
			return
		}
	}
}

// protect turns a handler panic into a failed Step.
func (d *Dispatcher) protect(inv *invocation, body func() Step) (step Step) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked",
				zap.String("service", inv.req.Service),
				zap.String("operation", inv.req.Operation),
				zap.Any("panic", r))
			step = Failf("handler panicked: %v", r)
		}
	}()
	return body()
}

func (d *Dispatcher) suspend(inv *invocation, step Step) {
	inv.state = stateSuspended
	inv.gen++
	inv.results = make([]float64, len(step.awaits))
	inv.remaining = len(step.awaits)
	inv.next = step.next

	d.suspended++
	d.sink.SetGaugeWithLabels(metricSuspended, float32(d.suspended), nil)

	id, gen := inv.id, inv.gen
	for i, dep := range step.awaits {
		go func() {
			<-dep.Done()
			v, err := dep.Wait()
			d.enqueue(func() { d.resume(id, gen, i, v, err) })
		}()
	}
}

// resume binds one resolved dependency into its slot. The continuation only
// runs once all slots of the current suspension are filled, so results are
// bound in the order they were awaited, not the order they arrived.
func (d *Dispatcher) resume(id, gen uint64, slot int, v float64, err error) {
	if d.draining {
		return
	}
	inv, ok := d.pending[id]
	if !ok || inv.gen != gen || inv.state != stateSuspended {
		return
	}

	if err != nil {
		d.leaveSuspension(inv)
		d.finish(inv, 0, err)
		return
	}

	inv.results[slot] = v
	inv.remaining--
	if inv.remaining > 0 {
		return
	}

	d.leaveSuspension(inv)
	results, next := inv.results, inv.next
	inv.results, inv.next = nil, nil
	d.execute(inv, func() Step { return next(results) })
}

func (d *Dispatcher) leaveSuspension(inv *invocation) {
	inv.state = stateExecuting
	d.suspended--
	d.sink.SetGaugeWithLabels(metricSuspended, float32(d.suspended), nil)
}

// finish answers the original caller and forgets the invocation. Any handler
// error, including a failed nested call, reaches the caller as RemoteFailure.
func (d *Dispatcher) finish(inv *invocation, v float64, err error) {
	delete(d.pending, inv.id)
	labels := labelsOf(inv.req)
	d.sink.AddSampleWithLabels(metricLatency, float32(time.Since(inv.start).Seconds()*1000), labels)

	resp := message.Result(v)
	if err != nil {
		d.sink.IncrCounterWithLabels(metricFailed, 1, labels)
		resp = message.Failure(rpcerr.Wrap(rpcerr.KindRemoteFailure, inv.req.Service, inv.req.Operation, err))
	} else {
		d.sink.IncrCounterWithLabels(metricCompleted, 1, labels)
	}
	d.respond(inv.reply, resp)
}

// failPending runs after the loop has exited. Requests still queued are
// refused and suspended invocations fail.
func (d *Dispatcher) failPending() {
	d.draining = true
	for drained := false; !drained; {
		select {
		case task := <-d.queue:
			task()
		default:
			drained = true
		}
	}
	for _, inv := range d.pending {
		if inv.state == stateSuspended {
			d.suspended--
		}
		d.finish(inv, 0, errStopped)
	}
}
