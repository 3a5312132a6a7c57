// Package server hosts services: it accepts connections, hands every inbound
// request to the process's Dispatch Core, and writes responses back.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Codec.Decode → Middleware Chain → Dispatcher.Submit
//	    → dispatch loop: handler → Return | Fail | Await (suspend, resume later)
//	      → reply: queue on the connection's replyWriter → Codec.Encode → write
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/codec"
	"mesh-rpc/message"
	"mesh-rpc/middleware"
	"mesh-rpc/protocol"
	"mesh-rpc/registry"
	"mesh-rpc/rpcerr"
)

var (
	ErrNotListening   = errors.New("server: Listen must be called first")
	ErrAlreadyStarted = errors.New("server: already started")
)

type config struct {
	leaseTTL     int64
	weight       int
	version      string
	queueSize    int
	writeTimeout time.Duration
	replyBacklog int
}

// Option configures NewServer.
type Option func(*config) error

// WithLeaseTTL sets the registry lease TTL in seconds.
func WithLeaseTTL(ttl int64) Option {
	return func(c *config) error {
		if ttl <= 0 {
			return errors.New("server: lease TTL must be positive")
		}
		c.leaseTTL = ttl
		return nil
	}
}

// WithWeight sets the load-balancing weight advertised for every hosted service.
func WithWeight(weight int) Option {
	return func(c *config) error {
		c.weight = weight
		return nil
	}
}

// WithVersion sets the version advertised for every hosted service.
func WithVersion(version string) Option {
	return func(c *config) error {
		c.version = version
		return nil
	}
}

// WithQueueSize sets the capacity of the Dispatch Core queue.
func WithQueueSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.New("server: queue size must be positive")
		}
		c.queueSize = n
		return nil
	}
}

// WithWriteTimeout bounds the write of one response. A connection whose
// write times out is closed.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("server: write timeout must be positive")
		}
		c.writeTimeout = d
		return nil
	}
}

// WithReplyBacklog sets how many responses may wait to be written to one
// connection before the connection is dropped.
func WithReplyBacklog(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.New("server: reply backlog must be positive")
		}
		c.replyBacklog = n
		return nil
	}
}

// Server hosts one or more services behind a single Dispatch Core.
type Server struct {
	rt  *Runtime
	cfg config
	log *zap.Logger

	regs        []*Registration
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(...(dispatcher.Submit))
	dispatcher  *Dispatcher

	listener      net.Listener
	started       atomic.Bool
	shutdown      atomic.Bool // Suppresses the Accept error caused by Shutdown
	registry      registry.Registry
	advertiseAddr string
	acceptErr     chan error

	connMu sync.Mutex
	conns  map[net.Conn]*replyWriter
}

func NewServer(rt *Runtime, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.New("server: nil runtime")
	}
	cfg := config{
		leaseTTL:     10, // KeepAlive renews it
		weight:       10,
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		replyBacklog: DefaultReplyBacklog,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Server{
		rt:        rt,
		cfg:       cfg,
		log:       rt.Logger().Named("server"),
		acceptErr: make(chan error, 1),
		conns:     make(map[net.Conn]*replyWriter),
	}, nil
}

// Register adds a service. All registrations must happen before Start.
func (svr *Server) Register(reg *Registration) error {
	if svr.started.Load() {
		return ErrAlreadyStarted
	}
	if err := reg.validate(); err != nil {
		return err
	}
	for _, r := range svr.regs {
		if r.name == reg.name {
			return fmt.Errorf("%w: %s", ErrDuplicateService, reg.name)
		}
	}
	svr.regs = append(svr.regs, reg)
	return nil
}

// Use registers a middleware. Middlewares apply in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the listener. Use "127.0.0.1:0" to pick a free port.
func (svr *Server) Listen(network, address string) (net.Addr, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	svr.listener = listener
	return listener.Addr(), nil
}

// Addr returns the bound address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Start builds the Dispatch Core, advertises every service in reg (nil skips
// discovery) and starts accepting connections. It returns once the services
// are resolvable.
//
// advertiseAddr is what callers dial; it defaults to the listener address.
func (svr *Server) Start(advertiseAddr string, reg registry.Registry) error {
	if svr.listener == nil {
		return ErrNotListening
	}
	if svr.started.Swap(true) {
		return ErrAlreadyStarted
	}

	d, err := NewDispatcher(svr.rt, svr.regs, svr.cfg.queueSize)
	if err != nil {
		return err
	}
	svr.dispatcher = d
	svr.handler = middleware.Chain(svr.middlewares...)(d.Submit)
	d.Start()

	if advertiseAddr == "" {
		advertiseAddr = svr.listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for _, r := range svr.regs {
			err := reg.Register(svr.rt.Context(), r.name, registry.ServiceInstance{
				Addr:       advertiseAddr,
				Weight:     svr.cfg.weight,
				Version:    svr.cfg.version,
				Operations: r.Operations(),
			}, svr.cfg.leaseTTL)
			if err != nil {
				return fmt.Errorf("server: register %s: %w", r.name, err)
			}
			svr.log.Info("service registered", zap.String("service", r.name), zap.String("addr", advertiseAddr))
		}
	}

	go func() { svr.acceptErr <- svr.acceptLoop() }()
	return nil
}

// Serve is Listen plus Start, then blocks until Shutdown or an Accept failure.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	if _, err := svr.Listen(network, address); err != nil {
		return err
	}
	if err := svr.Start(advertiseAddr, reg); err != nil {
		return err
	}
	return <-svr.acceptErr
}

func (svr *Server) acceptLoop() error {
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		w := newReplyWriter(conn, svr.cfg.writeTimeout, svr.cfg.replyBacklog, svr.log)
		svr.connMu.Lock()
		svr.conns[conn] = w
		svr.connMu.Unlock()
		go svr.handleConn(conn, w)
	}
}

// handleConn is the single reader of one connection. Frames must be read
// sequentially, but it never waits for a request to be answered, so one slow
// or suspended invocation does not hold up the next frame. Responses go out
// through w.
func (svr *Server) handleConn(conn net.Conn, w *replyWriter) {
	defer func() {
		svr.connMu.Lock()
		delete(svr.conns, conn)
		svr.connMu.Unlock()
		w.close()
		conn.Close()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		svr.handleRequest(header, body, w)
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, w *replyWriter) {
	reply := func(resp *message.Response) {
		w.send(header, resp)
	}

	req := &message.Request{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, req); err != nil {
		reply(message.Failure(rpcerr.New(rpcerr.KindTransportFault, "", "", "malformed request: %v", err)))
		return
	}
	svr.handler(context.Background(), req, reply)
}

// Shutdown performs a graceful shutdown:
//  1. Deregister every service, so callers stop resolving this server
//  2. Close the listener
//  3. Wait for in-flight invocations, suspended ones included, up to timeout
//  4. Stop the Dispatch Core, flush queued responses and close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, r := range svr.regs {
			if err := svr.registry.Deregister(ctx, r.name, svr.advertiseAddr); err != nil {
				svr.log.Warn("deregister failed", zap.String("service", r.name), zap.Error(err))
			}
		}
		cancel()
	}

	// The flag goes up before Close so acceptLoop sees an intentional close.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	var drainErr error
	if svr.dispatcher != nil {
		drainErr = svr.dispatcher.Drain(timeout)
		svr.dispatcher.Stop()
	}

	// Flush what the Dispatch Core answered before closing.
	svr.connMu.Lock()
	for conn, w := range svr.conns {
		w.close()
		conn.Close()
	}
	svr.connMu.Unlock()
	svr.rt.Close()
	return drainErr
}
