// Package client is the caller side of the mesh.
//
// A Connection is the only gateway to remote services: Resolve asks the
// registry for a live instance of a ServiceName and returns a Service, the
// proxy-set for that instance. Each Operation on it can be invoked blocking
// (Call) or non-blocking (Async, which returns a Future).
//
//	conn, _ := client.NewConnection(reg)
//	ss, _ := conn.Resolve(ctx, "squaring")
//	ads, _ := conn.Resolve(ctx, "addition")
//	squared := ss.Op("square").Async(4)
//	summed := ads.Op("add").Async(2, 3)
//	a, _ := squared.Wait()
//	b, _ := summed.Wait()
package client

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/codec"
	"mesh-rpc/loadbalance"
	"mesh-rpc/registry"
	"mesh-rpc/rpcerr"
	"mesh-rpc/transport"
)

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("client: connection closed")

type config struct {
	balancer    loadbalance.Balancer
	codecType   codec.CodecType
	poolSize    int
	dialTimeout time.Duration
	logger      *zap.Logger
}

// Option configures NewConnection.
type Option func(*config) error

// WithBalancer chooses how one instance is picked among several.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *config) error {
		if b == nil {
			return errors.New("client: nil balancer")
		}
		c.balancer = b
		return nil
	}
}

// WithCodec selects the body encoding for outgoing requests.
func WithCodec(t codec.CodecType) Option {
	return func(c *config) error {
		if t != codec.CodecTypeJSON && t != codec.CodecTypeBinary {
			return errors.New("client: unknown codec type")
		}
		c.codecType = t
		return nil
	}
}

// WithPoolSize sets how many multiplexed TCP connections are kept per instance.
func WithPoolSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.New("client: pool size must be positive")
		}
		c.poolSize = n
		return nil
	}
}

// WithDialTimeout bounds how long Resolve waits to reach an instance.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d > 0 {
			c.dialTimeout = d
		}
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// Connection resolves service names and owns the TCP connections to them.
type Connection struct {
	registry registry.Registry
	cfg      config
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
	pools  map[string]*pool // addr → transports
}

// pool is a fixed set of multiplexed transports to one address, handed out round robin.
type pool struct {
	transports []*transport.ClientTransport
	next       atomic.Uint64
}

func NewConnection(reg registry.Registry, opts ...Option) (*Connection, error) {
	if reg == nil {
		return nil, errors.New("client: nil registry")
	}
	cfg := config{
		balancer:    &loadbalance.RoundRobinBalancer{},
		codecType:   codec.CodecTypeBinary,
		poolSize:    1,
		dialTimeout: 5 * time.Second,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Connection{
		registry: reg,
		cfg:      cfg,
		log:      cfg.logger.Named("client"),
		pools:    make(map[string]*pool),
	}, nil
}

// Resolve looks up a live instance of serviceName. Any failure to find or
// reach one is a ServiceUnavailable error. The returned Service keeps talking
// to the same instance for its whole lifetime.
func (c *Connection) Resolve(ctx context.Context, serviceName string) (*Service, error) {
	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindServiceUnavailable, serviceName, "", err)
	}
	if len(instances) == 0 {
		return nil, rpcerr.New(rpcerr.KindServiceUnavailable, serviceName, "", "no registered instance")
	}

	instance, err := c.cfg.balancer.Pick(instances)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindServiceUnavailable, serviceName, "", err)
	}

	tr, err := c.transport(ctx, instance.Addr)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindServiceUnavailable, serviceName, "", err)
	}

	c.log.Debug("resolved service",
		zap.String("service", serviceName),
		zap.String("addr", instance.Addr),
		zap.String("balancer", c.cfg.balancer.Name()))

	return &Service{
		name:     serviceName,
		instance: *instance,
		tr:       tr,
		log:      c.log.With(zap.String("service", serviceName)),
	}, nil
}

// transport returns a live transport to addr, dialing lazily and replacing
// transports whose connection was lost. The dial happens without c.mu held.
func (c *Connection) transport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = &pool{transports: make([]*transport.ClientTransport, c.cfg.poolSize)}
		c.pools[addr] = p
	}
	i := int(p.next.Add(1)-1) % len(p.transports)
	if tr := p.transports[i]; tr != nil && !tr.Closed() {
		c.mu.Unlock()
		return tr, nil
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tr := transport.NewClientTransport(conn, c.cfg.codecType, c.log)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		tr.Close()
		return nil, ErrClosed
	}
	// Another caller may have redialed the same slot meanwhile.
	if cur := p.transports[i]; cur != nil && !cur.Closed() {
		tr.Close()
		return cur, nil
	}
	p.transports[i] = tr
	return tr, nil
}

// Close closes every transport. Outstanding Futures fail with TransportFault.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for addr, p := range c.pools {
		for _, tr := range p.transports {
			if tr != nil {
				if err := tr.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					errs = append(errs, err)
				}
			}
		}
		delete(c.pools, addr)
	}
	return errors.Join(errs...)
}

// Service is the proxy-set of one resolved service instance.
type Service struct {
	name     string
	instance registry.ServiceInstance
	tr       *transport.ClientTransport
	log      *zap.Logger
}

// Name returns the ServiceName this proxy-set was resolved from.
func (s *Service) Name() string {
	return s.name
}

// Addr returns the address of the instance the proxy-set talks to.
func (s *Service) Addr() string {
	return s.instance.Addr
}

// Operations lists the operation identifiers the instance advertised.
func (s *Service) Operations() []string {
	return slices.Clone(s.instance.Operations)
}

// Live reports whether the connection to the instance is still up.
func (s *Service) Live() bool {
	return !s.tr.Closed()
}

// Op returns the proxy for one operation. Unknown identifiers are not
// rejected locally; the remote Dispatch Core answers UnknownOperation.
func (s *Service) Op(name string) *Operation {
	return &Operation{svc: s, name: name}
}

// Call invokes operation in blocking mode.
func (s *Service) Call(operation string, args ...float64) (float64, error) {
	return s.Op(operation).Call(args...)
}

// Async invokes operation in non-blocking mode.
func (s *Service) Async(operation string, args ...float64) *Future {
	return s.Op(operation).Async(args...)
}
