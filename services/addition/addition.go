// Package addition is a leaf service: add(a, b) returns a + b after a
// simulated compute delay.
package addition

import (
	"time"

	"mesh-rpc/client"
	"mesh-rpc/server"
	"mesh-rpc/services/internal/simwork"
)

const (
	Name  = "addition"
	OpAdd = "add"

	DefaultLatency = time.Second
)

// Option configures the handler.
type Option func(*simwork.Latency)

// WithLatency overrides the simulated cost of one add.
func WithLatency(base, jitter time.Duration) Option {
	return func(l *simwork.Latency) {
		l.Base, l.Jitter = base, jitter
	}
}

// Registration returns the service's operation table.
func Registration(opts ...Option) (*server.Registration, error) {
	latency := simwork.Latency{Base: DefaultLatency}
	for _, opt := range opts {
		opt(&latency)
	}

	reg := server.NewRegistration(Name)
	err := reg.Handle(OpAdd, 2, func(_ *server.Runtime, args []float64) server.Step {
		latency.Spend()
		return server.Return(args[0] + args[1])
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Client is the typed stub for the addition service.
type Client struct {
	svc *client.Service
}

func NewClient(svc *client.Service) *Client {
	return &Client{svc: svc}
}

func (c *Client) Add(a, b float64) (float64, error) {
	return c.svc.Call(OpAdd, a, b)
}

func (c *Client) AddAsync(a, b float64) *client.Future {
	return c.svc.Async(OpAdd, a, b)
}
