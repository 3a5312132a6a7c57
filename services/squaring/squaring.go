// Package squaring is a leaf service: square(x) returns x * x after a
// simulated compute delay.
package squaring

import (
	"time"

	"mesh-rpc/client"
	"mesh-rpc/server"
	"mesh-rpc/services/internal/simwork"
)

const (
	Name     = "squaring"
	OpSquare = "square"

	DefaultLatency = 2 * time.Second
)

// Option configures the handler.
type Option func(*simwork.Latency)

// WithLatency overrides the simulated cost of one square.
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
	err := reg.Handle(OpSquare, 1, func(_ *server.Runtime, args []float64) server.Step {
		latency.Spend()
		return server.Return(args[0] * args[0])
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Client is the typed stub for the squaring service.
type Client struct {
	svc *client.Service
}

func NewClient(svc *client.Service) *Client {
	return &Client{svc: svc}
}

func (c *Client) Square(x float64) (float64, error) {
	return c.svc.Call(OpSquare, x)
}

func (c *Client) SquareAsync(x float64) *client.Future {
	return c.svc.Async(OpSquare, x)
}
