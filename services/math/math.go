// Package math is a delegating service. It computes nothing itself: every
// operation is one or more nested calls to the addition and squaring
// services, awaited without holding the Dispatch Core.
package math

import (
	"errors"

	"mesh-rpc/client"
	"mesh-rpc/server"
	"mesh-rpc/services/addition"
	"mesh-rpc/services/squaring"
)

const (
	Name = "math"

	OpAdd          = "add"
	OpSquare       = "square"
	OpSumOfSquares = "sumOfSquares"
	OpSquareAndAdd = "squareAndAdd"
)

func first(results []float64) server.Step {
	return server.Return(results[0])
}

// add(x, y) forwards to addition.add.
func add(rt *server.Runtime, args []float64) server.Step {
	sum := rt.Async(addition.Name, addition.OpAdd, args[0], args[1])
	return server.Await(first, sum)
}

// square(data) forwards to squaring.square.
func square(rt *server.Runtime, args []float64) server.Step {
	sq := rt.Async(squaring.Name, squaring.OpSquare, args[0])
	return server.Await(first, sq)
}

// sumOfSquares(x, y) squares both in parallel, then suspends again on the
// addition of the two squares.
func sumOfSquares(rt *server.Runtime, args []float64) server.Step {
	sx := rt.Async(squaring.Name, squaring.OpSquare, args[0])
	sy := rt.Async(squaring.Name, squaring.OpSquare, args[1])
	return server.Await(func(squares []float64) server.Step {
		total := rt.Async(addition.Name, addition.OpAdd, squares[0], squares[1])
		return server.Await(first, total)
	}, sx, sy)
}

// squareAndAdd(s, x, y) returns s² + (x + y) with both nested calls in flight together.
func squareAndAdd(rt *server.Runtime, args []float64) server.Step {
	squared := rt.Async(squaring.Name, squaring.OpSquare, args[0])
	summed := rt.Async(addition.Name, addition.OpAdd, args[1], args[2])
	return server.Await(func(r []float64) server.Step {
		return server.Return(r[0] + r[1])
	}, squared, summed)
}

// Registration returns the service's operation table.
func Registration() (*server.Registration, error) {
	reg := server.NewRegistration(Name)
	err := errors.Join(
		reg.Handle(OpAdd, 2, add),
		reg.Handle(OpSquare, 1, square),
		reg.Handle(OpSumOfSquares, 2, sumOfSquares),
		reg.Handle(OpSquareAndAdd, 3, squareAndAdd),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Client is the typed stub for the math service.
type Client struct {
	svc *client.Service
}

func NewClient(svc *client.Service) *Client {
	return &Client{svc: svc}
}

func (c *Client) Add(x, y float64) (float64, error) {
	return c.svc.Call(OpAdd, x, y)
}

func (c *Client) AddAsync(x, y float64) *client.Future {
	return c.svc.Async(OpAdd, x, y)
}

func (c *Client) Square(data float64) (float64, error) {
	return c.svc.Call(OpSquare, data)
}

func (c *Client) SquareAsync(data float64) *client.Future {
	return c.svc.Async(OpSquare, data)
}

func (c *Client) SumOfSquares(x, y float64) (float64, error) {
	return c.svc.Call(OpSumOfSquares, x, y)
}

func (c *Client) SquareAndAdd(s, x, y float64) (float64, error) {
	return c.svc.Call(OpSquareAndAdd, s, x, y)
}
