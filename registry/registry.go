// Package registry is the broker a Service Connection asks to turn a
// ServiceName into a live, reachable instance.
//
// Two implementations ship: EtcdRegistry for real deployments and
// MemoryRegistry for single-process meshes and tests.
package registry

import (
	"context"
	"errors"
)

// ErrEmptyName is returned when a service is registered without a name.
var ErrEmptyName = errors.New("registry: service name must not be empty")

// ServiceInstance is what a server advertises for each service it hosts.
type ServiceInstance struct {
	Addr       string
	Weight     int // Weight for load balancing
	Version    string
	Operations []string // Operation identifiers the instance serves
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
