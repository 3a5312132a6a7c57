// Package loadbalance picks one instance when several servers advertise the
// same ServiceName.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances, honouring ServiceInstance.Weight
//   - ConsistentHash:  a caller sticks to one instance for a given affinity key
package loadbalance

import (
	"errors"

	"mesh-rpc/registry"
)

// ErrNoInstances is returned by Pick when the list is empty.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is called once per Resolve. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging).
	Name() string
}
