package loadbalance

import (
	"math/rand/v2"

	"mesh-rpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// Weight. Instances with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for i := range instances {
		totalWeight += weightOf(&instances[i])
	}

	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= weightOf(&instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(inst *registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
