package loadbalance

import (
	"fmt"
	"testing"

	"mesh-rpc/registry"

	"github.com/stretchr/testify/require"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var order []string
	for i := 0; i < 4; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		order = append(order, inst.Addr)
	}
	require.Equal(t, []string{":8001", ":8002", ":8003", ":8001"}, order)
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("k")} {
		_, err := b.Pick(nil)
		require.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 should be picked about twice as often as :8002.
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	require.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.ServiceInstance{{Addr: ":9001"}})
	require.NoError(t, err)
	require.Equal(t, ":9001", inst.Addr)
}

func TestConsistentHashIsSticky(t *testing.T) {
	b := NewConsistentHashBalancer("client-123")

	first, err := b.Pick(testInstances)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		require.Equal(t, first.Addr, inst.Addr)
	}

	// Removing an instance other than ours keeps the mapping.
	var rest []registry.ServiceInstance
	for _, inst := range testInstances {
		if inst.Addr != first.Addr {
			rest = append(rest, inst)
		}
	}
	inst, err := b.Pick([]registry.ServiceInstance{*first, rest[0]})
	require.NoError(t, err)
	require.Equal(t, first.Addr, inst.Addr)

	// Removing ours moves the key elsewhere.
	moved, err := b.Pick(rest)
	require.NoError(t, err)
	require.NotEqual(t, first.Addr, moved.Addr)
}

func TestConsistentHashSpreadsKeys(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := NewConsistentHashBalancer(fmt.Sprintf("key-%d", i)).Pick(testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	require.GreaterOrEqual(t, len(seen), 2)
}
