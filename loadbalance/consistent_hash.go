package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"mesh-rpc/registry"
)

// ConsistentHashBalancer maps a fixed affinity key onto a hash ring of the
// current instances, so one caller keeps resolving to the same server while
// the instance set is stable, and only moves when its server disappears.
//
// Each real instance owns `replicas` virtual nodes hashed from "{addr}#{i}",
// which keeps the ring statistically uniform with few instances.
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	built string // joined addresses the ring was built from
	ring  []uint32
	nodes map[uint32]string // hash → addr
}

// NewConsistentHashBalancer creates a balancer for one affinity key with 100
// virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]string),
	}
}

func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	b.rebuildLocked(instances)
	hash := crc32.ChecksumIEEE([]byte(b.key))
	// First node clockwise from the key, wrapping past the end of the ring.
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("loadbalance: ring node %s not among instances", addr)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) rebuildLocked(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	slices.Sort(addrs)
	signature := strings.Join(addrs, ",")
	if signature == b.built {
		return
	}

	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = addr
		}
	}
	slices.Sort(b.ring)
	b.built = signature
}
