package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Operations: []string{"add"}}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Operations: []string{"add"}}
	require.NoError(t, reg.Register(ctx, "addition", inst1, 10))
	require.NoError(t, reg.Register(ctx, "addition", inst2, 10))

	instances, err := reg.Discover(ctx, "addition")
	require.NoError(t, err)
	require.Equal(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "addition", inst1.Addr))
	instances, err = reg.Discover(ctx, "addition")
	require.NoError(t, err)
	require.Equal(t, []ServiceInstance{inst2}, instances)

	instances, err = reg.Discover(ctx, "squaring")
	require.NoError(t, err)
	require.Empty(t, instances)

	require.ErrorIs(t, reg.Register(ctx, "", inst1, 10), ErrEmptyName)
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()

	ch := reg.Watch(ctx, "squaring")
	require.Empty(t, <-ch)

	inst := ServiceInstance{Addr: "127.0.0.1:9000"}
	require.NoError(t, reg.Register(ctx, "squaring", inst, 10))
	require.Equal(t, []ServiceInstance{inst}, <-ch)

	require.NoError(t, reg.Deregister(ctx, "squaring", inst.Addr))
	require.Empty(t, <-ch)

	cancel()
	for range ch {
	}
}
