package squaring_test

import (
	"context"
	"testing"
	"time"

	"mesh-rpc/internal/meshtest"
	"mesh-rpc/registry"
	"mesh-rpc/rpcerr"
	"mesh-rpc/services/addition"
	"mesh-rpc/services/squaring"

	"github.com/stretchr/testify/require"
)

func TestSquare(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ops, err := squaring.Registration(squaring.WithLatency(time.Millisecond, 0))
	require.NoError(t, err)
	meshtest.Serve(t, reg, meshtest.Runtime(t, squaring.Name, nil), ops)

	svc, err := meshtest.Connection(t, reg).Resolve(context.Background(), squaring.Name)
	require.NoError(t, err)
	c := squaring.NewClient(svc)

	for _, tc := range []struct{ in, want float64 }{
		{4, 16}, {0, 0}, {-3, 9}, {1.5, 2.25},
	} {
		v, err := c.Square(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, v)

		async, err := c.SquareAsync(tc.in).Wait()
		require.NoError(t, err)
		require.Equal(t, v, async)
	}

	_, err = svc.Call(squaring.OpSquare, 1, 2)
	require.ErrorIs(t, err, rpcerr.ErrRemoteFailure)
}

// Two independent non-blocking calls to different services overlap: the pair
// takes about as long as the slower one, well under the sum.
func TestIndependentAsyncCallsOverlap(t *testing.T) {
	const (
		squareCost = 300 * time.Millisecond
		addCost    = 200 * time.Millisecond
	)
	reg := registry.NewMemoryRegistry()
	sqOps, err := squaring.Registration(squaring.WithLatency(squareCost, 0))
	require.NoError(t, err)
	addOps, err := addition.Registration(addition.WithLatency(addCost, 0))
	require.NoError(t, err)
	meshtest.Serve(t, reg, meshtest.Runtime(t, squaring.Name, nil), sqOps)
	meshtest.Serve(t, reg, meshtest.Runtime(t, addition.Name, nil), addOps)

	conn := meshtest.Connection(t, reg)
	ssvc, err := conn.Resolve(context.Background(), squaring.Name)
	require.NoError(t, err)
	asvc, err := conn.Resolve(context.Background(), addition.Name)
	require.NoError(t, err)
	ss, ads := squaring.NewClient(ssvc), addition.NewClient(asvc)

	start := time.Now()
	squared := ss.SquareAsync(3)
	summed := ads.AddAsync(2, 3)
	sq, err := squared.Wait()
	require.NoError(t, err)
	sum, err := summed.Wait()
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Equal(t, 9.0, sq)
	require.Equal(t, 5.0, sum)
	require.GreaterOrEqual(t, elapsed, squareCost)
	require.Less(t, elapsed, squareCost+addCost)
}
