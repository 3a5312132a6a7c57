package simwork

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDrawStaysInRange(t *testing.T) {
	l := Latency{Base: 10 * time.Millisecond, Jitter: 5 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := l.Draw()
		require.GreaterOrEqual(t, d, l.Base)
		require.Less(t, d, l.Base+l.Jitter)
	}
	require.Equal(t, time.Duration(0), Latency{}.Draw())
}
