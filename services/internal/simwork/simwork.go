// Package simwork stands in for real compute in the leaf services.
package simwork

import (
	"math/rand/v2"
	"time"
)

// Latency is the simulated cost of one call: Base plus a uniform draw in [0, Jitter).
type Latency struct {
	Base   time.Duration
	Jitter time.Duration
}

// Draw returns the duration for one call.
func (l Latency) Draw() time.Duration {
	d := l.Base
	if l.Jitter > 0 {
		d += rand.N(l.Jitter)
	}
	return d
}

// Spend blocks the calling goroutine for one draw.
func (l Latency) Spend() {
	if d := l.Draw(); d > 0 {
		time.Sleep(d)
	}
}
