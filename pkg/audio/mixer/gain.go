package mixer

import (
	"math"
	"sync/atomic"
)

// MaxGain is the upper bound applied to every gain stage.
const MaxGain = 4.0

// gain is a lock-free gain stage value.
type gain struct {
	bits atomic.Uint64
}

// Store sets the gain, clamped to [0, MaxGain]. NaN is treated as unity.
func (g *gain) Store(v float64) {
	g.bits.Store(math.Float64bits(ClampGain(v)))
}

// Load returns the current gain.
func (g *gain) Load() float64 {
	return math.Float64frombits(g.bits.Load())
}

// ClampGain normalises a requested gain to the supported range.
func ClampGain(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > MaxGain:
		return MaxGain
	}
	return v
}
