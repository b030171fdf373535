package hlw

import "math"

// NoiseConfig tunes the current-channel noise detector.
type NoiseConfig struct {
	Window    int     // raw intervals per estimate
	Threshold float64 // score above which power and current read 0
	RateRef   float64 // pulse rate (Hz) at which one window replaces the estimate outright
}

// minNoiseWeight keeps very slow pulse trains moving the estimate at all.
const minNoiseWeight = 0.05

// NoiseEstimator scores how unstable the last few current intervals were.
// An unloaded shunt produces sparse, erratic CF1 pulses; a real load produces
// a steady train.
type NoiseEstimator struct {
	cfg    NoiseConfig
	buf    []uint32
	pos    int
	filled bool
	level  float64
	scored bool
}

func newNoiseEstimator(cfg NoiseConfig) *NoiseEstimator {
	if cfg.Window < 2 {
		cfg.Window = 2
	}
	return &NoiseEstimator{cfg: cfg, buf: make([]uint32, cfg.Window)}
}

// Add records one raw interval in µs and updates the score once the window
// is full.
func (n *NoiseEstimator) Add(diff uint32) {
	if diff == 0 {
		return
	}
	n.buf[n.pos] = diff
	n.pos = (n.pos + 1) % len(n.buf)
	if n.pos == 0 {
		n.filled = true
	}
	if !n.filled {
		return
	}

	var sum float64
	lo, hi := n.buf[0], n.buf[0]
	for _, v := range n.buf {
		sum += float64(v)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	mean := sum / float64(len(n.buf))
	raw := ((mean - float64(lo)) + (float64(hi) - mean)) / mean

	if !n.scored {
		n.level = raw
		n.scored = true
		return
	}
	// Fast trains replace the estimate quickly, slow trains nudge it.
	w := 1.0
	if n.cfg.RateRef > 0 {
		rate := 1e6 / mean
		w = math.Max(minNoiseWeight, math.Min(1, rate/n.cfg.RateRef))
	}
	n.level = n.level*(1-w) + raw*w
}

// Level returns the smoothed instability score (0 before the first full
// window).
func (n *NoiseEstimator) Level() float64 { return n.level }

// Noisy reports whether readings should be pinned to zero.
func (n *NoiseEstimator) Noisy() bool {
	return n.scored && n.level > n.cfg.Threshold
}

// Reset empties the window and forgets the score.
func (n *NoiseEstimator) Reset() {
	n.pos = 0
	n.filled = false
	n.level = 0
	n.scored = false
}
