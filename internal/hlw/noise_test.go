package hlw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoiseSteadyTrainIsQuiet(t *testing.T) {
	n := newNoiseEstimator(NoiseConfig{Window: 5, Threshold: 0.25, RateRef: 10})
	for i := 0; i < 20; i++ {
		n.Add(2000)
	}
	assert.Equal(t, 0.0, n.Level())
	assert.False(t, n.Noisy())
}

func TestNoiseErraticTrainIsNoisy(t *testing.T) {
	n := newNoiseEstimator(NoiseConfig{Window: 5, Threshold: 0.25, RateRef: 10})
	for _, d := range []uint32{1000, 9000, 1000, 9000, 1000} {
		n.Add(d)
	}
	// mean 4200, spread 8000
	assert.InDelta(t, 8000.0/4200, n.Level(), 1e-9)
	assert.True(t, n.Noisy())
}

func TestNoiseNeedsFullWindow(t *testing.T) {
	n := newNoiseEstimator(NoiseConfig{Window: 5, Threshold: 0.25})
	for _, d := range []uint32{1000, 9000, 1000, 9000} {
		n.Add(d)
	}
	assert.False(t, n.Noisy())

	n.Add(0)
	assert.False(t, n.Noisy(), "zero intervals are ignored")

	n.Add(1000)
	assert.True(t, n.Noisy())
}

func TestNoiseSlowTrainMovesSlowly(t *testing.T) {
	n := newNoiseEstimator(NoiseConfig{Window: 5, Threshold: 0.25, RateRef: 10})
	for i := 0; i < 5; i++ {
		n.Add(1000000)
	}
	n.Add(3000000)

	raw := (0.4e6 + 1.6e6) / 1.4e6
	assert.Greater(t, n.Level(), 0.0)
	assert.Less(t, n.Level(), raw)
	assert.False(t, n.Noisy())
}

func TestNoiseReset(t *testing.T) {
	n := newNoiseEstimator(NoiseConfig{Window: 2, Threshold: 0.25})
	n.Add(1000)
	n.Add(5000)
	assert.True(t, n.Noisy())

	n.Reset()
	assert.False(t, n.Noisy())
	assert.Equal(t, 0.0, n.Level())
}
