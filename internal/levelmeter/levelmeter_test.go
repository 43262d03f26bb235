package levelmeter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserveSnapshot_MonoConstantSignal(t *testing.T) {
	m := New(1)
	data := []float32{0.5, 0.5, 0.5, 0.5}
	m.Observe(data, 4)

	r := m.Snapshot()
	assert.InDelta(t, 0.5, r[0].PeakLinear, 1e-6)
	assert.InDelta(t, 0.5, r[0].RMSLinear, 1e-6)
}

func TestSnapshot_ResetsAccumulators(t *testing.T) {
	m := New(1)
	m.Observe([]float32{1.0}, 1)
	_ = m.Snapshot()

	r := m.Snapshot()
	assert.EqualValues(t, 0, r[0].PeakLinear)
	assert.True(t, math.IsInf(r[0].RMSDBFS, -1))
}

func TestObserve_StereoChannelsIndependent(t *testing.T) {
	m := New(2)
	// L=1.0, R=0.25 repeated.
	m.Observe([]float32{1.0, 0.25, 1.0, 0.25}, 2)

	r := m.Snapshot()
	assert.InDelta(t, 1.0, r[0].PeakLinear, 1e-6)
	assert.InDelta(t, 0.25, r[1].PeakLinear, 1e-6)
}
