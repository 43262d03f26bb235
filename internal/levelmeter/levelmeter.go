// Package levelmeter computes running peak/RMS level statistics over
// interleaved float32 audio. It sits outside the archival core (spec §1
// lists level metering as a non-goal of the core pipeline itself) but is
// cheap enough to tap the worker's write path for diagnostics/monitoring
// without affecting the archival invariants.
package levelmeter

import "math"

// Reading is one channel's level snapshot in both linear and dBFS form.
type Reading struct {
	PeakLinear float32
	RMSLinear  float32
	PeakDBFS   float64
	RMSDBFS    float64
}

// Meter accumulates per-channel peak and mean-square values across calls
// to Observe, reset by Snapshot.
type Meter struct {
	channels  int
	peak      []float32
	sumSquare []float64
	count     []uint64
}

// New creates a meter for the given channel count.
func New(channels int) *Meter {
	return &Meter{
		channels:  channels,
		peak:      make([]float32, channels),
		sumSquare: make([]float64, channels),
		count:     make([]uint64, channels),
	}
}

// Observe folds one block of interleaved samples into the running stats.
func (m *Meter) Observe(interleaved []float32, frames uint32) {
	for i := 0; i < int(frames); i++ {
		for ch := 0; ch < m.channels; ch++ {
			s := interleaved[i*m.channels+ch]
			a := s
			if a < 0 {
				a = -a
			}
			if a > m.peak[ch] {
				m.peak[ch] = a
			}
			m.sumSquare[ch] += float64(s) * float64(s)
			m.count[ch]++
		}
	}
}

func linearToDBFS(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}

// Snapshot returns the current reading per channel and resets the
// accumulators.
func (m *Meter) Snapshot() []Reading {
	out := make([]Reading, m.channels)
	for ch := 0; ch < m.channels; ch++ {
		var rms float64
		if m.count[ch] > 0 {
			rms = math.Sqrt(m.sumSquare[ch] / float64(m.count[ch]))
		}
		out[ch] = Reading{
			PeakLinear: m.peak[ch],
			RMSLinear:  float32(rms),
			PeakDBFS:   linearToDBFS(float64(m.peak[ch])),
			RMSDBFS:    linearToDBFS(rms),
		}
		m.peak[ch] = 0
		m.sumSquare[ch] = 0
		m.count[ch] = 0
	}
	return out
}
