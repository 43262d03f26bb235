// Package vox implements a simple energy-threshold voice-activity gate
// that can be inserted between the frame queue and a sink (spec §1/§9:
// "a filter that may be inserted between queue and sink in future work").
// It is not wired into the default pipeline and the worker never calls it;
// a caller composes it in front of a sink itself.
package vox

import "math"

// Gate is an energy-threshold voice-activity gate with a hold time.
type Gate struct {
	thresholdLinear float32
	holdFrames       uint32
	silenceRun       uint32
}

// New creates a gate that opens when the block's RMS exceeds thresholdDB
// (dBFS, e.g. -40) and stays open for holdFrames sample-frames of silence
// before closing again, to avoid chopping off trailing syllables.
func New(thresholdDB float64, holdFrames uint32) *Gate {
	return &Gate{
		thresholdLinear: float32(math.Pow(10, thresholdDB/20)),
		holdFrames:      holdFrames,
	}
}

// Observe reports whether the given block should be written, updating the
// gate's hold-time state. channels must match the block's interleaving.
func (g *Gate) Observe(interleaved []float32, frames uint32, channels uint16) bool {
	if frames == 0 {
		return false
	}

	var sumSquare float64
	n := int(frames) * int(channels)
	for _, s := range interleaved[:n] {
		sumSquare += float64(s) * float64(s)
	}
	rms := float32(math.Sqrt(sumSquare / float64(n)))

	if rms >= g.thresholdLinear {
		g.silenceRun = 0
		return true
	}

	if g.silenceRun < g.holdFrames {
		g.silenceRun += frames
		return true
	}
	return false
}

// Reset clears the hold-time state, as if the gate had just been created.
func (g *Gate) Reset() {
	g.silenceRun = 0
}
