package vox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserve_OpensAboveThreshold(t *testing.T) {
	g := New(-20, 0)
	loud := []float32{0.5, 0.5, 0.5, 0.5}
	assert.True(t, g.Observe(loud, 4, 1))
}

func TestObserve_ClosesBelowThresholdAfterHold(t *testing.T) {
	g := New(-20, 2)
	quiet := []float32{0.0001, 0.0001}

	assert.True(t, g.Observe(quiet, 2, 1))  // within hold window
	assert.False(t, g.Observe(quiet, 2, 1)) // hold exhausted (2 frames consumed)
	assert.False(t, g.Observe(quiet, 2, 1)) // stays closed
}

func TestObserve_LoudResetsHoldCounter(t *testing.T) {
	g := New(-20, 1)
	loud := []float32{0.9}
	quiet := []float32{0.0001}

	assert.True(t, g.Observe(loud, 1, 1))
	assert.True(t, g.Observe(quiet, 1, 1)) // within hold
	assert.True(t, g.Observe(loud, 1, 1))  // loud again resets hold
	assert.True(t, g.Observe(quiet, 1, 1)) // within hold again
}

func TestReset_ClearsHoldState(t *testing.T) {
	g := New(-20, 5)
	quiet := []float32{0.0001}
	g.Observe(quiet, 1, 1)
	g.Reset()
	assert.EqualValues(t, 0, g.silenceRun)
}
