package pwinput

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianwynne/audyn/internal/framepool"
	"github.com/brianwynne/audyn/internal/framequeue"
)

func newTestProducer(t *testing.T, framesPerCallback int) (*Producer, *framepool.Pool, *framequeue.Queue) {
	t.Helper()
	pool, err := framepool.New(4, 2, 4096)
	require.NoError(t, err)
	queue, err := framequeue.New(4)
	require.NoError(t, err)

	p, err := New(Config{
		SampleRate:        48000,
		Channels:          2,
		FramesPerCallback: framesPerCallback,
		DeviceID:          -1,
	}, pool, queue)
	require.NoError(t, err)
	return p, pool, queue
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	pool, err := framepool.New(4, 2, 4096)
	require.NoError(t, err)
	queue, err := framequeue.New(4)
	require.NoError(t, err)

	_, err = New(Config{Channels: 2, FramesPerCallback: 128}, pool, queue)
	assert.Error(t, err)
	_, err = New(Config{SampleRate: 48000, FramesPerCallback: 128}, pool, queue)
	assert.Error(t, err)
	_, err = New(Config{SampleRate: 48000, Channels: 2}, pool, queue)
	assert.Error(t, err)
}

func TestOnAudio_PushesAcquiredFrameToQueue(t *testing.T) {
	p, _, queue := newTestProducer(t, 4)

	in := []float32{0.1, -0.1, 0.2, -0.2, 0.3, -0.3, 0.4, -0.4}
	p.onAudio(in)

	f := queue.Pop()
	require.NotNil(t, f)
	assert.EqualValues(t, 4, f.SampleFrames)
	assert.EqualValues(t, 2, f.Channels)
	assert.Equal(t, in, f.Data[:len(in)])
	assert.EqualValues(t, 4, p.GetStats().FramesCaptured)
}

func TestOnAudio_DropsEmptyBuffer(t *testing.T) {
	p, _, queue := newTestProducer(t, 4)

	p.onAudio(nil)

	assert.Nil(t, queue.Pop())
	assert.EqualValues(t, 1, p.GetStats().DropsEmpty)
}

func TestOnAudio_TruncatesWhenExceedingFrameCapacity(t *testing.T) {
	// pool frames hold at most 4096 sample-frames; request a callback
	// buffer of 8192 sample-frames to force truncation.
	p, pool, queue := newTestProducer(t, 8192)
	_ = pool

	in := make([]float32, 8192*2)
	for i := range in {
		in[i] = 1
	}
	p.onAudio(in)

	f := queue.Pop()
	require.NotNil(t, f)
	assert.EqualValues(t, 4096, f.SampleFrames)
	assert.EqualValues(t, 1, p.GetStats().Truncations)
}

func TestOnAudio_DropsWhenPoolExhausted(t *testing.T) {
	pool, err := framepool.New(1, 2, 16)
	require.NoError(t, err)
	queue, err := framequeue.New(4)
	require.NoError(t, err)
	p, err := New(Config{SampleRate: 48000, Channels: 2, FramesPerCallback: 4, DeviceID: -1}, pool, queue)
	require.NoError(t, err)

	held := pool.Acquire()
	require.NotNil(t, held)

	p.onAudio([]float32{0, 0, 0, 0})
	assert.EqualValues(t, 1, p.GetStats().DropsPool)

	pool.Release(held)
}
