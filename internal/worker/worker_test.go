package worker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianwynne/audyn/internal/archivepolicy"
	"github.com/brianwynne/audyn/internal/framepool"
	"github.com/brianwynne/audyn/internal/framequeue"
	"github.com/brianwynne/audyn/internal/ptpclock"
)

type fakeSink struct {
	mu       sync.Mutex
	opens    int
	closes   int
	frames   uint64
	failAll  bool
	lastPath string
}

func (f *fakeSink) Open(path string, sampleRate uint32, channels uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.lastPath = path
	return nil
}

func (f *fakeSink) Write(interleaved []float32, frames uint32, channels uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames += uint64(frames)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSink) snapshot() (opens, closes int, frames uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, f.frames
}

func newTestWorker(t *testing.T, periodSec uint32) (*Worker, *framepool.Pool, *framequeue.Queue, *fakeSink) {
	t.Helper()
	pool, err := framepool.New(8, 2, 48)
	require.NoError(t, err)
	queue, err := framequeue.New(8)
	require.NoError(t, err)
	policy, err := archivepolicy.New(archivepolicy.Config{
		RootDir: t.TempDir(), Suffix: "wav", Layout: archivepolicy.LayoutFlat,
		RotationPeriodSec: periodSec, ClockSource: archivepolicy.ClockUTC,
	})
	require.NoError(t, err)
	clock, err := ptpclock.New(ptpclock.Config{Mode: ptpclock.ModeNone})
	require.NoError(t, err)
	sink := &fakeSink{}

	w, err := New(Config{SampleRate: 48000, Channels: 2, DrainOnStop: true}, queue, pool, policy, clock, sink)
	require.NoError(t, err)
	return w, pool, queue, sink
}

func TestWorker_WritesQueuedFramesIntoOneFile(t *testing.T) {
	w, pool, queue, sink := newTestWorker(t, 3600)

	for i := 0; i < 5; i++ {
		f := pool.Acquire()
		require.NotNil(t, f)
		f.SampleFrames = 48
		queue.Push(f)
	}

	require.NoError(t, w.Start())
	w.Stop()

	opens, closes, frames := sink.snapshot()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
	assert.EqualValues(t, 5*48, frames)

	stats := w.GetStats()
	assert.EqualValues(t, 1, stats.FilesWritten)
	assert.EqualValues(t, 0, stats.Rotations)
	assert.EqualValues(t, 5*48, stats.FramesWritten)
}

func TestWorker_DrainOnStop_FlushesQueueBeforeExit(t *testing.T) {
	w, pool, queue, sink := newTestWorker(t, 3600)

	require.NoError(t, w.Start())
	time.Sleep(5 * time.Millisecond) // let it open the first file and go idle

	for i := 0; i < 3; i++ {
		f := pool.Acquire()
		require.NotNil(t, f)
		f.SampleFrames = 48
		queue.Push(f)
	}

	w.Stop()

	_, _, frames := sink.snapshot()
	assert.EqualValues(t, 3*48, frames)
}

func TestWorker_RotationPathReflectsRealWallClock_NotMonotonicClock(t *testing.T) {
	// ModeNone's NowNS() reads CLOCK_MONOTONIC (ns since boot), which must
	// never reach archivepolicy for a localtime/utc policy — only a
	// ClockPTPTai policy should see it.
	w, pool, queue, sink := newTestWorker(t, 3600)

	f := pool.Acquire()
	require.NotNil(t, f)
	f.SampleFrames = 48
	queue.Push(f)

	require.NoError(t, w.Start())
	w.Stop()

	_, _, _ = sink.snapshot()
	assert.Contains(t, sink.lastPath, fmt.Sprintf("%04d-", time.Now().UTC().Year()))
}

func TestWorker_ReleasesFramesBackToPool(t *testing.T) {
	w, pool, queue, _ := newTestWorker(t, 3600)

	initial := pool.Available()
	f := pool.Acquire()
	queue.Push(f)

	require.NoError(t, w.Start())
	w.Stop()

	assert.EqualValues(t, initial, pool.Available())
}
