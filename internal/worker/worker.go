// Package worker implements the single consumer thread that drains the
// frame queue, drives archive rotation, and writes to whichever sink is
// currently open (spec §5). All file I/O happens here and nowhere else.
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianwynne/audyn/internal/archivepolicy"
	"github.com/brianwynne/audyn/internal/framepool"
	"github.com/brianwynne/audyn/internal/framequeue"
	"github.com/brianwynne/audyn/internal/ptpclock"
)

// Sink is satisfied by both wavsink.Sink and opussink.Sink.
type Sink interface {
	Open(path string, sampleRate uint32, channels uint16) error
	Write(interleaved []float32, frames uint32, channels uint16) error
	Close() error
}

const idlePollInterval = 2 * time.Millisecond

// Config configures a Worker.
type Config struct {
	SampleRate uint32
	Channels   uint16

	// DrainOnStop, if true, keeps writing queued frames after Stop is
	// requested until the queue is empty, rather than abandoning them.
	// Grounded on the original worker's cfg.drain_on_stop bit.
	DrainOnStop bool
}

// Stats mirrors audyn.c's worker_ctx_t counters.
type Stats struct {
	FilesWritten  uint64
	FramesWritten uint64
	Rotations     uint64
}

type statCounters struct {
	filesWritten  atomic.Uint64
	framesWritten atomic.Uint64
	rotations     atomic.Uint64
}

func (s *statCounters) snapshot() Stats {
	return Stats{
		FilesWritten:  s.filesWritten.Load(),
		FramesWritten: s.framesWritten.Load(),
		Rotations:     s.rotations.Load(),
	}
}

// Worker ties the queue, archive policy, and sink together on one
// goroutine between Start and Stop.
type Worker struct {
	cfg    Config
	queue  *framequeue.Queue
	pool   *framepool.Pool
	policy *archivepolicy.Policy
	clock  *ptpclock.Clock
	sink   Sink

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	lastErr  error
	sinkOpen bool

	stats statCounters
}

// New constructs a Worker. sink must be freshly created (unopened).
func New(cfg Config, queue *framequeue.Queue, pool *framepool.Pool, policy *archivepolicy.Policy, clock *ptpclock.Clock, sink Sink) (*Worker, error) {
	if cfg.SampleRate == 0 || cfg.Channels == 0 {
		return nil, fmt.Errorf("worker: sample rate and channels are required")
	}
	return &Worker{
		cfg:    cfg,
		queue:  queue,
		pool:   pool,
		policy: policy,
		clock:  clock,
		sink:   sink,
	}, nil
}

// Start spawns the consumer goroutine. Calling Start twice is a no-op.
func (w *Worker) Start() error {
	if w.running.Load() {
		return nil
	}
	w.stopCh = make(chan struct{})
	w.running.Store(true)
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop signals the consumer to exit (after draining, if configured) and
// waits for it to finish.
func (w *Worker) Stop() {
	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	w.running.Store(false)
}

// IsRunning reports whether the consumer goroutine is active.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// GetLastError returns the most recent fatal error observed by the
// consumer goroutine, if any.
func (w *Worker) GetLastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Worker) setLastErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// GetStats returns a snapshot of the worker's counters.
func (w *Worker) GetStats() Stats { return w.stats.snapshot() }

func (w *Worker) run() {
	defer w.wg.Done()
	defer w.closeSink()

	for {
		stopping := w.stopRequested()

		if err := w.maybeRotate(); err != nil {
			w.setLastErr(fmt.Errorf("worker: rotation failed: %w", err))
			return
		}

		if stopping && !w.cfg.DrainOnStop {
			return
		}

		f := w.queue.Pop()
		if f == nil {
			if stopping && w.queueEmpty() {
				return
			}
			time.Sleep(idlePollInterval)
			continue
		}

		if err := w.sink.Write(f.Data[:int(f.SampleFrames)*int(f.Channels)], f.SampleFrames, f.Channels); err != nil {
			w.pool.Release(f)
			w.setLastErr(fmt.Errorf("worker: sink write: %w", err))
			return
		}
		w.stats.framesWritten.Add(uint64(f.SampleFrames))
		w.pool.Release(f)
	}
}

func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) queueEmpty() bool {
	// Racy in general, but this worker is the queue's sole consumer, so a
	// false-negative here just costs one more idle poll.
	f := w.queue.Pop()
	if f == nil {
		return true
	}
	if err := w.sink.Write(f.Data[:int(f.SampleFrames)*int(f.Channels)], f.SampleFrames, f.Channels); err == nil {
		w.stats.framesWritten.Add(uint64(f.SampleFrames))
	}
	w.pool.Release(f)
	return false
}

func (w *Worker) maybeRotate() error {
	now := w.rotationClockNs()
	if !w.policy.ShouldRotate(now) {
		return nil
	}

	hadPrevious := w.sinkOpen
	if w.sinkOpen {
		if err := w.sink.Close(); err != nil {
			return fmt.Errorf("close previous file: %w", err)
		}
		w.sinkOpen = false
	}

	path, err := w.policy.NextPath(now)
	if err != nil {
		return fmt.Errorf("compute next path: %w", err)
	}
	if err := w.sink.Open(path, w.cfg.SampleRate, w.cfg.Channels); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	w.policy.Advance()
	w.sinkOpen = true

	w.stats.filesWritten.Add(1)
	if hadPrevious {
		w.stats.rotations.Add(1)
	}
	return nil
}

// rotationClockNs returns the time value the archive policy expects: system
// realtime for localtime/utc clock sources, or the PTP-correlated clock for
// ptp_tai (spec §4.F — "localtime and utc read system realtime; ptp_tai uses
// the caller-supplied ns value"). w.clock.NowNS() is only meaningful here
// when it is actually reading PTP/realtime (ModeSoftware/ModeHardware); in
// the common no-PTP-flags configuration it reads CLOCK_MONOTONIC, which
// would misdate every rotation if fed to the policy unconditionally.
func (w *Worker) rotationClockNs() uint64 {
	if w.policy.ClockSource() == archivepolicy.ClockPTPTai {
		return w.clock.NowNS()
	}
	return uint64(time.Now().UnixNano())
}

func (w *Worker) closeSink() {
	if w.sinkOpen {
		_ = w.sink.Close()
		w.sinkOpen = false
	}
}
