// Package pwinput implements the local-capture fallback producer: when
// AES67 ingest isn't wanted, Audyn pulls PCM straight from a local audio
// device via PortAudio (spec §1/§9's "PipeWire library as alternative
// producer"). Its callback obeys the same allocation-free, non-blocking
// contract as the RTP receiver: pre-sized buffers, pool/queue handoff, no
// allocation on the hot path.
package pwinput

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/brianwynne/audyn/internal/framepool"
	"github.com/brianwynne/audyn/internal/framequeue"
)

// pollLoop keeps calling stream.Read into inBuf and feeding onAudio until
// stopCh is closed. PortAudio's blocking API (as opposed to its realtime
// callback API) is what the example pack actually wires up, so the pull
// loop — not a process callback — is the producer thread here; the
// allocation-free contract still applies to everything inside it.

// Config configures a Producer.
type Config struct {
	SampleRate   float64
	Channels     int
	FramesPerCallback int
	DeviceID     int // -1 selects the default input device
}

// Stats mirrors audyn_pw_stats_t.
type Stats struct {
	FramesCaptured uint64
	Callbacks      uint64
	DropsPool      uint64
	DropsQueue     uint64
	DropsEmpty     uint64
	Truncations    uint64
}

type statCounters struct {
	framesCaptured atomic.Uint64
	callbacks      atomic.Uint64
	dropsPool      atomic.Uint64
	dropsQueue     atomic.Uint64
	dropsEmpty     atomic.Uint64
	truncations    atomic.Uint64
}

func (s *statCounters) snapshot() Stats {
	return Stats{
		FramesCaptured: s.framesCaptured.Load(),
		Callbacks:      s.callbacks.Load(),
		DropsPool:      s.dropsPool.Load(),
		DropsQueue:     s.dropsQueue.Load(),
		DropsEmpty:     s.dropsEmpty.Load(),
		Truncations:    s.truncations.Load(),
	}
}

// Producer captures from a local input device and feeds decoded frames
// into the shared pool/queue, the same handoff the RTP receiver uses.
type Producer struct {
	cfg   Config
	pool  *framepool.Pool
	queue *framequeue.Queue

	stream *portaudio.Stream
	inBuf  []float32 // pre-sized, reused every poll; never reallocated

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	lastErr error

	stats statCounters
}

// New constructs a Producer. The PortAudio library itself must already be
// initialized by the caller (portaudio.Initialize), mirroring the original
// pipeline's single process-wide audio-library lifetime.
func New(cfg Config, pool *framepool.Pool, queue *framequeue.Queue) (*Producer, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FramesPerCallback <= 0 {
		return nil, fmt.Errorf("pwinput: sample rate, channels, and frames-per-callback are required")
	}
	return &Producer{
		cfg:   cfg,
		pool:  pool,
		queue: queue,
		inBuf: make([]float32, cfg.FramesPerCallback*cfg.Channels),
	}, nil
}

func (p *Producer) resolveDevice() (*portaudio.DeviceInfo, error) {
	if p.cfg.DeviceID < 0 {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("pwinput: enumerate devices: %w", err)
	}
	if p.cfg.DeviceID >= len(devices) {
		return nil, fmt.Errorf("pwinput: device id %d out of range", p.cfg.DeviceID)
	}
	return devices[p.cfg.DeviceID], nil
}

// Start opens and begins the capture stream. Calling Start twice is a
// no-op.
func (p *Producer) Start() error {
	if p.running.Load() {
		return nil
	}

	dev, err := p.resolveDevice()
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: p.cfg.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      p.cfg.SampleRate,
		FramesPerBuffer: p.cfg.FramesPerCallback,
	}

	stream, err := portaudio.OpenStream(params, p.inBuf)
	if err != nil {
		return fmt.Errorf("pwinput: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("pwinput: start stream: %w", err)
	}

	p.stream = stream
	p.stopCh = make(chan struct{})
	p.running.Store(true)

	p.wg.Add(1)
	go p.pollLoop()
	return nil
}

// Stop signals the poll loop to exit, waits for it, then stops and closes
// the capture stream. Calling Stop twice is a no-op.
func (p *Producer) Stop() error {
	if !p.running.Load() {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()
	p.running.Store(false)

	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("pwinput: stop stream: %w", err)
	}
	return p.stream.Close()
}

func (p *Producer) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if err := p.stream.Read(); err != nil {
			p.mu.Lock()
			p.lastErr = fmt.Errorf("pwinput: stream read: %w", err)
			p.mu.Unlock()
			return
		}
		p.onAudio(p.inBuf)
	}
}

// IsRunning reports whether the stream is active.
func (p *Producer) IsRunning() bool { return p.running.Load() }

// GetLastError returns the most recent callback-thread error, if any.
func (p *Producer) GetLastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// GetStats returns a snapshot of the producer's counters.
func (p *Producer) GetStats() Stats { return p.stats.snapshot() }

// onAudio runs on the poll loop after each successful stream.Read. It must
// not allocate: inBuf is reused every poll, and pool frames are
// pre-allocated, so the only work here is copying and index bookkeeping.
func (p *Producer) onAudio(in []float32) {
	p.stats.callbacks.Add(1)

	if len(in) == 0 {
		p.stats.dropsEmpty.Add(1)
		return
	}

	f := p.pool.Acquire()
	if f == nil {
		p.stats.dropsPool.Add(1)
		return
	}

	frames := len(in) / p.cfg.Channels
	if uint32(frames) > f.Capacity() {
		frames = int(f.Capacity())
		p.stats.truncations.Add(1)
	}

	n := frames * p.cfg.Channels
	copy(f.Data[:n], in[:n])
	f.SampleFrames = uint32(frames)
	f.Channels = uint16(p.cfg.Channels)

	if !p.queue.Push(f) {
		p.pool.Release(f)
		p.stats.dropsQueue.Add(1)
		return
	}
	p.stats.framesCaptured.Add(uint64(frames))
}
