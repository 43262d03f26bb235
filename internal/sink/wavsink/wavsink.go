// Package wavsink writes interleaved float32 audio as PCM16 RIFF/WAVE
// files. Not thread-safe; intended for use from a single consumer
// goroutine (spec §5).
package wavsink

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const (
	bitsPerSample = 16
	headerSize    = 44
	maxDataBytes  = math.MaxUint32 // classic RIFF/WAVE 32-bit size limit
)

// Config configures sink behavior.
type Config struct {
	// EnableFsync, if true, flushes and fsyncs the file after every
	// write and on close.
	EnableFsync bool
}

// Stats mirrors audyn_wav_stats_t.
type Stats struct {
	FramesWritten uint64
	BytesWritten  uint64
	SizeLimitHit  bool
}

// Sink writes one WAV file at a time. Call Open, then Write any number of
// times, then Close exactly once (a second Close is a no-op success).
type Sink struct {
	cfg Config

	f            *os.File
	sampleRate   uint32
	channels     uint16
	bytesWritten uint64
	closed       bool
	stats        Stats
}

// New creates a sink with the given config.
func New(cfg Config) *Sink {
	return &Sink{cfg: cfg}
}

func writeHeaderPlaceholder(f *os.File, sampleRate uint32, channels uint16) error {
	var buf [headerSize]byte

	copy(buf[0:4], "RIFF")
	// buf[4:8] riff size placeholder (zero)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)

	byteRate := sampleRate * uint32(channels) * (bitsPerSample / 8)
	blockAlign := channels * (bitsPerSample / 8)
	binary.LittleEndian.PutUint32(buf[28:32], byteRate)
	binary.LittleEndian.PutUint16(buf[32:34], blockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	// buf[40:44] data size placeholder (zero)

	_, err := f.Write(buf[:])
	return err
}

// Open creates path and writes a placeholder RIFF/WAVE header.
func (s *Sink) Open(path string, sampleRate uint32, channels uint16) error {
	if path == "" || sampleRate == 0 || channels == 0 {
		return fmt.Errorf("wavsink: invalid open arguments")
	}
	if s.f != nil {
		_ = s.Close()
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavsink: open %s: %w", path, err)
	}

	if err := writeHeaderPlaceholder(f, sampleRate, channels); err != nil {
		f.Close()
		return fmt.Errorf("wavsink: write header: %w", err)
	}

	s.f = f
	s.sampleRate = sampleRate
	s.channels = channels
	s.bytesWritten = 0
	s.closed = false
	s.stats = Stats{}
	return nil
}

func f32ToI16(x float32) int16 {
	if x > 1.0 {
		x = 1.0
	}
	if x < -1.0 {
		x = -1.0
	}
	v := int32(x * 32767.0)
	if v > 32767 {
		v = 32767
	}
	if v < -32768 {
		v = -32768
	}
	return int16(v)
}

// Write appends frames*channels interleaved float32 samples as PCM16. It
// never partially writes: if the resulting size would exceed the classic
// WAV 4 GiB limit, the write is rejected before anything is written.
func (s *Sink) Write(interleaved []float32, frames uint32, channels uint16) error {
	if s.f == nil {
		return fmt.Errorf("wavsink: write on unopened sink")
	}
	if channels != s.channels {
		return fmt.Errorf("wavsink: channel mismatch: sink=%d write=%d", s.channels, channels)
	}
	if frames == 0 {
		return nil
	}

	samples := uint64(frames) * uint64(channels)
	addBytes := samples * 2
	if s.bytesWritten+addBytes > maxDataBytes {
		s.stats.SizeLimitHit = true
		return fmt.Errorf("wavsink: WAV size limit exceeded (needs RF64)")
	}

	const chunk = 4096
	buf := make([]byte, 0, chunk*2)
	i := uint64(0)
	for i < samples {
		n := samples - i
		if n > chunk {
			n = chunk
		}
		buf = buf[:0]
		for j := uint64(0); j < n; j++ {
			v := uint16(f32ToI16(interleaved[i+j]))
			buf = append(buf, byte(v), byte(v>>8))
		}
		if _, err := s.f.Write(buf); err != nil {
			return fmt.Errorf("wavsink: write: %w", err)
		}
		s.bytesWritten += n * 2
		i += n
	}

	s.stats.FramesWritten += uint64(frames)
	s.stats.BytesWritten = s.bytesWritten

	if s.cfg.EnableFsync {
		return s.Sync()
	}
	return nil
}

// Sync flushes and fsyncs the underlying file.
func (s *Sink) Sync() error {
	if s.f == nil {
		return fmt.Errorf("wavsink: sync on unopened sink")
	}
	return s.f.Sync()
}

// Close patches the RIFF and data chunk sizes and closes the file. A
// second call is a no-op success.
func (s *Sink) Close() error {
	if s.f == nil || s.closed {
		return nil
	}

	if s.bytesWritten > maxDataBytes {
		s.f.Close()
		s.f = nil
		return fmt.Errorf("wavsink: WAV size limit exceeded")
	}

	if s.cfg.EnableFsync {
		if err := s.f.Sync(); err != nil {
			s.f.Close()
			s.f = nil
			return fmt.Errorf("wavsink: fsync: %w", err)
		}
	}

	dataSize := uint32(s.bytesWritten)
	riffSize := uint32(4) + (8 + 16) + (8 + dataSize)

	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], riffSize)
	if _, err := s.f.WriteAt(sz[:], 4); err != nil {
		s.f.Close()
		s.f = nil
		return fmt.Errorf("wavsink: patch RIFF size: %w", err)
	}

	binary.LittleEndian.PutUint32(sz[:], dataSize)
	if _, err := s.f.WriteAt(sz[:], 40); err != nil {
		s.f.Close()
		s.f = nil
		return fmt.Errorf("wavsink: patch data size: %w", err)
	}

	err := s.f.Close()
	s.f = nil
	s.closed = true
	return err
}

// StatsSnapshot returns a copy of the current counters.
func (s *Sink) StatsSnapshot() Stats {
	return s.stats
}
