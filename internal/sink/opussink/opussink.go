// Package opussink writes interleaved float32 audio as Opus packets inside
// a hand-framed Ogg container (RFC 7845 "Ogg Opus"). Not thread-safe;
// intended for use from a single consumer goroutine, mirroring wavsink
// (spec §5).
package opussink

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"gopkg.in/hraban/opus.v2"
)

// allowedSampleRates are the only rates libopus itself accepts.
var allowedSampleRates = map[uint32]bool{
	8000: true, 12000: true, 16000: true, 24000: true, 48000: true,
}

const (
	frameMs           = 20
	opusMaxPacketSize = 1275 // RFC 6716 max Opus packet size
	defaultComplexity = 5
	minComplexity     = 0
	maxComplexity     = 10
	minBitrate        = 6000
	maxBitrate        = 510000
	defaultFIFOSec    = 10

	pageHeaderType_BOS uint8 = 0x02
	pageHeaderType_EOS uint8 = 0x04
)

// Application selects the Opus encoder's signal-tuning profile.
type Application int

const (
	AppVoIP Application = iota
	AppAudio
	AppRestrictedLowdelay
)

func (a Application) opusValue() opus.Application {
	switch a {
	case AppAudio:
		return opus.AppAudio
	case AppRestrictedLowdelay:
		return opus.AppRestrictedLowdelay
	default:
		return opus.AppVoIP
	}
}

// ApplicationFromString parses a CLI/config application name.
func ApplicationFromString(s string) (Application, error) {
	switch s {
	case "voip", "":
		return AppVoIP, nil
	case "audio":
		return AppAudio, nil
	case "restricted-lowdelay":
		return AppRestrictedLowdelay, nil
	default:
		return 0, fmt.Errorf("opussink: unknown application %q", s)
	}
}

// Config configures a Sink.
type Config struct {
	Bitrate     int  // bps; 0 selects the per-channel default
	Complexity  int  // 0-10 is used as given; values outside that range select defaultComplexity
	VBR         bool // true = variable bitrate, false = constrained CBR
	Application Application
	FIFOSeconds int // 0 selects defaultFIFOSec
}

// Stats mirrors audyn's per-sink counters.
type Stats struct {
	FramesEncoded  uint64
	PacketsWritten uint64
	BytesWritten   uint64
	PagesWritten   uint64
	FIFOOverrun    bool
}

// Sink writes one Ogg Opus stream at a time. Call Open, then Write any
// number of times, then Close exactly once.
type Sink struct {
	cfg Config

	f          *os.File
	sampleRate uint32
	channels   uint16
	preskip    uint16

	enc *opus.Encoder

	fifo      []float32 // interleaved, not yet framed into 20ms packets
	fifoCapFr int       // capacity in frames (not samples)

	serial     uint32
	pageSeqNo  uint32
	granulePos int64
	packetNum  uint64
	bosWritten bool
	closed     bool

	stats Stats
}

// New creates a sink with the given config.
func New(cfg Config) *Sink {
	return &Sink{cfg: cfg}
}

func preskipSamples(sampleRate uint32) uint16 {
	// 312 samples of algorithmic encoder delay at 48kHz, scaled to the
	// stream's actual sample rate per RFC 7845 §4.
	return uint16(312 * sampleRate / 48000)
}

func defaultBitrate(channels uint16) int {
	if channels >= 2 {
		return 96000
	}
	return 64000
}

func newSerial() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err == nil {
		return binary.BigEndian.Uint32(b[:])
	}
	return uint32(os.Getpid())*2654435761 ^ uint32(time.Now().UnixNano())
}

// Open creates path, starts a fresh Opus encoder and Ogg stream, and
// writes the OpusHead/OpusTags header pages.
func (s *Sink) Open(path string, sampleRate uint32, channels uint16) error {
	if path == "" || channels == 0 {
		return fmt.Errorf("opussink: invalid open arguments")
	}
	if !allowedSampleRates[sampleRate] {
		return fmt.Errorf("opussink: unsupported sample rate %d", sampleRate)
	}
	if s.f != nil {
		_ = s.Close()
	}

	app := s.cfg.Application.opusValue()
	enc, err := opus.NewEncoder(int(sampleRate), int(channels), app)
	if err != nil {
		return fmt.Errorf("opussink: new encoder: %w", err)
	}

	bitrate := s.cfg.Bitrate
	if bitrate == 0 {
		bitrate = defaultBitrate(channels)
	}
	if bitrate < minBitrate {
		bitrate = minBitrate
	}
	if bitrate > maxBitrate {
		bitrate = maxBitrate
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return fmt.Errorf("opussink: set bitrate: %w", err)
	}

	complexity := s.cfg.Complexity
	if complexity < minComplexity || complexity > maxComplexity {
		complexity = defaultComplexity
	}
	if err := enc.SetComplexity(complexity); err != nil {
		return fmt.Errorf("opussink: set complexity: %w", err)
	}
	if err := enc.SetDTX(false); err != nil {
		return fmt.Errorf("opussink: set dtx: %w", err)
	}
	if err := enc.SetVBR(s.cfg.VBR); err != nil {
		return fmt.Errorf("opussink: set vbr: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("opussink: open %s: %w", path, err)
	}

	fifoSec := s.cfg.FIFOSeconds
	if fifoSec == 0 {
		fifoSec = defaultFIFOSec
	}

	s.f = f
	s.sampleRate = sampleRate
	s.channels = channels
	s.preskip = preskipSamples(sampleRate)
	s.enc = enc
	s.fifo = s.fifo[:0]
	s.fifoCapFr = fifoSec * int(sampleRate)
	s.serial = newSerial()
	s.pageSeqNo = 0
	s.granulePos = -int64(s.preskip)
	s.packetNum = 0
	s.bosWritten = false
	s.closed = false
	s.stats = Stats{}

	if err := s.writeHeaders(); err != nil {
		f.Close()
		s.f = nil
		return err
	}
	return nil
}

func (s *Sink) writeHeaders() error {
	head := make([]byte, 19)
	copy(head[0:8], "OpusHead")
	head[8] = 1 // version
	head[9] = byte(s.channels)
	binary.LittleEndian.PutUint16(head[10:12], s.preskip)
	binary.LittleEndian.PutUint32(head[12:16], s.sampleRate)
	binary.LittleEndian.PutUint16(head[16:18], 0) // output gain
	head[18] = 0                                  // channel mapping family
	if err := s.writePage(head, 0, pageHeaderType_BOS); err != nil {
		return fmt.Errorf("opussink: write OpusHead: %w", err)
	}
	s.bosWritten = true

	vendor := "audyn"
	tags := make([]byte, 0, 8+4+len(vendor)+4)
	tags = append(tags, "OpusTags"...)
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(vendor)))
	tags = append(tags, lbuf[:]...)
	tags = append(tags, vendor...)
	binary.LittleEndian.PutUint32(lbuf[:], 0) // zero user comments
	tags = append(tags, lbuf[:]...)
	if err := s.writePage(tags, 0, 0); err != nil {
		return fmt.Errorf("opussink: write OpusTags: %w", err)
	}
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

// Write appends frames*channels interleaved float32 samples, encoding and
// emitting any complete 20ms packets it can assemble. Partial frames are
// retained in an internal FIFO until Write or Close supplies the rest.
func (s *Sink) Write(interleaved []float32, frames uint32, channels uint16) error {
	if s.f == nil {
		return fmt.Errorf("opussink: write on unopened sink")
	}
	if channels != s.channels {
		return fmt.Errorf("opussink: channel mismatch: sink=%d write=%d", s.channels, channels)
	}
	if frames == 0 {
		return nil
	}

	curFrames := len(s.fifo) / int(s.channels)
	if curFrames+int(frames) > s.fifoCapFr {
		s.stats.FIFOOverrun = true
		return fmt.Errorf("opussink: FIFO capacity exceeded (consumer too slow)")
	}

	s.fifo = append(s.fifo, interleaved[:int(frames)*int(channels)]...)
	s.stats.FramesEncoded += uint64(frames)

	frameSamples := int(s.sampleRate) / (1000 / frameMs)
	for len(s.fifo)/int(s.channels) >= frameSamples {
		chunk := s.fifo[:frameSamples*int(s.channels)]
		if err := s.encodeAndWrite(chunk, frameSamples, 0); err != nil {
			return err
		}
		s.fifo = s.fifo[frameSamples*int(s.channels):]
	}
	return nil
}

func (s *Sink) encodeAndWrite(chunk []float32, frameSamples int, headerType uint8) error {
	pcm := make([]int16, len(chunk))
	for i, v := range chunk {
		pcm[i] = f32ToI16(v)
	}

	buf := make([]byte, opusMaxPacketSize)
	n, err := s.enc.Encode(pcm, buf)
	if err != nil {
		return fmt.Errorf("opussink: encode: %w", err)
	}

	s.granulePos += int64(frameSamples) * int64(48000) / int64(s.sampleRate)
	if err := s.writePage(buf[:n], uint64(s.granulePos), headerType); err != nil {
		return fmt.Errorf("opussink: write packet: %w", err)
	}
	s.stats.PacketsWritten++
	s.packetNum++
	return nil
}

// Sync flushes the underlying file.
func (s *Sink) Sync() error {
	if s.f == nil {
		return fmt.Errorf("opussink: sync on unopened sink")
	}
	return s.f.Sync()
}

// Close ends the stream per spec §4.G.2: if a partial (zero-padded) frame
// remains in the FIFO, it is encoded and written as the final page with the
// EOS bit set directly — not followed by a separate EOS page. Otherwise a
// standalone zero-length EOS page terminates the stream, also when no audio
// was written. A second call is a no-op success.
func (s *Sink) Close() error {
	if s.f == nil || s.closed {
		return nil
	}

	frameSamples := int(s.sampleRate) / (1000 / frameMs)
	if remFrames := len(s.fifo) / int(s.channels); remFrames > 0 {
		padded := make([]float32, frameSamples*int(s.channels))
		copy(padded, s.fifo)
		if err := s.encodeAndWrite(padded, frameSamples, pageHeaderType_EOS); err != nil {
			s.f.Close()
			s.f = nil
			return err
		}
	} else if err := s.writePage(nil, uint64(s.granulePos), pageHeaderType_EOS); err != nil {
		s.f.Close()
		s.f = nil
		return fmt.Errorf("opussink: write EOS page: %w", err)
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

// writePage frames payload as a single Ogg page (RFC 3533) and appends it
// to the stream file. Audyn never splits a packet across pages: Opus
// packets are always well under the 255*255 byte max single-page payload.
func (s *Sink) writePage(payload []byte, granulePos uint64, headerType uint8) error {
	segCount := len(payload) / 255
	rem := len(payload) % 255
	segTable := make([]byte, 0, segCount+1)
	for i := 0; i < segCount; i++ {
		segTable = append(segTable, 255)
	}
	segTable = append(segTable, byte(rem))
	if len(payload) > 0 && rem == 0 {
		// exact multiple of 255: no terminating short segment needed,
		// drop the trailing zero we just appended.
		segTable = segTable[:len(segTable)-1]
	}
	if len(segTable) == 0 {
		segTable = []byte{0}
	}

	header := make([]byte, 27+len(segTable))
	copy(header[0:4], "OggS")
	header[4] = 0 // version
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:14], granulePos)
	binary.LittleEndian.PutUint32(header[14:18], s.serial)
	binary.LittleEndian.PutUint32(header[18:22], s.pageSeqNo)
	// header[22:26] checksum placeholder, patched below
	header[26] = byte(len(segTable))
	copy(header[27:], segTable)

	crc := oggCRC(header, payload)
	binary.LittleEndian.PutUint32(header[22:26], crc)

	if _, err := s.f.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := s.f.Write(payload); err != nil {
			return err
		}
	}

	s.pageSeqNo++
	s.stats.PagesWritten++
	s.stats.BytesWritten += uint64(len(header) + len(payload))
	return nil
}

func oggCRC(header, payload []byte) uint32 {
	var crc uint32
	for _, b := range header {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	for _, b := range payload {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

var oggCRCTable = func() [256]uint32 {
	const poly = 0x04C11DB7
	var table [256]uint32
	for i := 0; i < 256; i++ {
		r := uint32(i) << 24
		for b := 0; b < 8; b++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()
