// Package jitterbuffer implements a bounded, sequence-wrap-aware RTP
// reorder buffer. One mutex guards all mutable state; Insert and Get may
// be called from different goroutines.
package jitterbuffer

import (
	"sync"
	"time"
)

// MaxPayloadBytes bounds the payload a single slot can hold (matches the
// original implementation's AUDYN_JB_MAX_PAYLOAD).
const MaxPayloadBytes = 1152

// seqMaxDelta bounds how far backward a sequence number may fall before
// it is treated as a stream restart rather than a merely-late packet.
const seqMaxDelta = 1000

// Packet is what Get() hands back to the caller: a played-out RTP payload
// with its original sequence/timestamp/arrival metadata.
type Packet struct {
	Seq       uint16
	RTPTS     uint32
	ArrivalNs uint64
	Payload   []byte
}

type slot struct {
	valid     bool
	seq       uint16
	rtpTS     uint32
	arrivalNs uint64
	payload   [MaxPayloadBytes]byte
	payloadN  int
}

// Stats mirrors the counters named in spec §4.E / §8.
type Stats struct {
	Played    uint64
	Lost      uint64
	Late      uint64
	Reordered uint64
}

// Buffer is a direct-addressed jitter buffer keyed on seq mod len(slots).
type Buffer struct {
	mu sync.Mutex

	slots         []slot
	sampleRate    uint32
	spp           uint32
	depthMs       uint32
	packetDurNs   uint64
	lossThreshold int64

	initialized   bool
	nextSeq       uint16
	highestSeq    uint16
	playoutTimeNs uint64

	stats Stats
}

// New creates a jitter buffer sized from sampleRate/spp/depthMs per spec
// §4.E: slots = clamp(2*packets_per_ms*depth_ms, 16, 1024).
func New(sampleRate, spp, depthMs uint32) *Buffer {
	packetsPerMs := sampleRate / (spp * 1000)
	if packetsPerMs < 1 {
		packetsPerMs = 1
	}

	n := int64(2) * int64(packetsPerMs) * int64(depthMs)
	if n < 16 {
		n = 16
	}
	if n > 1024 {
		n = 1024
	}

	loss := int64(4)
	if cand := int64(packetsPerMs) * int64(depthMs); cand > loss {
		loss = cand
	}

	return &Buffer{
		slots:         make([]slot, n),
		sampleRate:    sampleRate,
		spp:           spp,
		depthMs:       depthMs,
		packetDurNs:   uint64(spp) * uint64(time.Second) / uint64(sampleRate),
		lossThreshold: loss,
	}
}

// Reset clears all state, as if the buffer had just been created.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	for i := range b.slots {
		b.slots[i] = slot{}
	}
	b.initialized = false
	b.nextSeq = 0
	b.highestSeq = 0
	b.playoutTimeNs = 0
}

func seqDelta(a, b uint16) int32 {
	return int32(int16(a - b))
}

// Insert records an arriving RTP packet. payload is copied into the slot;
// callers retain ownership of their own buffer.
func (b *Buffer) Insert(seq uint16, rtpTS uint32, arrivalNs uint64, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		b.nextSeq = seq
		b.highestSeq = seq
		b.playoutTimeNs = arrivalNs + uint64(b.depthMs)*uint64(time.Millisecond)
		b.initialized = true
	}

	dNext := seqDelta(seq, b.nextSeq)
	dHigh := seqDelta(seq, b.highestSeq)

	if dNext < 0 {
		if dNext > -seqMaxDelta {
			b.stats.Late++
			return
		}
		// Large backward jump: treat as stream restart.
		b.resetLocked()
		b.nextSeq = seq
		b.highestSeq = seq
		b.playoutTimeNs = arrivalNs + uint64(b.depthMs)*uint64(time.Millisecond)
		b.initialized = true
		dNext = 0
		dHigh = 0
	} else if dHigh < 0 && dHigh >= -seqMaxDelta {
		b.stats.Reordered++
	}

	if dHigh > 0 {
		b.highestSeq = seq
	}

	if int64(dNext) >= int64(len(b.slots)) {
		for seqDelta(seq, b.nextSeq) >= int32(len(b.slots)) {
			b.stats.Lost++
			b.nextSeq++
		}
	}

	idx := int(seq) % len(b.slots)
	s := &b.slots[idx]

	if s.valid && s.seq == seq {
		return // duplicate
	}
	if s.valid {
		b.stats.Lost++
	}

	n := len(payload)
	if n > MaxPayloadBytes {
		n = MaxPayloadBytes
	}
	s.valid = true
	s.seq = seq
	s.rtpTS = rtpTS
	s.arrivalNs = arrivalNs
	s.payloadN = n
	copy(s.payload[:n], payload[:n])
}

// Get returns the packet at nextSeq if present, advancing playout state.
// If the gap between highestSeq and nextSeq exceeds the loss threshold,
// it declares the current slot lost, advances anyway, and returns nil so
// the caller can insert silence.
func (b *Buffer) Get() *Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}

	idx := int(b.nextSeq) % len(b.slots)
	s := &b.slots[idx]

	if s.valid && s.seq == b.nextSeq {
		pkt := &Packet{
			Seq:       s.seq,
			RTPTS:     s.rtpTS,
			ArrivalNs: s.arrivalNs,
			Payload:   append([]byte(nil), s.payload[:s.payloadN]...),
		}
		*s = slot{}
		b.nextSeq++
		b.playoutTimeNs += b.packetDurNs
		b.stats.Played++
		return pkt
	}

	if int64(seqDelta(b.highestSeq, b.nextSeq)) > b.lossThreshold {
		b.stats.Lost++
		b.nextSeq++
		b.playoutTimeNs += b.packetDurNs
		return nil
	}

	return nil
}

// Ready reports whether the next slot's playout time has arrived.
func (b *Buffer) Ready(nowNs uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return false
	}
	return nowNs >= b.playoutTimeNs
}

// StatsSnapshot returns a copy of the current counters.
func (b *Buffer) StatsSnapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
