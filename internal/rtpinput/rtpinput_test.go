package rtpinput

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianwynne/audyn/internal/framepool"
	"github.com/brianwynne/audyn/internal/framequeue"
	"github.com/brianwynne/audyn/internal/ptpclock"
)

func buildRTP(seq uint16, ts uint32, pt uint8, payload []byte) []byte {
	pkt := make([]byte, 12+len(payload))
	pkt[0] = 0x80 // version 2, no padding/extension/CSRC
	pkt[1] = pt
	pkt[2] = byte(seq >> 8)
	pkt[3] = byte(seq)
	pkt[4] = byte(ts >> 24)
	pkt[5] = byte(ts >> 16)
	pkt[6] = byte(ts >> 8)
	pkt[7] = byte(ts)
	copy(pkt[12:], payload)
	return pkt
}

func l16Payload(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(uint16(s) >> 8)
		b[i*2+1] = byte(uint16(s))
	}
	return b
}

func TestParseRTP_BasicHeader(t *testing.T) {
	payload := l16Payload([]int16{100, -100})
	pkt := buildRTP(42, 9600, 96, payload)

	p, err := parseRTP(pkt, 96)
	require.NoError(t, err)
	assert.EqualValues(t, 42, p.seq)
	assert.EqualValues(t, 9600, p.ts)
	assert.Equal(t, payload, p.payload)
}

func TestParseRTP_RejectsShortPacket(t *testing.T) {
	_, err := parseRTP(make([]byte, 8), 96)
	assert.Error(t, err)
}

func TestParseRTP_RejectsWrongPayloadType(t *testing.T) {
	pkt := buildRTP(1, 0, 97, nil)
	_, err := parseRTP(pkt, 96)
	assert.Error(t, err)
}

func TestParseRTP_SkipsCSRCAndExtension(t *testing.T) {
	// cc=1 (one CSRC word), extension bit set with one extension word.
	payload := []byte{1, 2, 3, 4}
	pkt := make([]byte, 12+4 /*csrc*/ +4 /*ext header*/ +4 /*ext word*/ +len(payload))
	pkt[0] = 0x80 | 0x10 | 0x01 // version2, extension, cc=1
	pkt[1] = 96
	pkt[2], pkt[3] = 0, 7
	// ts left zero
	// CSRC word at [12:16] left zero
	// extension header at [16:20]: profile (2 bytes), length-in-words (2 bytes) = 1
	pkt[18], pkt[19] = 0, 1
	// extension word at [20:24] left zero
	copy(pkt[24:], payload)

	p, err := parseRTP(pkt, 96)
	require.NoError(t, err)
	assert.Equal(t, payload, p.payload)
}

func TestParseRTP_StripsPadding(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	padCount := byte(2)
	pkt := buildRTP(1, 0, 96, append(append([]byte{}, payload...), 0, padCount))
	pkt[0] |= 0x20 // padding bit

	p, err := parseRTP(pkt, 96)
	require.NoError(t, err)
	assert.Equal(t, payload, p.payload)
}

func TestDecodeSample_L16(t *testing.T) {
	b := []byte{0xFF, 0x00} // -256 as int16 BE
	v := decodeSample(b, 2)
	assert.InDelta(t, -256.0/32768.0, v, 1e-9)
}

func TestDecodeSample_L24(t *testing.T) {
	b := []byte{0xFF, 0xFF, 0x00} // -256 as 24-bit BE signed
	v := decodeSample(b, 3)
	assert.InDelta(t, -256.0/8388608.0, v, 1e-9)
}

func newTestReceiver(t *testing.T, cfg Config) (*Receiver, *framepool.Pool, *framequeue.Queue) {
	t.Helper()
	pool, err := framepool.New(4, cfg.streamChannels(), cfg.SamplesPerPacket)
	require.NoError(t, err)
	queue, err := framequeue.New(4)
	require.NoError(t, err)
	clock, err := ptpclock.New(ptpclock.Config{Mode: ptpclock.ModeNone})
	require.NoError(t, err)

	r, err := New(cfg, pool, queue, clock)
	require.NoError(t, err)
	return r, pool, queue
}

func TestHandlePacketAndDrain_PushesFrame(t *testing.T) {
	cfg := Config{
		SourceIP: "239.1.1.1", Port: 5004, PayloadType: 96,
		SampleRate: 48000, Channels: 2, SamplesPerPacket: 4,
	}
	r, _, queue := newTestReceiver(t, cfg)

	samples := []int16{1000, -1000, 2000, -2000, 3000, -3000, 4000, -4000}
	payload := l16Payload(samples)
	pkt := buildRTP(0, 0, 96, payload)

	parsed, err := parseRTP(pkt, cfg.PayloadType)
	require.NoError(t, err)
	r.jbuf.Insert(parsed.seq, parsed.ts, 0, parsed.payload)
	r.drainReady()

	f := queue.Pop()
	require.NotNil(t, f)
	assert.EqualValues(t, 4, f.SampleFrames)
	assert.InDelta(t, 1000.0/32768.0, f.Data[0], 1e-6)
	assert.InDelta(t, -1000.0/32768.0, f.Data[1], 1e-6)
}

func TestPushDecoded_ChannelWindow(t *testing.T) {
	cfg := Config{
		SourceIP: "239.1.1.1", Port: 5004, PayloadType: 96,
		SampleRate: 48000, Channels: 2, SamplesPerPacket: 2,
		StreamChannels: 1, ChannelOffset: 1,
	}
	r, _, queue := newTestReceiver(t, cfg)

	// 2 frames, 2 channels each: (L0,R0),(L1,R1); we only want R.
	samples := []int16{111, 222, 333, 444}
	r.pushDecoded(l16Payload(samples))

	f := queue.Pop()
	require.NotNil(t, f)
	assert.EqualValues(t, 1, f.Channels)
	assert.InDelta(t, 222.0/32768.0, f.Data[0], 1e-6)
	assert.InDelta(t, 444.0/32768.0, f.Data[1], 1e-6)
}

// TestHandlePacket_TracksDiscontinuitiesBySequenceCursor covers spec §4.C's
// sequence-cursor continuity check, which is distinct from the jitter
// buffer's own reorder/loss bookkeeping: it only cares whether each arriving
// packet's sequence number matches expected_seq = last_seq+1.
func TestHandlePacket_TracksDiscontinuitiesBySequenceCursor(t *testing.T) {
	cfg := Config{
		SourceIP: "239.1.1.1", Port: 5004, PayloadType: 96,
		SampleRate: 48000, Channels: 2, SamplesPerPacket: 4,
	}
	r, _, _ := newTestReceiver(t, cfg)

	payload := l16Payload([]int16{1, 2, 3, 4, 5, 6, 7, 8})

	// First packet only seeds expected_seq; never itself a discontinuity.
	r.handlePacket(buildRTP(10, 0, 96, payload), 0)
	assert.EqualValues(t, 0, r.GetStats().Discontinuities)

	// In-order follow-up: expected_seq matched, no discontinuity.
	r.handlePacket(buildRTP(11, 160, 96, payload), 1_000_000)
	assert.EqualValues(t, 0, r.GetStats().Discontinuities)

	// Skips ahead to 20: one discontinuity, and the cursor resyncs to 21.
	r.handlePacket(buildRTP(20, 320, 96, payload), 2_000_000)
	assert.EqualValues(t, 1, r.GetStats().Discontinuities)

	// Back in sequence relative to the resynced cursor: no new discontinuity.
	r.handlePacket(buildRTP(21, 480, 96, payload), 3_000_000)
	assert.EqualValues(t, 1, r.GetStats().Discontinuities)

	// A late/duplicate packet behind the cursor also counts as one break.
	r.handlePacket(buildRTP(15, 640, 96, payload), 4_000_000)
	assert.EqualValues(t, 2, r.GetStats().Discontinuities)
}

func TestNew_RejectsOutOfRangeChannelWindow(t *testing.T) {
	_, err := New(Config{
		SourceIP: "239.1.1.1", Port: 5004, PayloadType: 96,
		SampleRate: 48000, Channels: 2, SamplesPerPacket: 48,
		StreamChannels: 2, ChannelOffset: 1,
	}, nil, nil, nil)
	assert.Error(t, err)
}
