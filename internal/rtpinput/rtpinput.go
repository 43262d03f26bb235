// Package rtpinput implements the AES67/RTP receiver: socket setup,
// multicast join, RTP (RFC 3550) parsing, jitter-buffer reorder, PTP
// correlation, and PCM decode into pool frames handed off to the worker
// queue (spec §4.C). It owns the receive goroutine; all socket and
// jitter-buffer work happens there.
package rtpinput

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/brianwynne/audyn/internal/framepool"
	"github.com/brianwynne/audyn/internal/framequeue"
	"github.com/brianwynne/audyn/internal/jitterbuffer"
	"github.com/brianwynne/audyn/internal/ptpclock"
)

const (
	minRTPHeaderBytes = 12
	recvTimeout       = 100 * time.Millisecond
	recvBufSize       = 65536
	oobBufSize        = 128
	jitterDepthMs     = 50
)

// Logger is the minimal logging surface the receiver needs; satisfied by
// *audynlog.Logger. Nil is valid and means "don't log."
type Logger interface {
	Warn(msg string, kv ...any)
}

// Config mirrors audyn_aes_input_cfg_t (spec §1/§4.C).
type Config struct {
	SourceIP         string
	Port             uint16
	PayloadType      uint8
	SampleRate       uint32
	Channels         uint16 // channels physically present in the wire payload
	SamplesPerPacket uint32
	SocketRcvBuf     int
	BindInterface    string

	StreamChannels uint16 // 0 selects Channels (no windowing)
	ChannelOffset  uint16

	Logger Logger // optional; nil disables the channel-window warning
}

func (c Config) streamChannels() uint16 {
	if c.StreamChannels == 0 {
		return c.Channels
	}
	return c.StreamChannels
}

// Stats mirrors audyn_aes_stats_t.
type Stats struct {
	PacketsRx          uint64
	PacketsDropped     uint64
	Discontinuities    uint64
	FramesPushed       uint64
	FramesDroppedPool  uint64
	FramesDroppedQueue uint64
}

type statCounters struct {
	packetsRx          atomic.Uint64
	packetsDropped     atomic.Uint64
	discontinuities    atomic.Uint64
	framesPushed       atomic.Uint64
	framesDroppedPool  atomic.Uint64
	framesDroppedQueue atomic.Uint64
}

func (s *statCounters) snapshot() Stats {
	return Stats{
		PacketsRx:          s.packetsRx.Load(),
		PacketsDropped:     s.packetsDropped.Load(),
		Discontinuities:    s.discontinuities.Load(),
		FramesPushed:       s.framesPushed.Load(),
		FramesDroppedPool:  s.framesDroppedPool.Load(),
		FramesDroppedQueue: s.framesDroppedQueue.Load(),
	}
}

// Receiver runs the socket/parse/jitter/decode pipeline on its own
// goroutine between Start and Stop.
type Receiver struct {
	cfg   Config
	pool  *framepool.Pool
	queue *framequeue.Queue
	clock *ptpclock.Clock
	jbuf  *jitterbuffer.Buffer

	fd int

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	lastErr error

	channelWarnOnce sync.Once
	expectedSeq     uint16
	haveExpectedSeq bool

	stats statCounters
}

// New constructs a receiver. The clock's RTP epoch is anchored by this
// receiver on the first accepted packet.
func New(cfg Config, pool *framepool.Pool, queue *framequeue.Queue, clock *ptpclock.Clock) (*Receiver, error) {
	if cfg.SourceIP == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("rtpinput: source IP and port are required")
	}
	if cfg.SampleRate == 0 || cfg.Channels == 0 || cfg.SamplesPerPacket == 0 {
		return nil, fmt.Errorf("rtpinput: sample rate, channels, and samples-per-packet are required")
	}
	if sc := cfg.streamChannels(); cfg.ChannelOffset+sc > cfg.Channels {
		return nil, fmt.Errorf("rtpinput: channel window [%d,%d) exceeds %d wire channels",
			cfg.ChannelOffset, cfg.ChannelOffset+sc, cfg.Channels)
	}

	return &Receiver{
		cfg:   cfg,
		pool:  pool,
		queue: queue,
		clock: clock,
		jbuf:  jitterbuffer.New(cfg.SampleRate, cfg.SamplesPerPacket, jitterDepthMs),
		fd:    -1,
	}, nil
}

func isMulticast(ip net.IP) bool {
	return ip.IsMulticast()
}

// bindInterfaceAddr resolves a network interface name to its primary
// IPv4 address, used as the multicast membership interface (spec §4.C).
func bindInterfaceAddr(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("rtpinput: lookup interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("rtpinput: addrs for %q: %w", name, err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("rtpinput: interface %q has no IPv4 address", name)
}

func (r *Receiver) openSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("rtpinput: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rtpinput: SO_REUSEADDR: %w", err)
	}

	if r.cfg.SocketRcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, r.cfg.SocketRcvBuf); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("rtpinput: SO_RCVBUF: %w", err)
		}
	}

	tv := unix.Timeval{Sec: int64(recvTimeout / time.Second), Usec: int64((recvTimeout % time.Second) / time.Microsecond)}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rtpinput: SO_RCVTIMEO: %w", err)
	}

	// Enable hardware or software packet-timestamping depending on the
	// chosen PTP mode (spec §4.C). Failure here is not fatal: recvLoop
	// falls back to r.clock.NowNS() whenever no kernel timestamp control
	// message is attached to a datagram.
	switch r.clock.Mode() {
	case ptpclock.ModeHardware:
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING,
			unix.SOF_TIMESTAMPING_RX_HARDWARE|unix.SOF_TIMESTAMPING_RAW_HARDWARE|unix.SOF_TIMESTAMPING_SOFTWARE)
	case ptpclock.ModeSoftware:
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	}

	addr := unix.SockaddrInet4{Port: int(r.cfg.Port)}
	sourceIP := net.ParseIP(r.cfg.SourceIP)
	if sourceIP == nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rtpinput: invalid source IP %q", r.cfg.SourceIP)
	}

	if isMulticast(sourceIP) {
		// Bind to the wildcard address; membership below steers delivery.
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], sourceIP.To4())

		if r.cfg.BindInterface != "" {
			ifaceIP, err := bindInterfaceAddr(r.cfg.BindInterface)
			if err != nil {
				unix.Close(fd)
				return -1, err
			}
			copy(mreq.Interface[:], ifaceIP)
		}

		if err := unix.Bind(fd, &addr); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("rtpinput: bind: %w", err)
		}
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("rtpinput: join multicast group %s: %w", r.cfg.SourceIP, err)
		}
	} else {
		copy(addr.Addr[:], sourceIP.To4())
		if err := unix.Bind(fd, &addr); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("rtpinput: bind: %w", err)
		}
	}

	return fd, nil
}

// Start opens the socket, joins multicast if applicable, and spawns the
// receive goroutine. Calling Start twice is a no-op.
func (r *Receiver) Start() error {
	if r.running.Load() {
		return nil
	}

	fd, err := r.openSocket()
	if err != nil {
		return err
	}

	r.fd = fd
	r.stopCh = make(chan struct{})
	r.running.Store(true)

	r.wg.Add(1)
	go r.recvLoop()
	return nil
}

// Stop signals the receive goroutine to exit and waits for it to finish.
func (r *Receiver) Stop() {
	if !r.running.Load() {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	r.running.Store(false)
}

// IsRunning reports whether the receive goroutine is active.
func (r *Receiver) IsRunning() bool { return r.running.Load() }

// GetLastError returns the most recent fatal error observed by the
// receive goroutine, if any.
func (r *Receiver) GetLastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Receiver) setLastErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// GetStats returns a snapshot of the receiver's counters.
func (r *Receiver) GetStats() Stats { return r.stats.snapshot() }

func (r *Receiver) recvLoop() {
	defer r.wg.Done()
	defer unix.Close(r.fd)

	buf := make([]byte, recvBufSize)
	oob := make([]byte, oobBufSize)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		n, oobn, _, _, err := unix.Recvmsg(r.fd, buf, oob, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				r.drainReady()
				continue
			}
			r.setLastErr(fmt.Errorf("rtpinput: recvmsg: %w", err))
			return
		}

		arrival, ok := kernelTimestampNs(oob[:oobn], r.clock.Mode())
		if !ok {
			arrival = r.clock.NowNS()
		}
		r.handlePacket(buf[:n], arrival)
		r.drainReady()
	}
}

// kernelTimestampNs extracts a receive timestamp from SCM_TIMESTAMPNS
// (software mode) or SCM_TIMESTAMPING (hardware mode) ancillary data, or
// reports ok=false if the expected control message isn't present — e.g.
// SO_TIMESTAMPING failed to enable, or the clock is in ModeNone and no
// timestamping was requested at all.
func kernelTimestampNs(oob []byte, mode ptpclock.Mode) (ns uint64, ok bool) {
	if len(oob) == 0 || mode == ptpclock.ModeNone {
		return 0, false
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}

	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET {
			continue
		}
		switch {
		case mode == ptpclock.ModeSoftware && m.Header.Type == unix.SCM_TIMESTAMPNS:
			if len(m.Data) < 16 {
				continue
			}
			sec := int64(binary.LittleEndian.Uint64(m.Data[0:8]))
			nsec := int64(binary.LittleEndian.Uint64(m.Data[8:16]))
			return uint64(sec)*uint64(time.Second) + uint64(nsec), true

		case mode == ptpclock.ModeHardware && m.Header.Type == unix.SCM_TIMESTAMPING:
			// struct scm_timestamping holds three timespecs (software,
			// legacy, raw-hardware); the raw hardware one is the third.
			if len(m.Data) < 48 {
				continue
			}
			sec := int64(binary.LittleEndian.Uint64(m.Data[32:40]))
			nsec := int64(binary.LittleEndian.Uint64(m.Data[40:48]))
			if sec == 0 && nsec == 0 {
				continue
			}
			return uint64(sec)*uint64(time.Second) + uint64(nsec), true
		}
	}
	return 0, false
}

type rtpPacket struct {
	seq     uint16
	ts      uint32
	payload []byte
}

func parseRTP(pkt []byte, wantPT uint8) (rtpPacket, error) {
	if len(pkt) < minRTPHeaderBytes {
		return rtpPacket{}, fmt.Errorf("rtpinput: packet too short (%d bytes)", len(pkt))
	}

	version := pkt[0] >> 6
	if version != 2 {
		return rtpPacket{}, fmt.Errorf("rtpinput: unsupported RTP version %d", version)
	}
	padded := pkt[0]&0x20 != 0
	hasExt := pkt[0]&0x10 != 0
	cc := int(pkt[0] & 0x0f)

	pt := pkt[1] & 0x7f
	if pt != wantPT {
		return rtpPacket{}, fmt.Errorf("rtpinput: payload type mismatch (got %d, want %d)", pt, wantPT)
	}

	seq := uint16(pkt[2])<<8 | uint16(pkt[3])
	ts := uint32(pkt[4])<<24 | uint32(pkt[5])<<16 | uint32(pkt[6])<<8 | uint32(pkt[7])

	off := minRTPHeaderBytes + cc*4
	if off > len(pkt) {
		return rtpPacket{}, fmt.Errorf("rtpinput: CSRC list exceeds packet length")
	}

	if hasExt {
		if off+4 > len(pkt) {
			return rtpPacket{}, fmt.Errorf("rtpinput: extension header exceeds packet length")
		}
		extWords := int(uint16(pkt[off+2])<<8 | uint16(pkt[off+3]))
		off += 4 + extWords*4
		if off > len(pkt) {
			return rtpPacket{}, fmt.Errorf("rtpinput: extension data exceeds packet length")
		}
	}

	end := len(pkt)
	if padded {
		if end <= off {
			return rtpPacket{}, fmt.Errorf("rtpinput: padded packet has no payload")
		}
		padCount := int(pkt[end-1])
		end -= padCount
		if end < off {
			return rtpPacket{}, fmt.Errorf("rtpinput: padding count exceeds payload length")
		}
	}

	return rtpPacket{seq: seq, ts: ts, payload: pkt[off:end]}, nil
}

// inferBytesPerSample returns 2 (L16) or 3 (L24) by matching the payload
// length against the configured samples-per-packet and wire channel count,
// or an error if neither matches (spec §4.C wire format inference).
func (r *Receiver) inferBytesPerSample(payloadLen int) (int, error) {
	expectedSamples := int(r.cfg.SamplesPerPacket) * int(r.cfg.Channels)
	switch payloadLen {
	case expectedSamples * 3:
		return 3, nil
	case expectedSamples * 2:
		return 2, nil
	default:
		return 0, fmt.Errorf("rtpinput: payload length %d doesn't match L16/L24 for %d samples * %d channels",
			payloadLen, r.cfg.SamplesPerPacket, r.cfg.Channels)
	}
}

// trackContinuity implements spec §4.C's sequence-cursor continuity check,
// distinct from the jitter buffer's own reorder/loss detection: it tracks
// expected_seq = last_seq+1 and counts a discontinuity whenever an arriving
// packet's sequence doesn't match, resyncing to the packet actually seen.
func (r *Receiver) trackContinuity(seq uint16) {
	if !r.haveExpectedSeq {
		r.expectedSeq = seq + 1
		r.haveExpectedSeq = true
		return
	}
	if seq != r.expectedSeq {
		r.stats.discontinuities.Add(1)
	}
	r.expectedSeq = seq + 1
}

func (r *Receiver) handlePacket(pkt []byte, arrivalNs uint64) {
	r.stats.packetsRx.Add(1)

	parsed, err := parseRTP(pkt, r.cfg.PayloadType)
	if err != nil {
		r.stats.packetsDropped.Add(1)
		return
	}

	r.trackContinuity(parsed.seq)

	if !r.clock.HasEpoch() {
		r.clock.SetRTPEpoch(parsed.ts, arrivalNs, r.cfg.SampleRate)
	}

	// The jitter buffer's arrival time is the PTP-correlated instant derived
	// from the RTP timestamp (spec §4.C's "Converted PTP time" formula), not
	// the raw per-packet receive timestamp: it rides the RTP clock's own
	// cadence instead of carrying local scheduling jitter forward.
	correlatedNs := r.clock.RTPToNS(parsed.ts, r.cfg.SampleRate)

	r.jbuf.Insert(parsed.seq, parsed.ts, correlatedNs, parsed.payload)
}

// drainReady pulls every jitter-buffer packet whose playout time has
// arrived, decodes it to interleaved float32, and pushes it onto the
// queue via a pool frame.
func (r *Receiver) drainReady() {
	now := r.clock.NowNS()
	for r.jbuf.Ready(now) {
		lostBefore := r.jbuf.StatsSnapshot().Lost
		pkt := r.jbuf.Get()
		if pkt == nil {
			if r.jbuf.StatsSnapshot().Lost == lostBefore {
				break // next packet not here yet and not declared lost
			}
			continue
		}
		r.pushDecoded(pkt.Payload)
		now = r.clock.NowNS()
	}
}

func (r *Receiver) pushDecoded(payload []byte) {
	bps, err := r.inferBytesPerSample(len(payload))
	if err != nil {
		r.stats.packetsDropped.Add(1)
		return
	}

	streamChannels := r.cfg.streamChannels()
	offset := int(r.cfg.ChannelOffset)
	if offset+int(streamChannels) > int(r.cfg.Channels) {
		r.channelWarnOnce.Do(func() {
			if r.cfg.Logger != nil {
				r.cfg.Logger.Warn("channel selection out of range",
					"offset", offset, "stream_channels", streamChannels, "wire_channels", r.cfg.Channels)
			}
		})
		return
	}

	f := r.pool.Acquire()
	if f == nil {
		r.stats.framesDroppedPool.Add(1)
		return
	}

	frames := int(r.cfg.SamplesPerPacket)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < int(streamChannels); ch++ {
			srcCh := offset + ch
			srcOff := (i*int(r.cfg.Channels) + srcCh) * bps
			f.Data[i*int(streamChannels)+ch] = decodeSample(payload[srcOff:srcOff+bps], bps)
		}
	}
	f.SampleFrames = uint32(frames)
	f.Channels = streamChannels

	if !r.queue.Push(f) {
		r.pool.Release(f)
		r.stats.framesDroppedQueue.Add(1)
		return
	}
	r.stats.framesPushed.Add(1)
}

func decodeSample(b []byte, bps int) float32 {
	switch bps {
	case 2:
		v := int16(uint16(b[0])<<8 | uint16(b[1]))
		return float32(v) / 32768.0
	case 3:
		raw := int32(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
		if raw&0x800000 != 0 {
			raw |= ^int32(0xffffff) // sign-extend 24 -> 32
		}
		return float32(raw) / 8388608.0
	default:
		return 0
	}
}
