// Package ptpclock abstracts the time source used to correlate RTP
// timestamps with wall-clock (TAI-ish) nanoseconds: none (monotonic only),
// software (system realtime, assumed synced externally by a PTP daemon),
// or hardware (a PTP Hardware Clock device read via a dynamic clock ID).
package ptpclock

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Mode selects the time source backing a Clock.
type Mode int

const (
	// ModeNone uses the monotonic clock; only useful for relative
	// intervals, never for cross-host correlation.
	ModeNone Mode = iota
	// ModeSoftware uses CLOCK_REALTIME, assumed synchronized by an
	// external PTP daemon (e.g. linuxptp's ptp4l/phc2sys).
	ModeSoftware
	// ModeHardware reads a PHC device directly.
	ModeHardware
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeSoftware:
		return "software"
	case ModeHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// Config configures Clock creation. For ModeHardware, exactly one of
// PHCDevice or Interface should be set; if Interface is set the PHC device
// is discovered via ETHTOOL_GET_TS_INFO.
type Config struct {
	Mode      Mode
	PHCDevice string
	Interface string
}

// clockIDFromFD mirrors the Linux FD_TO_CLOCKID macro:
// ((~fd) << 3) | CLOCKFD, with CLOCKFD == 3.
func clockIDFromFD(fd int) int32 {
	const clockFD = 3
	return int32((^uint32(fd) << 3) | clockFD)
}

// Clock correlates RTP timestamps with PTP/TAI nanoseconds. The epoch is
// established once (on the first received packet) and then RTPToNS is
// called concurrently by readers; wrap-count bookkeeping happens on the
// single thread that owns SetRTPEpoch/RTPToNS per spec §4.D ("concurrent
// reads ... must observe a monotonically non-decreasing time").
type Clock struct {
	mode    Mode
	clockID int32
	phcFile *phcHandle

	mu sync.Mutex

	epochSet       bool
	epochRTPTS     uint32
	epochPTPNs     uint64
	epochSampleHz  uint32
	lastRTPTS      uint32
	wraparounts    uint64
}

// New creates a Clock per cfg. Hardware mode opens (and verifies) the PHC
// device; failures there are fatal (IoOpen in spec §7's taxonomy).
func New(cfg Config) (*Clock, error) {
	c := &Clock{mode: cfg.Mode}

	switch cfg.Mode {
	case ModeNone:
		c.clockID = int32(unix.CLOCK_MONOTONIC)

	case ModeSoftware:
		c.clockID = int32(unix.CLOCK_REALTIME)

	case ModeHardware:
		path := cfg.PHCDevice
		if path == "" && cfg.Interface != "" {
			idx, err := discoverPHCIndex(cfg.Interface)
			if err != nil {
				return nil, fmt.Errorf("ptpclock: discover PHC from interface %q: %w", cfg.Interface, err)
			}
			path = fmt.Sprintf("/dev/ptp%d", idx)
		}
		if path == "" {
			return nil, fmt.Errorf("ptpclock: hardware mode requires PHCDevice or Interface")
		}

		h, err := openPHC(path)
		if err != nil {
			return nil, fmt.Errorf("ptpclock: open PHC device %q: %w", path, err)
		}
		c.phcFile = h
		c.clockID = clockIDFromFD(h.fd)

		if _, err := clockGettimeNs(c.clockID); err != nil {
			h.Close()
			return nil, fmt.Errorf("ptpclock: read PHC clock %q: %w", path, err)
		}

	default:
		return nil, fmt.Errorf("ptpclock: unknown mode %d", cfg.Mode)
	}

	return c, nil
}

// Close releases the PHC file descriptor, if any.
func (c *Clock) Close() error {
	if c.phcFile != nil {
		return c.phcFile.Close()
	}
	return nil
}

// Mode returns the clock's time source.
func (c *Clock) Mode() Mode { return c.mode }

// NowNS returns the current time in nanoseconds on this clock's source.
func (c *Clock) NowNS() uint64 {
	ns, err := clockGettimeNs(c.clockID)
	if err != nil {
		return 0
	}
	return ns
}

// IsHealthy reports whether the clock's time source is currently readable.
func (c *Clock) IsHealthy() bool {
	switch c.mode {
	case ModeNone:
		return true
	case ModeSoftware:
		_, err := clockGettimeNs(int32(unix.CLOCK_REALTIME))
		return err == nil
	case ModeHardware:
		if c.phcFile == nil {
			return false
		}
		_, err := clockGettimeNs(c.clockID)
		return err == nil
	default:
		return false
	}
}

// SetRTPEpoch anchors the RTP↔PTP mapping: rtpTS is the RTP timestamp of
// the anchoring packet, ptpNs is the PTP/wall-clock time it arrived at.
// Must be called once, before the first RTPToNS call, from the receiver
// thread that owns epoch state.
func (c *Clock) SetRTPEpoch(rtpTS uint32, ptpNs uint64, sampleRate uint32) {
	if sampleRate == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.epochRTPTS = rtpTS
	c.epochPTPNs = ptpNs
	c.epochSampleHz = sampleRate
	c.lastRTPTS = rtpTS
	c.wraparounts = 0
	c.epochSet = true
}

// HasEpoch reports whether SetRTPEpoch has been called yet.
func (c *Clock) HasEpoch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochSet
}

// RTPToNS converts an RTP timestamp to PTP nanoseconds, tracking 32-bit
// wraparound of the RTP timestamp space. Per spec §4.C: wrap_count
// increments whenever the new timestamp is more than 2^31 smaller than the
// last one seen.
func (c *Clock) RTPToNS(rtpTS uint32, sampleRate uint32) uint64 {
	if sampleRate == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.epochSet {
		return 0
	}

	if rtpTS < c.lastRTPTS && (c.lastRTPTS-rtpTS) > 0x80000000 {
		c.wraparounts++
	}
	c.lastRTPTS = rtpTS

	extendedRTP := uint64(rtpTS) + (c.wraparounts << 32)
	extendedEpoch := uint64(c.epochRTPTS)

	var sampleDelta int64
	if extendedRTP >= extendedEpoch {
		sampleDelta = int64(extendedRTP - extendedEpoch)
	} else {
		sampleDelta = -int64(extendedEpoch - extendedRTP)
	}

	nsDelta := (sampleDelta * int64(time.Second)) / int64(sampleRate)

	if nsDelta >= 0 {
		return c.epochPTPNs + uint64(nsDelta)
	}

	neg := uint64(-nsDelta)
	if neg > c.epochPTPNs {
		return 0
	}
	return c.epochPTPNs - neg
}

func clockGettimeNs(clockID int32) (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Sec)*uint64(time.Second) + uint64(ts.Nsec), nil
}
