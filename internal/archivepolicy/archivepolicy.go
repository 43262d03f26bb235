// Package archivepolicy implements wall-clock-aligned rotation scheduling
// and path/layout generation for Audyn's archive mode. All methods are
// intended to be called from a single (worker) goroutine; no locking is
// performed — see spec §5 ("All file I/O ... happens on the worker thread
// only").
package archivepolicy

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/lestrrat-go/strftime"
)

// Layout selects the path template used when generating the next archive
// file name. See spec §4.F for the exact templates.
type Layout int

const (
	LayoutFlat Layout = iota
	LayoutHierarchy
	LayoutCombo
	LayoutDailyDir
	LayoutAccurate
	LayoutCustom
)

// LayoutFromString parses a CLI/config layout name.
func LayoutFromString(s string) (Layout, error) {
	switch s {
	case "flat":
		return LayoutFlat, nil
	case "hierarchy":
		return LayoutHierarchy, nil
	case "combo":
		return LayoutCombo, nil
	case "dailydir":
		return LayoutDailyDir, nil
	case "accurate":
		return LayoutAccurate, nil
	case "custom":
		return LayoutCustom, nil
	default:
		return 0, fmt.Errorf("archivepolicy: unknown layout %q", s)
	}
}

// ClockSource selects the timezone used to break a period-aligned instant
// down into calendar fields.
type ClockSource int

const (
	ClockLocaltime ClockSource = iota
	ClockUTC
	ClockPTPTai
)

// ClockFromString parses a CLI/config clock-source name.
func ClockFromString(s string) (ClockSource, error) {
	switch s {
	case "localtime":
		return ClockLocaltime, nil
	case "utc":
		return ClockUTC, nil
	case "ptp", "ptp_tai", "tai":
		return ClockPTPTai, nil
	default:
		return 0, fmt.Errorf("archivepolicy: unknown clock source %q", s)
	}
}

func (c ClockSource) location() *time.Location {
	if c == ClockLocaltime {
		return time.Local
	}
	return time.UTC
}

const (
	// DefaultRotationPeriodSec is used when the caller doesn't override it.
	DefaultRotationPeriodSec = 3600
	minRotationPeriodSec     = 0
	maxRotationPeriodSec     = 7 * 24 * 3600 // one week; generous upper bound
)

// Config configures a Policy.
type Config struct {
	RootDir           string
	Suffix            string
	Layout            Layout
	CustomFormat      string // required when Layout == LayoutCustom
	RotationPeriodSec uint32 // 0 disables rotation
	ClockSource       ClockSource
	CreateDirectories bool
}

// Policy drives rotation scheduling and path generation.
type Policy struct {
	cfg Config

	initialized     bool
	currentPeriodNs uint64
	nextBoundaryNs  uint64

	pendingPeriodStart time.Time
	pendingBoundaryNs  uint64
}

// New validates cfg and returns a fresh, uninitialized Policy. The first
// call to ShouldRotate will return true to force an initial file open.
func New(cfg Config) (*Policy, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("archivepolicy: root directory is required")
	}
	if cfg.Suffix == "" {
		return nil, fmt.Errorf("archivepolicy: suffix is required")
	}
	if cfg.Layout == LayoutCustom && cfg.CustomFormat == "" {
		return nil, fmt.Errorf("archivepolicy: custom layout requires a format string")
	}
	if cfg.RotationPeriodSec != 0 &&
		(cfg.RotationPeriodSec < minRotationPeriodSec || cfg.RotationPeriodSec > maxRotationPeriodSec) {
		return nil, fmt.Errorf("archivepolicy: rotation period %d out of range", cfg.RotationPeriodSec)
	}

	return &Policy{
		cfg:            cfg,
		nextBoundaryNs: math.MaxUint64,
	}, nil
}

// ShouldRotate reports whether a new file must be opened: either the
// policy has never been initialized, or now has reached the next
// boundary. It never returns true twice for the same period without an
// intervening Advance.
func (p *Policy) ShouldRotate(nowNs uint64) bool {
	if !p.initialized {
		return true
	}
	return nowNs >= p.nextBoundaryNs
}

// NextBoundaryNs returns the committed next-rotation instant.
func (p *Policy) NextBoundaryNs() uint64 {
	return p.nextBoundaryNs
}

// ClockSource reports which time source the caller must feed ShouldRotate
// and NextPath: localtime/utc expect system realtime nanoseconds, ptp_tai
// expects the PTP-correlated value (spec §4.F).
func (p *Policy) ClockSource() ClockSource {
	return p.cfg.ClockSource
}

// alignPeriod computes the wall-clock-aligned period start containing
// nowNs, and the instant the following period begins, per spec §4.F.
func (p *Policy) alignPeriod(nowNs uint64) (periodStart time.Time, nextBoundaryNs uint64) {
	loc := p.cfg.ClockSource.location()
	now := time.Unix(0, int64(nowNs)).In(loc)

	if p.cfg.RotationPeriodSec == 0 {
		return now, math.MaxUint64
	}

	period := int64(p.cfg.RotationPeriodSec)
	secOfDay := int64(now.Hour())*3600 + int64(now.Minute())*60 + int64(now.Second())
	periodIndex := secOfDay / period
	periodStartSecOfDay := periodIndex * period

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	periodStart = midnight.Add(time.Duration(periodStartSecOfDay) * time.Second)
	nextBoundaryNs = uint64(periodStart.UnixNano()) + uint64(period)*uint64(time.Second)
	return periodStart, nextBoundaryNs
}

// NextPath computes the path for the next archive file given the trigger
// instant nowNs, creating any missing directory components if configured.
// It does not commit rotation state — call Advance after the file has
// been opened successfully.
func (p *Policy) NextPath(nowNs uint64) (string, error) {
	periodStart, nextBoundaryNs := p.alignPeriod(nowNs)

	path, err := p.renderPath(periodStart, nowNs)
	if err != nil {
		return "", err
	}

	if p.cfg.CreateDirectories {
		dir := filepath.Dir(path)
		if fi, statErr := os.Stat(dir); statErr == nil {
			if !fi.IsDir() {
				return "", fmt.Errorf("archivepolicy: %s exists and is not a directory", dir)
			}
		} else if os.IsNotExist(statErr) {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return "", fmt.Errorf("archivepolicy: create directories for %s: %w", path, mkErr)
			}
		} else {
			return "", fmt.Errorf("archivepolicy: stat %s: %w", dir, statErr)
		}
	}

	p.pendingPeriodStart = periodStart
	p.pendingBoundaryNs = nextBoundaryNs
	return path, nil
}

// Advance commits the rotation state computed by the most recent NextPath
// call. Calling it without an intervening ShouldRotate==true/NextPath is a
// no-op beyond marking the policy initialized.
func (p *Policy) Advance() {
	p.currentPeriodNs = uint64(p.pendingPeriodStart.UnixNano())
	p.nextBoundaryNs = p.pendingBoundaryNs
	p.initialized = true
}

func (p *Policy) renderPath(periodStart time.Time, nowNs uint64) (string, error) {
	root := p.cfg.RootDir
	suffix := p.cfg.Suffix

	y, m, d := periodStart.Date()
	hh, mm, ss := periodStart.Hour(), periodStart.Minute(), periodStart.Second()

	ymd := fmt.Sprintf("%04d-%02d-%02d", y, int(m), d)
	ymdh := fmt.Sprintf("%s-%02d", ymd, hh)

	switch p.cfg.Layout {
	case LayoutFlat:
		return filepath.Join(root, fmt.Sprintf("%s.%s", ymdh, suffix)), nil

	case LayoutHierarchy:
		return filepath.Join(root,
			fmt.Sprintf("%04d", y), fmt.Sprintf("%02d", int(m)), fmt.Sprintf("%02d", d), fmt.Sprintf("%02d", hh),
			fmt.Sprintf("archive.%s", suffix)), nil

	case LayoutCombo:
		return filepath.Join(root,
			fmt.Sprintf("%04d", y), fmt.Sprintf("%02d", int(m)), fmt.Sprintf("%02d", d), fmt.Sprintf("%02d", hh),
			fmt.Sprintf("%s.%s", ymdh, suffix)), nil

	case LayoutDailyDir:
		return filepath.Join(root, ymd, fmt.Sprintf("%s.%s", ymdh, suffix)), nil

	case LayoutAccurate:
		// Centiseconds reflect actual now, not the period start, so
		// sub-hour rotations still produce monotonically increasing names.
		actual := time.Unix(0, int64(nowNs)).In(p.cfg.ClockSource.location())
		cc := actual.Nanosecond() / 10_000_000
		name := fmt.Sprintf("%s-%02d-%02d-%02d-%02d", ymd, hh, mm, ss, cc)
		return filepath.Join(root, ymd, fmt.Sprintf("%s.%s", name, suffix)), nil

	case LayoutCustom:
		name, err := strftime.Format(p.cfg.CustomFormat, periodStart)
		if err != nil {
			return "", fmt.Errorf("archivepolicy: invalid custom format %q: %w", p.cfg.CustomFormat, err)
		}
		return filepath.Join(root, fmt.Sprintf("%s.%s", name, suffix)), nil

	default:
		return "", fmt.Errorf("archivepolicy: unknown layout %d", p.cfg.Layout)
	}
}
