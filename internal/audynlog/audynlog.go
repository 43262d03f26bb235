// Package audynlog provides Audyn's leveled logging, wrapping
// charmbracelet/log the way the teacher project does its terminal output,
// with an optional syslog destination for unattended/daemonized runs.
package audynlog

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors audyn_log_level_t.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// LevelFromString parses a CLI/config level name.
func LevelFromString(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("audynlog: unknown level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) charm() charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Stats mirrors audyn_log_stats_t: counts of lines emitted per level.
type Stats struct {
	Debug uint64
	Info  uint64
	Warn  uint64
	Error uint64
}

type statCounters struct {
	debug atomic.Uint64
	info  atomic.Uint64
	warn  atomic.Uint64
	err   atomic.Uint64
}

// Logger is Audyn's process-wide logging facility. One instance is created
// at startup (init) and released at shutdown (Close).
type Logger struct {
	mu     sync.Mutex
	level  atomic.Int32
	base   *charmlog.Logger
	sl     *syslog.Writer // nil unless syslog output was requested
	stats  statCounters
}

// Config configures logger creation.
type Config struct {
	Level      Level
	Output     io.Writer // defaults to os.Stderr
	EnableSyslog bool
	SyslogTag  string // defaults to "audyn"
}

// New creates a Logger. If EnableSyslog is set, log lines are written to
// the local syslog daemon (in addition to Output) via log/syslog; there is
// no ecosystem syslog client in the example pack's dependency set, so this
// one piece is stdlib (see DESIGN.md).
func New(cfg Config) (*Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{
		base: charmlog.NewWithOptions(out, charmlog.Options{
			ReportTimestamp: true,
			ReportCaller:    false,
		}),
	}
	l.level.Store(int32(cfg.Level))
	l.base.SetLevel(cfg.Level.charm())

	if cfg.EnableSyslog {
		tag := cfg.SyslogTag
		if tag == "" {
			tag = "audyn"
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
		if err != nil {
			return nil, fmt.Errorf("audynlog: connect to syslog: %w", err)
		}
		l.sl = w
	}

	return l, nil
}

// SetLevel adjusts the minimum level logged, concurrency-safe.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
	l.mu.Lock()
	l.base.SetLevel(level.charm())
	l.mu.Unlock()
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level { return Level(l.level.Load()) }

func (l *Logger) emit(level Level, msg string, kv ...any) {
	if level < l.GetLevel() {
		return
	}

	switch level {
	case LevelDebug:
		l.stats.debug.Add(1)
	case LevelWarn:
		l.stats.warn.Add(1)
	case LevelError:
		l.stats.err.Add(1)
	default:
		l.stats.info.Add(1)
	}

	l.mu.Lock()
	switch level {
	case LevelDebug:
		l.base.Debug(msg, kv...)
	case LevelWarn:
		l.base.Warn(msg, kv...)
	case LevelError:
		l.base.Error(msg, kv...)
	default:
		l.base.Info(msg, kv...)
	}
	if l.sl != nil {
		line := fmt.Sprintf("%s %s", level, msg)
		switch level {
		case LevelError:
			_ = l.sl.Err(line)
		case LevelWarn:
			_ = l.sl.Warning(line)
		default:
			_ = l.sl.Info(line)
		}
	}
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, kv ...any) { l.emit(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.emit(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.emit(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.emit(LevelError, msg, kv...) }

// GetStats returns a snapshot of per-level emit counts.
func (l *Logger) GetStats() Stats {
	return Stats{
		Debug: l.stats.debug.Load(),
		Info:  l.stats.info.Load(),
		Warn:  l.stats.warn.Load(),
		Error: l.stats.err.Load(),
	}
}

// Close releases the syslog connection, if any.
func (l *Logger) Close() error {
	if l.sl != nil {
		return l.sl.Close()
	}
	return nil
}
