// Package config defines Audyn's command-line surface and the optional
// YAML config file used to override its defaults, mirroring the flag set
// fixed by the original audyn.c entrypoint (spec §6).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every setting accepted on the command line or in a YAML
// config file. Zero values are filled in by Parse's defaulting pass.
type Config struct {
	// Input selection.
	Local bool `yaml:"local"`

	// AES67 ingest.
	SourceIP         string `yaml:"source_ip"`
	Port             uint16 `yaml:"port"`
	PayloadType      uint8  `yaml:"payload_type"`
	SamplesPerPacket uint32 `yaml:"samples_per_packet"`
	SocketRcvBuf     int    `yaml:"socket_rcvbuf"`
	BindInterface    string `yaml:"bind_interface"`
	ChannelOffset    uint16 `yaml:"channel_offset"`
	StreamChannels   uint16 `yaml:"stream_channels"`

	// Audio format.
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   uint16 `yaml:"channels"`

	// PTP.
	PTPDevice    string `yaml:"ptp_device"`
	PTPInterface string `yaml:"ptp_interface"`
	PTPSoftware  bool   `yaml:"ptp_software"`

	// Output: either OutFile, or ArchiveRoot + friends.
	OutFile           string `yaml:"out_file"`
	ArchiveRoot       string `yaml:"archive_root"`
	ArchiveLayout     string `yaml:"archive_layout"`
	ArchiveFormat     string `yaml:"archive_format"`
	ArchiveSuffix     string `yaml:"archive_suffix"`
	ArchiveClock      string `yaml:"archive_clock"`
	ArchivePeriodSec  uint32 `yaml:"archive_period"`

	// Opus.
	Bitrate     int    `yaml:"bitrate"`
	VBR         bool   `yaml:"vbr"`
	Complexity  int    `yaml:"complexity"`
	Application string `yaml:"application"`

	// Buffer tuning.
	QueueCapacity int    `yaml:"queue_capacity"`
	PoolFrames    int    `yaml:"pool_frames"`
	FrameSize     uint32 `yaml:"frame_size"`

	// PipeWire fallback producer.
	PipeWire bool `yaml:"pipewire"`

	// Logging.
	Syslog  bool   `yaml:"syslog"`
	Verbose int    `yaml:"verbose"`
	Quiet   bool   `yaml:"quiet"`
	LogFile string `yaml:"log_file"`
}

func defaults() Config {
	return Config{
		Port:             5004,
		PayloadType:      96,
		SamplesPerPacket: 48,
		SampleRate:       48000,
		Channels:         2,
		ArchiveLayout:    "flat",
		ArchiveClock:     "localtime",
		ArchivePeriodSec: 3600,
		ArchiveSuffix:    "wav",
		Bitrate:          0,
		Complexity:       5,
		Application:      "voip",
		QueueCapacity:    256,
		PoolFrames:       256,
		FrameSize:        1920,
	}
}

// Parse builds flags on fs (pass pflag.CommandLine for the real CLI, or a
// fresh FlagSet in tests), parses args, and validates the result.
func Parse(fs *pflag.FlagSet, args []string) (*Config, error) {
	cfg := defaults()

	fs.BoolVarP(&cfg.Local, "local", "m", false, "capture from local PipeWire/portaudio input instead of AES67")
	fs.StringVar(&cfg.SourceIP, "source", "", "AES67 multicast or unicast source IP")
	fs.Uint16VarP(&cfg.Port, "port", "p", cfg.Port, "UDP port")
	fs.Uint8Var(&cfg.PayloadType, "pt", cfg.PayloadType, "RTP payload type")
	fs.Uint32Var(&cfg.SamplesPerPacket, "spp", cfg.SamplesPerPacket, "samples per packet")
	fs.IntVar(&cfg.SocketRcvBuf, "rcvbuf", 0, "socket receive buffer size in bytes (0 = system default)")
	fs.StringVar(&cfg.BindInterface, "bind-interface", "", "network interface to join multicast on")
	fs.Uint16Var(&cfg.ChannelOffset, "channel-offset", 0, "first wire channel to capture")
	fs.Uint16Var(&cfg.StreamChannels, "stream-channels", 0, "number of wire channels to capture (0 = all)")

	fs.Uint32VarP(&cfg.SampleRate, "rate", "r", cfg.SampleRate, "sample rate in Hz")
	fs.Uint16VarP(&cfg.Channels, "channels", "c", cfg.Channels, "channel count (1 or 2)")

	fs.StringVar(&cfg.PTPDevice, "ptp-device", "", "PTP hardware clock device path")
	fs.StringVar(&cfg.PTPInterface, "ptp-interface", "", "network interface to discover a PTP hardware clock from")
	fs.BoolVar(&cfg.PTPSoftware, "ptp-software", false, "use the software (realtime) clock for PTP correlation")

	fs.StringVarP(&cfg.OutFile, "out", "o", "", "write a single file (suffix selects format)")
	fs.StringVar(&cfg.ArchiveRoot, "archive-root", "", "root directory for rotating archive mode")
	fs.StringVar(&cfg.ArchiveLayout, "archive-layout", cfg.ArchiveLayout, "flat|hierarchy|combo|dailydir|accurate|custom")
	fs.StringVar(&cfg.ArchiveFormat, "archive-format", "", "strftime pattern, required with --archive-layout=custom")
	fs.StringVar(&cfg.ArchiveSuffix, "archive-suffix", cfg.ArchiveSuffix, "file suffix written in archive mode")
	fs.StringVar(&cfg.ArchiveClock, "archive-clock", cfg.ArchiveClock, "localtime|utc|ptp")
	fs.Uint32Var(&cfg.ArchivePeriodSec, "archive-period", cfg.ArchivePeriodSec, "rotation period in seconds (0 disables rotation)")

	fs.IntVar(&cfg.Bitrate, "bitrate", 0, "Opus bitrate in bps (0 = default for channel count)")
	fs.BoolVar(&cfg.VBR, "vbr", true, "use variable bitrate Opus encoding")
	cbr := fs.Bool("cbr", false, "use constrained constant bitrate Opus encoding (overrides --vbr)")
	fs.IntVar(&cfg.Complexity, "complexity", cfg.Complexity, "Opus encoder complexity (0-10)")
	fs.StringVar(&cfg.Application, "application", cfg.Application, "voip|audio|restricted-lowdelay")

	fs.IntVarP(&cfg.QueueCapacity, "queue-capacity", "Q", cfg.QueueCapacity, "frame queue capacity")
	fs.IntVarP(&cfg.PoolFrames, "pool-frames", "P", cfg.PoolFrames, "frame pool size")
	fs.Uint32VarP(&cfg.FrameSize, "frame-size", "F", cfg.FrameSize, "samples per pool frame")

	fs.BoolVar(&cfg.PipeWire, "pipewire", false, "use PipeWire/portaudio local capture as the producer")

	fs.BoolVar(&cfg.Syslog, "syslog", false, "send log lines to the local syslog daemon")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
	fs.BoolVarP(&cfg.Quiet, "quiet", "q", false, "suppress informational logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: audyn [flags]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *cbr {
		cfg.VBR = false
	}
	if cfg.PipeWire {
		cfg.Local = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadYAMLOverlay reads a YAML file and overlays any fields it sets onto
// cfg, letting a config file supply defaults that flags can still override
// when both Parse and this are used together by the caller.
func LoadYAMLOverlay(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate enforces the mutual-exclusion and cross-field rules from the
// original audyn.c CLI (spec §6).
func (c *Config) Validate() error {
	if c.OutFile == "" && c.ArchiveRoot == "" {
		return fmt.Errorf("config: exactly one of --out or --archive-root is required")
	}
	if c.OutFile != "" && c.ArchiveRoot != "" {
		return fmt.Errorf("config: --out and --archive-root are mutually exclusive")
	}

	ptpOpts := 0
	if c.PTPDevice != "" {
		ptpOpts++
	}
	if c.PTPInterface != "" {
		ptpOpts++
	}
	if c.PTPSoftware {
		ptpOpts++
	}
	if ptpOpts > 1 {
		return fmt.Errorf("config: at most one of --ptp-device, --ptp-interface, --ptp-software may be set")
	}
	if ptpOpts > 0 && c.Local {
		return fmt.Errorf("config: PTP options require AES67 input, not --local")
	}

	if strings.EqualFold(c.ArchiveLayout, "custom") && c.ArchiveRoot != "" && c.ArchiveFormat == "" {
		return fmt.Errorf("config: --archive-layout=custom requires --archive-format")
	}

	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("config: channels must be 1 or 2, got %d", c.Channels)
	}
	if c.SampleRate == 0 {
		return fmt.Errorf("config: sample rate must be nonzero")
	}

	return nil
}

// OutputSuffix returns the file suffix that selects WAV vs Opus, derived
// from either OutFile's extension or ArchiveSuffix.
func (c *Config) OutputSuffix() string {
	if c.OutFile != "" {
		if i := strings.LastIndexByte(c.OutFile, '.'); i >= 0 {
			return strings.ToLower(c.OutFile[i+1:])
		}
		return ""
	}
	return strings.ToLower(c.ArchiveSuffix)
}
