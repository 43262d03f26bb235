// Command audyn captures a live AES67/RTP multicast stream (or, with
// --local, a local audio device) and archives it to rotating WAV or Ogg
// Opus files.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/brianwynne/audyn/internal/archivepolicy"
	"github.com/brianwynne/audyn/internal/audynlog"
	"github.com/brianwynne/audyn/internal/config"
	"github.com/brianwynne/audyn/internal/framepool"
	"github.com/brianwynne/audyn/internal/framequeue"
	"github.com/brianwynne/audyn/internal/ptpclock"
	"github.com/brianwynne/audyn/internal/pwinput"
	"github.com/brianwynne/audyn/internal/rtpinput"
	"github.com/brianwynne/audyn/internal/sink/opussink"
	"github.com/brianwynne/audyn/internal/sink/wavsink"
	"github.com/brianwynne/audyn/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(pflag.NewFlagSet("audyn", pflag.ContinueOnError), args)
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, "audyn:", err)
		return 2
	}

	log, err := audynlog.New(audynlog.Config{
		Level:        verbosityToLevel(cfg),
		EnableSyslog: cfg.Syslog,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "audyn:", err)
		return 1
	}
	defer log.Close()

	pipeline, err := buildPipeline(cfg, log)
	if err != nil {
		log.Error("failed to build pipeline", "err", err)
		return 1
	}
	defer pipeline.close()

	if err := pipeline.start(); err != nil {
		log.Error("failed to start pipeline", "err", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("stopping")
	pipeline.stop()

	stats := pipeline.workerStats()
	log.Info("clean stop",
		"files_written", stats.FilesWritten,
		"frames_written", stats.FramesWritten,
		"rotations", stats.Rotations,
	)

	if workerErr := pipeline.lastError(); workerErr != nil {
		log.Error("worker reported an error", "err", workerErr)
		return 1
	}
	return 0
}

func verbosityToLevel(cfg *config.Config) audynlog.Level {
	if cfg.Quiet {
		return audynlog.LevelError
	}
	switch {
	case cfg.Verbose >= 2:
		return audynlog.LevelDebug
	case cfg.Verbose == 1:
		return audynlog.LevelInfo
	default:
		return audynlog.LevelWarn
	}
}

// pipeline bundles the producer (an AES67 RTP receiver, or a local-capture
// PortAudio producer when --local is set) and the worker consuming its
// queue.
type pipeline struct {
	pool     *framepool.Pool
	queue    *framequeue.Queue
	clock    *ptpclock.Clock
	receiver *rtpinput.Receiver
	producer *pwinput.Producer
	wrk      *worker.Worker
}

func buildPipeline(cfg *config.Config, log *audynlog.Logger) (*pipeline, error) {
	pool, err := framepool.New(cfg.PoolFrames, resolvedChannels(cfg), cfg.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("frame pool: %w", err)
	}

	queue, err := framequeue.New(cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("frame queue: %w", err)
	}

	clock, err := ptpclock.New(ptpClockConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("ptp clock: %w", err)
	}

	policy, err := archivePolicyFromConfig(cfg)
	if err != nil {
		clock.Close()
		return nil, fmt.Errorf("archive policy: %w", err)
	}

	sink, err := sinkFromConfig(cfg)
	if err != nil {
		clock.Close()
		return nil, fmt.Errorf("sink: %w", err)
	}

	wrk, err := worker.New(worker.Config{
		SampleRate:  cfg.SampleRate,
		Channels:    resolvedChannels(cfg),
		DrainOnStop: true,
	}, queue, pool, policy, clock, sink)
	if err != nil {
		clock.Close()
		return nil, fmt.Errorf("worker: %w", err)
	}

	p := &pipeline{pool: pool, queue: queue, clock: clock, wrk: wrk}

	if cfg.Local {
		if err := portaudio.Initialize(); err != nil {
			clock.Close()
			return nil, fmt.Errorf("portaudio init: %w", err)
		}
		producer, err := pwinput.New(pwinput.Config{
			SampleRate:        float64(cfg.SampleRate),
			Channels:          int(resolvedChannels(cfg)),
			FramesPerCallback: int(cfg.FrameSize),
			DeviceID:          -1,
		}, pool, queue)
		if err != nil {
			portaudio.Terminate()
			clock.Close()
			return nil, fmt.Errorf("local capture producer: %w", err)
		}
		p.producer = producer
	} else {
		receiver, err := rtpinput.New(rtpinput.Config{
			SourceIP:         cfg.SourceIP,
			Port:             cfg.Port,
			PayloadType:      cfg.PayloadType,
			SampleRate:       cfg.SampleRate,
			Channels:         cfg.Channels,
			SamplesPerPacket: cfg.SamplesPerPacket,
			SocketRcvBuf:     cfg.SocketRcvBuf,
			BindInterface:    cfg.BindInterface,
			StreamChannels:   cfg.StreamChannels,
			ChannelOffset:    cfg.ChannelOffset,
			Logger:           log,
		}, pool, queue, clock)
		if err != nil {
			clock.Close()
			return nil, fmt.Errorf("rtp receiver: %w", err)
		}
		p.receiver = receiver
	}

	return p, nil
}

func resolvedChannels(cfg *config.Config) uint16 {
	if cfg.StreamChannels != 0 {
		return cfg.StreamChannels
	}
	return cfg.Channels
}

func ptpClockConfig(cfg *config.Config) ptpclock.Config {
	switch {
	case cfg.PTPDevice != "":
		return ptpclock.Config{Mode: ptpclock.ModeHardware, PHCDevice: cfg.PTPDevice}
	case cfg.PTPInterface != "":
		return ptpclock.Config{Mode: ptpclock.ModeHardware, Interface: cfg.PTPInterface}
	case cfg.PTPSoftware:
		return ptpclock.Config{Mode: ptpclock.ModeSoftware}
	default:
		return ptpclock.Config{Mode: ptpclock.ModeNone}
	}
}

func archivePolicyFromConfig(cfg *config.Config) (*archivepolicy.Policy, error) {
	if cfg.OutFile != "" {
		dir := cfg.OutFile
		if i := strings.LastIndexByte(dir, '/'); i >= 0 {
			dir = dir[:i]
		} else {
			dir = "."
		}
		return archivepolicy.New(archivepolicy.Config{
			RootDir:           dir,
			Suffix:            cfg.OutputSuffix(),
			Layout:            archivepolicy.LayoutFlat,
			RotationPeriodSec: 0,
			ClockSource:       archivepolicy.ClockUTC,
		})
	}

	layout, err := archivepolicy.LayoutFromString(cfg.ArchiveLayout)
	if err != nil {
		return nil, err
	}
	clockSrc, err := archivepolicy.ClockFromString(cfg.ArchiveClock)
	if err != nil {
		return nil, err
	}

	return archivepolicy.New(archivepolicy.Config{
		RootDir:           cfg.ArchiveRoot,
		Suffix:            cfg.ArchiveSuffix,
		Layout:            layout,
		CustomFormat:      cfg.ArchiveFormat,
		RotationPeriodSec: cfg.ArchivePeriodSec,
		ClockSource:       clockSrc,
		CreateDirectories: true,
	})
}

func sinkFromConfig(cfg *config.Config) (worker.Sink, error) {
	switch cfg.OutputSuffix() {
	case "opus":
		app, err := opussink.ApplicationFromString(cfg.Application)
		if err != nil {
			return nil, err
		}
		return opussink.New(opussink.Config{
			Bitrate:     cfg.Bitrate,
			Complexity:  cfg.Complexity,
			VBR:         cfg.VBR,
			Application: app,
		}), nil
	case "wav", "":
		return wavsink.New(wavsink.Config{}), nil
	default:
		return nil, fmt.Errorf("unsupported output suffix %q", cfg.OutputSuffix())
	}
}

func (p *pipeline) start() error {
	if p.receiver != nil {
		if err := p.receiver.Start(); err != nil {
			return err
		}
	}
	if p.producer != nil {
		if err := p.producer.Start(); err != nil {
			return err
		}
	}
	return p.wrk.Start()
}

func (p *pipeline) stop() {
	if p.receiver != nil {
		p.receiver.Stop()
	}
	if p.producer != nil {
		p.producer.Stop()
	}
	p.wrk.Stop()
}

func (p *pipeline) close() {
	if p.producer != nil {
		portaudio.Terminate()
	}
	p.clock.Close()
}

func (p *pipeline) workerStats() worker.Stats {
	return p.wrk.GetStats()
}

func (p *pipeline) lastError() error {
	if p.receiver != nil {
		if err := p.receiver.GetLastError(); err != nil {
			return err
		}
	}
	if p.producer != nil {
		if err := p.producer.GetLastError(); err != nil {
			return err
		}
	}
	return p.wrk.GetLastError()
}
