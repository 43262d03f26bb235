// Package discovery announces a running Audyn stream over mDNS/DNS-SD so
// AES67 control points can find it without operators typing in IPs and
// ports by hand, the same role the teacher project's dns_sd.go fills for
// its KISS TCP service. This is a boundary concern: the core pipeline
// runs identically whether or not discovery is enabled.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
)

const serviceType = "_aes67._udp"

// Config configures the announced service.
type Config struct {
	Name string // defaults to "audyn" if empty
	Port int
	Text map[string]string // extra TXT records, e.g. sample-rate/channels
}

// Announcer runs an mDNS responder advertising one Audyn stream.
type Announcer struct {
	responder dnssd.Responder
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error
}

// Start creates the DNS-SD service and begins responding to mDNS queries
// in the background. Call Stop to withdraw the announcement.
func Start(cfg Config) (*Announcer, error) {
	name := cfg.Name
	if name == "" {
		name = "audyn"
	}

	svcCfg := dnssd.Config{
		Name: name,
		Type: serviceType,
		Port: cfg.Port,
		Text: cfg.Text,
	}

	sv, err := dnssd.NewService(svcCfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: create service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: create responder: %w", err)
	}

	if _, err := rp.Add(sv); err != nil {
		return nil, fmt.Errorf("discovery: add service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Announcer{responder: rp, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(a.done)
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			a.lastErr = fmt.Errorf("discovery: responder stopped: %w", err)
		}
	}()

	return a, nil
}

// Stop withdraws the announcement and waits for the responder goroutine
// to exit.
func (a *Announcer) Stop() {
	a.cancel()
	<-a.done
}

// LastError returns the responder goroutine's terminal error, if any.
// Only meaningful after Stop returns.
func (a *Announcer) LastError() error { return a.lastErr }
