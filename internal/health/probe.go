package health

import (
	"context"
	"time"
)

const (
	// DefaultProbeTimeout bounds a single connection attempt inside WaitReady.
	DefaultProbeTimeout = 750 * time.Millisecond
	// DefaultProbeInterval is the pause between failed attempts inside WaitReady.
	DefaultProbeInterval = 250 * time.Millisecond
)

// Probe makes one bounded TCP connection attempt to host:port. It reports
// true only if the connection was accepted. The socket is always closed.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	return checkTCP(ctx, host, port, timeout) == nil
}

// Prober waits for an address to accept connections.
type Prober struct {
	Timeout  time.Duration // per attempt
	Interval time.Duration // between attempts
}

// NewProber returns a Prober, filling zero values with the defaults.
func NewProber(timeout, interval time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{Timeout: timeout, Interval: interval}
}

// Probe makes a single attempt using the prober's per-attempt timeout.
func (p *Prober) Probe(ctx context.Context, host string, port int) bool {
	return Probe(ctx, host, port, p.Timeout)
}

// WaitReady probes repeatedly until one attempt succeeds, total elapses,
// or ctx is done. No attempt runs past the total deadline.
func (p *Prober) WaitReady(ctx context.Context, host string, port int, total time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	for {
		if Probe(ctx, host, port, p.Timeout) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.Interval):
		}
	}
}

// WaitReady is Prober.WaitReady with the default timings.
func WaitReady(ctx context.Context, host string, port int, total time.Duration) bool {
	return NewProber(0, 0).WaitReady(ctx, host, port, total)
}
