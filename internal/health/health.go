package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Status represents the liveness of the managed process while it runs.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config holds liveness monitor configuration.
type Config struct {
	Host               string
	Port               int
	Interval           time.Duration // time between checks
	Timeout            time.Duration // max time per check
	GracePeriod        time.Duration // delay before first check
	UnhealthyThreshold int           // consecutive failures before unhealthy

	// Check replaces the TCP dial against Host:Port when set.
	Check func(ctx context.Context) error
}

// Monitor runs periodic TCP checks against a running process and tracks state.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.Mutex
	status           Status
	consecutiveFails int
	lastError        string
	cancel           context.CancelFunc
	done             chan struct{}

	// onUnhealthy is called when the process transitions to unhealthy.
	onUnhealthy func(lastErr string)
}

// NewMonitor creates a liveness monitor.
func NewMonitor(cfg Config, logger *slog.Logger, onUnhealthy func(lastErr string)) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Monitor{
		cfg:         cfg,
		logger:      logger,
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
	}
}

// Start begins periodic checking. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status = StatusUnknown
	m.consecutiveFails = 0
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current liveness status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	var err error
	if m.cfg.Check != nil {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err = m.cfg.Check(cctx)
		cancel()
	} else {
		err = checkTCP(ctx, m.cfg.Host, m.cfg.Port, m.cfg.Timeout)
	}

	// Results from a cancelled context mean the monitor is shutting down.
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	prevStatus := m.status
	if err == nil {
		m.consecutiveFails = 0
		m.status = StatusHealthy
		m.lastError = ""
	} else {
		m.consecutiveFails++
		m.lastError = err.Error()
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}
	newStatus := m.status
	consecutiveFails := m.consecutiveFails
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("liveness check failed",
			"error", err,
			"consecutive_fails", consecutiveFails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	}

	if prevStatus != StatusUnhealthy && newStatus == StatusUnhealthy {
		m.logger.Error("gateway is unhealthy", "consecutive_fails", consecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy(err.Error())
		}
	}
}

func checkTCP(ctx context.Context, host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}
