package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/benaskins/warden/internal/driver"
	"github.com/benaskins/warden/internal/health"
	"github.com/benaskins/warden/internal/journal"
	"github.com/benaskins/warden/internal/metrics"
)

// Backoff returns the restart delay after the n-th unplanned exit:
// min(cap, base*n). Linear and unjittered.
func Backoff(base, cap time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base * time.Duration(n)
	if d > cap || d < 0 {
		return cap
	}
	return d
}

// observe waits for the held process to exit and settles the status.
func (s *Supervisor) observe(held *heldProc) {
	select {
	case <-held.h.Done():
	case <-s.lifeCtx.Done():
		return
	}

	exit := held.h.Exit()
	info := exitInfo(exit)
	pid := held.h.PID()

	s.mu.Lock()
	planned := held.planned
	current := s.held == held
	var m *health.Monitor
	var delay time.Duration
	restart := false

	delete(s.killed, pid)
	if current {
		s.held = nil
		m = s.detachMonitorLocked()

		d, err := s.desired.Load()
		if err != nil {
			s.logger.Warn("failed to load desired state", "error", err)
		}
		restart = !planned && d.Desired == DesiredRunning && !s.closed

		n := 0
		_ = s.status.Update(func(st *LiveStatus) error {
			st.LastExit = &info
			st.ReadyAt = nil
			st.PID = nil
			if restart {
				st.RestartCount++
				n = st.RestartCount
			}
			if st.State != StateStopped {
				from := st.State
				st.State = StateStopped
				s.logger.Debug("state transition", "from", from, "to", StateStopped)
			}
			return nil
		})
		if restart {
			delay = s.scheduleRestartLocked(n)
		}
	} else if planned {
		_ = s.status.Update(func(st *LiveStatus) error {
			st.LastExit = &info
			return nil
		})
	}
	s.mu.Unlock()

	stopMonitor(m)
	if current {
		if err := s.desired.ClearPID(pid); err != nil {
			s.logger.Warn("failed to clear persisted pid", "pid", pid, "error", err)
		}
	}
	close(held.observed)

	metrics.IncExit(planned)
	ev := journal.Event{Kind: journal.KindExit, PID: pid, Code: info.Code, Signal: derefStr(info.Signal)}
	if planned {
		ev.Detail = "planned"
		s.logger.Info("gateway exited", "pid", pid, "code", exit.Code, "signal", exit.Signal)
	} else {
		ev.Detail = "unplanned"
		s.logger.Warn("gateway exited unexpectedly", "pid", pid, "code", exit.Code, "signal", exit.Signal)
	}
	s.journal.Record(s.lifeCtx, ev)

	if restart {
		s.logger.Info("restart scheduled", "delay", delay)
		s.journal.Record(s.lifeCtx, journal.Event{
			Kind:   journal.KindRestartScheduled,
			PID:    pid,
			Detail: delay.String(),
		})
	}
}

func exitInfo(e driver.Exit) ExitInfo {
	info := ExitInfo{At: e.At.UTC()}
	if e.Code >= 0 {
		info.Code = ptr(e.Code)
	}
	if e.Signal != "" {
		info.Signal = ptr(e.Signal)
	}
	return info
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *Supervisor) scheduleRestartLocked(n int) time.Duration {
	delay := Backoff(s.cfg.Supervisor.RestartBase.Duration, s.cfg.Supervisor.RestartCap.Duration, n)
	if s.restart != nil {
		s.restart.Stop()
	}
	s.restartGen++
	gen := s.restartGen
	s.restart = s.after(delay, func() { s.restartNow(gen) })
	return delay
}

// restartNow runs a scheduled restart unless it was cancelled or the
// operator has since asked for the gateway to stay down.
func (s *Supervisor) restartNow(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if gen != s.restartGen || s.closed {
		s.mu.Unlock()
		return
	}
	s.restart = nil
	s.mu.Unlock()

	d, _ := s.desired.Load()
	if d.Desired != DesiredRunning {
		return
	}
	if s.cfg.Gateway.Token == "" {
		s.logger.Error("restart skipped", "error", ErrMissingToken)
		return
	}

	metrics.IncRestart()
	if err := s.startLocked(s.lifeCtx); err != nil {
		s.logger.Error("restart failed", "error", err)
	}
}

func (s *Supervisor) cancelRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartGen++
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
}

// awaitReady probes the target until the held process accepts connections,
// exits, or ready_timeout passes.
func (s *Supervisor) awaitReady(held *heldProc) {
	defer close(held.readyDone)

	ctx, cancel := context.WithCancel(s.lifeCtx)
	defer cancel()
	go func() {
		select {
		case <-held.h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	timeout := s.cfg.Supervisor.ReadyTimeout.Duration
	if s.prober.WaitReady(ctx, s.target.Host, s.target.Port, timeout) && !held.exited() {
		s.markReady(held)
		return
	}
	if held.exited() || ctx.Err() != nil {
		return
	}

	msg := fmt.Sprintf("gateway not accepting connections on %s after %s", s.addr(), timeout)
	s.mu.Lock()
	if s.held == held {
		_ = s.status.Update(func(st *LiveStatus) error {
			st.LastError = &msg
			return nil
		})
	}
	s.mu.Unlock()
	s.logger.Warn("readiness timeout", "pid", held.h.PID(), "timeout", timeout)
}

// markReady moves a starting process to running. It only applies to the
// current handle and never to one being stopped.
func (s *Supervisor) markReady(held *heldProc) bool {
	s.mu.Lock()
	if s.held != held || held.planned {
		s.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	err := s.transitionLocked(StateRunning, func(st *LiveStatus) {
		st.ReadyAt = &now
		st.LastError = nil
	})
	if err != nil {
		s.mu.Unlock()
		return false
	}
	held.ready = true
	s.startMonitorLocked(held)
	s.mu.Unlock()

	elapsed := now.Sub(held.h.StartedAt())
	metrics.ObserveReady(elapsed.Seconds())
	s.logger.Info("gateway ready", "pid", held.h.PID(), "target", s.addr(), "after", elapsed.Round(time.Millisecond))
	s.journal.Record(s.lifeCtx, journal.Event{Kind: journal.KindReady, PID: held.h.PID()})
	return true
}

func (s *Supervisor) startMonitorLocked(held *heldProc) {
	if s.monitor != nil || s.closed {
		return
	}
	hc := s.cfg.Health
	m := health.NewMonitor(health.Config{
		Host:               s.target.Host,
		Port:               s.target.Port,
		Interval:           hc.Interval.Duration,
		Timeout:            s.cfg.Supervisor.ProbeTimeout.Duration,
		UnhealthyThreshold: hc.UnhealthyThreshold,
		Check: func(ctx context.Context) error {
			if s.prober.Probe(ctx, s.target.Host, s.target.Port) {
				return nil
			}
			return fmt.Errorf("%s not accepting connections", s.addr())
		},
	}, s.logger.With("check", "liveness"), func(lastErr string) {
		s.onUnhealthy(held, lastErr)
	})
	s.monitor = m
	m.Start(s.lifeCtx)
}

func (s *Supervisor) onUnhealthy(held *heldProc, lastErr string) {
	s.mu.Lock()
	if s.held != held {
		s.mu.Unlock()
		return
	}
	msg := "liveness check failing: " + lastErr
	_ = s.status.Update(func(st *LiveStatus) error {
		st.LastError = &msg
		return nil
	})
	s.mu.Unlock()

	s.journal.Record(s.lifeCtx, journal.Event{Kind: journal.KindUnhealthy, PID: held.h.PID(), Error: lastErr})
	if !s.cfg.Health.RestartOnUnhealthy {
		return
	}
	s.logger.Warn("terminating unhealthy gateway", "pid", held.h.PID())
	// Not marked planned, so the exit observer restarts it.
	go driver.Terminate(s.lifeCtx, held.h, s.signaler, s.cfg.Supervisor.ShutdownTimeout.Duration)
}
