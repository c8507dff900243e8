package daemon

import (
	"context"
	"time"

	"github.com/benaskins/warden/internal/driver"
	"github.com/benaskins/warden/internal/journal"
	"github.com/benaskins/warden/internal/metrics"
	"github.com/benaskins/warden/internal/proctable"
)

// lingerWait bounds the wait for a process we already killed to leave the table.
const lingerWait = time.Second

// expectedNames are the command names a gateway process may run under.
func (s *Supervisor) expectedNames() []string {
	names := []string{s.cfg.Gateway.Command}
	names = append(names, s.cfg.Gateway.Fallback...)
	return append(names, s.cfg.Supervisor.ZombieParents...)
}

// neutralize makes sure pid no longer holds the gateway slot and clears it
// from the persisted record. A pid that is already gone is never signaled, a
// zombie is cleared through its parent, and a live pid now running some other
// program is left alone. It reports whether the slot was cleared.
func (s *Supervisor) neutralize(ctx context.Context, pid int) bool {
	logger := s.logger.With("pid", pid)

	switch s.insp.Lookup(pid) {
	case proctable.NotFound:
		logger.Info("recorded gateway pid is gone")

	case proctable.Zombie:
		if !s.reapZombie(ctx, pid) {
			return false
		}

	case proctable.Alive:
		name := s.insp.CommandName(pid)
		if name != proctable.Unknown && !proctable.MatchName(name, s.expectedNames()) {
			// Guard against pid reuse: the recorded process is long gone.
			logger.Warn("recorded pid now belongs to another program, not signaling", "command", name)
			s.journal.Record(ctx, journal.Event{Kind: journal.KindNeutralize, PID: pid, Detail: "pid reused by " + name})
			break
		}

		logger.Info("stopping previous gateway instance", "command", name)
		s.runStopCommand(ctx)
		state := driver.TerminatePID(ctx, pid, s.insp, s.signaler, s.cfg.Supervisor.ShutdownTimeout.Duration)
		s.rememberKilled(pid)

		switch state {
		case proctable.Zombie:
			if !s.reapZombie(ctx, pid) {
				return false
			}
		case proctable.Alive:
			logger.Warn("previous gateway instance survived SIGKILL")
			s.journal.Record(ctx, journal.Event{Kind: journal.KindNeutralize, PID: pid, Error: "still alive after kill"})
			return false
		}
		s.journal.Record(ctx, journal.Event{Kind: journal.KindNeutralize, PID: pid})
	}

	if err := s.desired.ClearPID(pid); err != nil {
		logger.Warn("failed to clear persisted pid", "error", err)
	}
	return true
}

func (s *Supervisor) reapZombie(ctx context.Context, pid int) bool {
	err := driver.ReapZombie(ctx, pid, s.insp, s.signaler, s.cfg.Supervisor.ZombieParents, s.cfg.Supervisor.ZombieTimeout.Duration)
	if err != nil {
		s.logger.Warn("zombie recovery failed", "pid", pid, "error", err)
		s.journal.Record(ctx, journal.Event{Kind: journal.KindZombieRecovery, PID: pid, Error: err.Error()})
		return false
	}
	s.logger.Info("zombie cleared", "pid", pid)
	s.journal.Record(ctx, journal.Event{Kind: journal.KindZombieRecovery, PID: pid})
	return true
}

// Recover takes control of a gateway left running by a previous supervisor,
// using the persisted pid. A recorded pid that is gone or reused is cleared.
// It reports whether a process is held afterwards.
func (s *Supervisor) Recover(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Holding() {
		return true
	}
	d, err := s.desired.Load()
	if err != nil {
		s.logger.Warn("failed to load desired state", "error", err)
	}
	if d.PID == nil {
		return false
	}
	pid := *d.PID

	switch s.insp.Lookup(pid) {
	case proctable.Alive:
		name := s.insp.CommandName(pid)
		if !proctable.MatchName(name, s.expectedNames()) {
			s.logger.Warn("pid reuse detected, skipping adoption", "pid", pid, "command", name)
			if err := s.desired.ClearPID(pid); err != nil {
				s.logger.Warn("failed to clear persisted pid", "error", err)
			}
			return false
		}
		ready := s.prober.Probe(ctx, s.target.Host, s.target.Port)
		s.adopt(ctx, driver.Adopt(pid, s.insp, s.poll, nil), ready, "recorded pid")
		return true

	case proctable.Zombie:
		s.neutralize(ctx, pid)
		return false

	default:
		if err := s.desired.ClearPID(pid); err != nil {
			s.logger.Warn("failed to clear persisted pid", "error", err)
		}
		return false
	}
}

// AdoptListener adopts whatever already accepts connections on the target as
// the running gateway, without spawning. A process we killed that has not yet
// left the table is waited out instead of being adopted.
func (s *Supervisor) AdoptListener(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Holding() {
		return true
	}
	if !s.prober.Probe(ctx, s.target.Host, s.target.Port) {
		return false
	}

	pid, _ := s.insp.ListenerPID(ctx, s.target.Port)
	if lingering := s.lingering(pid); len(lingering) > 0 {
		for _, kp := range lingering {
			s.logger.Info("waiting out previously killed gateway", "pid", kp)
			driver.TerminatePID(ctx, kp, s.insp, s.signaler, lingerWait)
		}
		if !s.prober.Probe(ctx, s.target.Host, s.target.Port) {
			return false
		}
		pid, _ = s.insp.ListenerPID(ctx, s.target.Port)
	}

	probe := func() bool { return s.prober.Probe(s.lifeCtx, s.target.Host, s.target.Port) }
	s.adopt(ctx, driver.Adopt(pid, s.insp, s.poll, probe), true, "listener")
	if pid > 0 {
		if err := s.desired.SetPID(pid); err != nil {
			s.logger.Warn("failed to persist pid", "pid", pid, "error", err)
		}
	}
	return true
}

// lingering returns killed pids that are still in the process table and could
// explain a listener on the target. Gone pids are forgotten.
func (s *Supervisor) lingering(listener int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int
	for pid := range s.killed {
		if s.insp.Lookup(pid) == proctable.NotFound {
			delete(s.killed, pid)
			continue
		}
		if listener <= 0 || listener == pid {
			out = append(out, pid)
		}
	}
	return out
}

// adopt installs h as the held process. Ready handles go straight to running.
func (s *Supervisor) adopt(ctx context.Context, h driver.Handle, ready bool, source string) {
	held := newHeld(h)
	pid := h.PID()
	startedAt := h.StartedAt().UTC()

	s.mu.Lock()
	s.restartGen++
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	_ = s.transitionLocked(StateStarting, func(st *LiveStatus) {
		st.PID = nil
		if pid > 0 {
			st.PID = ptr(pid)
		}
		st.StartedAt = &startedAt
		st.ReadyAt = nil
		st.LastError = nil
		st.Adopted = true
	})
	s.held = held
	s.mu.Unlock()

	s.logger.Info("adopted running gateway", "pid", pid, "source", source, "ready", ready)
	s.journal.Record(ctx, journal.Event{Kind: journal.KindAdopt, PID: pid, Detail: source})

	go s.observe(held)
	if ready {
		s.markReady(held)
		close(held.readyDone)
		return
	}
	go s.awaitReady(held)
}

// HealStarting forces a held process stuck in starting past ready_timeout to
// running when the target is reachable. It reports whether it did.
func (s *Supervisor) HealStarting(ctx context.Context) bool {
	s.mu.Lock()
	held := s.held
	st := s.status.Snapshot()
	s.mu.Unlock()

	if held == nil || st.State != StateStarting || st.StartedAt == nil {
		return false
	}
	if time.Since(*st.StartedAt) < s.cfg.Supervisor.ReadyTimeout.Duration {
		return false
	}
	if !s.prober.Probe(ctx, s.target.Host, s.target.Port) {
		return false
	}
	if !s.markReady(held) {
		return false
	}
	s.logger.Info("status healed to running", "pid", held.h.PID())
	return true
}

// recoverLock clears the process that holds the gateway's exclusive lock and
// our own failed attempt, so a fresh start can acquire it. A pid of 0 means
// the holder could not be identified and only the stop command is tried.
// It does nothing and returns false when a stop was requested after gen.
func (s *Supervisor) recoverLock(ctx context.Context, lockPID int, own *heldProc, gen uint64) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.stoppedSince(gen) {
		return false
	}

	metrics.IncLockRecovery()
	s.logger.Warn("recovering from lock contention", "lock_pid", lockPID)
	s.cancelRestart()

	// A backoff restart may have replaced the failed attempt already.
	s.mu.Lock()
	if s.held != nil {
		own = s.held
	}
	terminateOwn := own != nil && s.held == own && !own.ready
	if terminateOwn {
		own.planned = true
	}
	s.mu.Unlock()

	if terminateOwn {
		driver.Terminate(ctx, own.h, s.signaler, s.cfg.Supervisor.ShutdownTimeout.Duration)
		waitClosed(own.observed, observeWait)
		s.rememberKilled(own.h.PID())
	}

	switch {
	case lockPID > 0 && (own == nil || lockPID != own.h.PID()):
		s.neutralize(ctx, lockPID)
	case lockPID <= 0:
		s.runStopCommand(ctx)
	}

	if err := s.desired.ClearPID(0); err != nil {
		s.logger.Warn("failed to clear persisted pid", "error", err)
	}
	s.journal.Record(ctx, journal.Event{Kind: journal.KindLockRecovery, PID: lockPID})
	return true
}
