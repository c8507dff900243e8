package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/benaskins/warden/internal/lockcheck"
)

// lockRetries is how many times EnsureRunning retries after lock recovery.
const lockRetries = 1

// EnsureRunning brings the gateway to running unless the operator asked for
// it to stay stopped. An external listener on the target is adopted rather
// than competed with. If the spawned process never becomes ready and its
// output shows a stale instance holding the gateway's lock, that instance is
// cleared and the start retried once. Exhaustion returns ErrNotReady.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	if s.Holding() && s.Status().State == StateRunning {
		return nil
	}

	// Taken before desired is read: a Stop from here on wins over this call.
	gen := s.stopCount()
	if s.stoppedSince(gen) {
		s.logger.Info("desired state is stopped, not starting gateway")
		return nil
	}
	if s.cfg.Gateway.Token == "" {
		return ErrMissingToken
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if !s.Holding() && s.AdoptListener(ctx) {
			return nil
		}

		held, err := s.startAndWait(ctx, gen)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrMissingToken) || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, errStopRequested) || s.stoppedSince(gen) {
			s.logger.Info("gateway stopped while starting, not retrying")
			return nil
		}
		lastErr = err

		if attempt >= lockRetries {
			break
		}
		output := s.output.String()
		if held != nil {
			output = held.h.Output()
		}
		res := lockcheck.Classify(output)
		if res.Kind != lockcheck.LockContention {
			break
		}
		s.logger.Warn("gateway start blocked by lock", "lock_pid", res.PID)
		if !s.recoverLock(ctx, res.PID, held, gen) {
			s.logger.Info("gateway stopped while starting, not retrying")
			return nil
		}
	}
	return fmt.Errorf("%w: %w", ErrNotReady, lastErr)
}

// startAndWait starts the gateway and blocks until the readiness watcher for
// the resulting process decides. The returned handle is the attempt waited on.
func (s *Supervisor) startAndWait(ctx context.Context, gen uint64) (*heldProc, error) {
	if err := s.startUnlessStopped(ctx, gen); err != nil {
		return nil, err
	}

	s.mu.Lock()
	held := s.held
	s.mu.Unlock()
	if held == nil {
		return nil, errors.New("gateway exited during start")
	}

	select {
	case <-held.readyDone:
	case <-ctx.Done():
		return held, ctx.Err()
	}

	s.mu.Lock()
	ready := held.ready && s.held == held
	s.mu.Unlock()
	if ready {
		return held, nil
	}
	if held.exited() {
		exit := held.h.Exit()
		return held, fmt.Errorf("gateway exited before becoming ready (code %d%s)", exit.Code, signalSuffix(exit.Signal))
	}
	return held, fmt.Errorf("gateway not accepting connections on %s after %s", s.addr(), s.cfg.Supervisor.ReadyTimeout.Duration)
}

func signalSuffix(sig string) string {
	if sig == "" {
		return ""
	}
	return ", signal " + sig
}
