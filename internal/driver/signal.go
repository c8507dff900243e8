package driver

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/warden/internal/proctable"
)

// killGrace bounds the wait for a process to disappear after SIGKILL.
const killGrace = 2 * time.Second

// pidPoll is the polling interval while waiting for a pid we cannot wait() on.
const pidPoll = 50 * time.Millisecond

// Signaler delivers signals. A negative pid addresses a process group.
type Signaler interface {
	Kill(pid int, sig unix.Signal) error
}

// UnixSignaler signals real processes.
type UnixSignaler struct{}

func (UnixSignaler) Kill(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Terminate sends SIGTERM to the held process, waits up to timeout for it to
// exit, then escalates to SIGKILL. Owned group leaders are signaled as a group
// so their subprocesses go too. It reports whether the exit was observed. A
// handle without a pid gets no signal and no wait.
func Terminate(ctx context.Context, h Handle, s Signaler, timeout time.Duration) bool {
	target := h.PID()
	if h.Kind() == KindOwned && h.GroupLeader() {
		target = -target
	}

	// An adopted listener with no attributed pid cannot be signaled, so
	// there is nothing to wait for.
	if target == 0 {
		select {
		case <-h.Done():
			return true
		default:
			return false
		}
	}

	if err := s.Kill(target, unix.SIGTERM); errors.Is(err, unix.ESRCH) && target < 0 {
		// Group already empty; the leader may still be exiting.
		_ = s.Kill(-target, unix.SIGTERM)
	}

	select {
	case <-h.Done():
		return true
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	_ = s.Kill(target, unix.SIGKILL)

	select {
	case <-h.Done():
		return true
	case <-time.After(killGrace):
		return false
	}
}

// TerminatePID is Terminate for a pid we hold no handle for, such as one
// recorded by a previous supervisor instance. A pid that is already gone is
// never signaled, and neither is a zombie: it returns the final observed state
// and the caller handles Zombie separately.
func TerminatePID(ctx context.Context, pid int, insp proctable.Inspector, s Signaler, timeout time.Duration) proctable.State {
	state := insp.Lookup(pid)
	if state != proctable.Alive {
		return state
	}

	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}

	_ = s.Kill(target, unix.SIGTERM)
	if state = waitGone(ctx, pid, insp, timeout); state != proctable.Alive {
		return state
	}

	_ = s.Kill(target, unix.SIGKILL)
	return waitGone(context.Background(), pid, insp, killGrace)
}

// waitGone polls until pid is no longer alive, timeout elapses or ctx is done.
func waitGone(ctx context.Context, pid int, insp proctable.Inspector, timeout time.Duration) proctable.State {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pidPoll)
	defer ticker.Stop()

	for {
		if state := insp.Lookup(pid); state != proctable.Alive {
			return state
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return insp.Lookup(pid)
		case <-ctx.Done():
			return insp.Lookup(pid)
		}
	}
}
