package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/warden/internal/proctable"
)

// ErrZombieNotCleared means a zombie pid is still in the process table after recovery.
var ErrZombieNotCleared = errors.New("could not clear zombie")

// ReapZombie clears a zombie pid by terminating its parent, which makes the
// OS reap the entry. The zombie itself is never signaled. The parent is only
// signaled when its command name is in allow and it is neither init nor us.
func ReapZombie(ctx context.Context, pid int, insp proctable.Inspector, s Signaler, allow []string, timeout time.Duration) error {
	ppid, ok := insp.ParentPID(pid)
	if !ok {
		return fmt.Errorf("%w: pid %d: parent unknown", ErrZombieNotCleared, pid)
	}
	if ppid <= 1 || ppid == os.Getpid() {
		return fmt.Errorf("%w: pid %d: parent %d must not be signaled", ErrZombieNotCleared, pid, ppid)
	}
	name := insp.CommandName(ppid)
	if !proctable.MatchName(name, allow) {
		return fmt.Errorf("%w: pid %d: parent %d (%s) is not a recognized gateway process", ErrZombieNotCleared, pid, ppid, name)
	}

	if err := s.Kill(ppid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signaling parent %d of zombie %d: %w", ppid, pid, err)
	}

	if state := waitNotFound(ctx, pid, insp, timeout); state != proctable.NotFound {
		return fmt.Errorf("%w: pid %d still %s after %s", ErrZombieNotCleared, pid, state, timeout)
	}
	return nil
}

func waitNotFound(ctx context.Context, pid int, insp proctable.Inspector, timeout time.Duration) proctable.State {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pidPoll)
	defer ticker.Stop()

	for {
		state := insp.Lookup(pid)
		if state == proctable.NotFound {
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
