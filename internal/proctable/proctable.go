// Package proctable reads process metadata from the OS process table.
//
// All lookups are best-effort: a failure to introspect degrades to
// NotFound / "unknown" instead of returning an error to the caller.
package proctable

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// State is the observed condition of a pid.
type State int

const (
	NotFound State = iota
	// Zombie is present for existence checks but cannot be signaled or waited on.
	Zombie
	Alive
)

func (s State) String() string {
	switch s {
	case Zombie:
		return "zombie"
	case Alive:
		return "alive"
	default:
		return "not-found"
	}
}

// Unknown is returned by CommandName when the name cannot be resolved.
const Unknown = "unknown"

// Inspector answers questions about processes by pid.
type Inspector interface {
	Lookup(pid int) State
	ParentPID(pid int) (int, bool)
	CommandName(pid int) string
	ListenerPID(ctx context.Context, port int) (int, bool)
}

// OS inspects the real process table.
type OS struct{}

// New returns an Inspector backed by the host OS.
func New() *OS { return &OS{} }

func (OS) Lookup(pid int) State {
	if pid <= 0 {
		return NotFound
	}
	// EPERM means the pid exists under another user.
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return NotFound
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return NotFound
		}
		return Alive
	}
	status, err := p.Status()
	if err == nil && slices.Contains(status, process.Zombie) {
		return Zombie
	}
	return Alive
}

func (OS) ParentPID(pid int) (int, bool) {
	if pid <= 0 {
		return 0, false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, false
	}
	ppid, err := p.Ppid()
	if err != nil || ppid <= 0 {
		return 0, false
	}
	return int(ppid), true
}

func (OS) CommandName(pid int) string {
	if pid <= 0 {
		return Unknown
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Unknown
	}
	name, err := p.Name()
	if err != nil || name == "" {
		return Unknown
	}
	return name
}

// ListenerPID returns the pid holding a TCP LISTEN socket on port, if one
// can be attributed. Sockets owned by other users are usually invisible.
func (OS) ListenerPID(ctx context.Context, port int) (int, bool) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, false
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			return int(c.Pid), true
		}
	}
	return 0, false
}

// commLen is the Linux limit on the kernel-visible command name.
const commLen = 15

// MatchName reports whether a process-table name refers to one of the wanted
// commands. Paths are reduced to their base name and names truncated by the
// kernel match on prefix.
func MatchName(name string, wanted []string) bool {
	if name == "" || name == Unknown {
		return false
	}
	name = filepath.Base(name)
	for _, w := range wanted {
		w = filepath.Base(w)
		if w == "" {
			continue
		}
		if name == w {
			return true
		}
		if len(name) == commLen && strings.HasPrefix(w, name) {
			return true
		}
	}
	return false
}
