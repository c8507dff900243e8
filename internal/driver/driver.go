// Package driver spawns, adopts and terminates the managed process.
package driver

import (
	"time"
)

// Kind tags how a handle came to be held.
type Kind int

const (
	// KindOwned is a child this instance spawned and can wait on.
	KindOwned Kind = iota
	// KindAdopted is a weak reference by pid to a process we are not the parent of.
	KindAdopted
)

func (k Kind) String() string {
	if k == KindAdopted {
		return "adopted"
	}
	return "owned"
}

// Exit describes how a process terminated. Code is -1 when the process was
// killed by a signal or the status could not be observed (adopted processes).
type Exit struct {
	Code   int
	Signal string
	At     time.Time
}

// Handle is a held managed process.
//
// Owned(pid, isGroupLeader) | Adopted(pid): termination branches on Kind.
type Handle interface {
	PID() int
	Kind() Kind
	// GroupLeader reports whether the process leads its own process group,
	// so signals can be sent to the whole group.
	GroupLeader() bool
	StartedAt() time.Time
	// Done is closed once the process is observed to have exited.
	Done() <-chan struct{}
	// Exit is only meaningful after Done is closed.
	Exit() Exit
	// Output returns recent output captured from the process, if any.
	Output() string
	// Release stops any background observation without signaling the process.
	Release()
}
