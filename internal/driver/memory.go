package driver

import (
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

// Signal is one delivery recorded by a RecordingSignaler.
type Signal struct {
	PID int
	Sig unix.Signal
}

// RecordingSignaler records signals for testing. Signals are delivered
// through Next when it is set; otherwise OnKill can simulate their effect.
type RecordingSignaler struct {
	Next   Signaler
	OnKill func(pid int, sig unix.Signal)

	mu   sync.Mutex
	sent []Signal
}

func (r *RecordingSignaler) Kill(pid int, sig unix.Signal) error {
	r.mu.Lock()
	r.sent = append(r.sent, Signal{PID: pid, Sig: sig})
	hook := r.OnKill
	r.mu.Unlock()
	if hook != nil {
		hook(pid, sig)
	}
	if r.Next != nil {
		return r.Next.Kill(pid, sig)
	}
	return nil
}

// Sent returns a copy of every recorded signal in order.
func (r *RecordingSignaler) Sent() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

// SentTo reports whether any signal was addressed to pid or its group.
func (r *RecordingSignaler) SentTo(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sent {
		if s.PID == pid || s.PID == -pid {
			return true
		}
	}
	return false
}
