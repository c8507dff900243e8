package driver

import (
	"sync"
	"time"

	"github.com/benaskins/warden/internal/proctable"
)

// DefaultAdoptPoll is how often an adopted process is checked for exit.
const DefaultAdoptPoll = 500 * time.Millisecond

// Adopted watches a process we did not spawn. We are not its parent, so
// exit is detected by polling the process table instead of wait().
type Adopted struct {
	pid       int
	startedAt time.Time
	insp      proctable.Inspector

	mu     sync.Mutex
	exit   Exit
	done   chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

// Adopt starts watching pid. A pid of 0 is accepted for a listener whose
// owner could not be attributed: it is considered gone once probe reports false.
func Adopt(pid int, insp proctable.Inspector, poll time.Duration, probe func() bool) *Adopted {
	if poll <= 0 {
		poll = DefaultAdoptPoll
	}
	a := &Adopted{
		pid:       pid,
		startedAt: time.Now(),
		insp:      insp,
		done:      make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	go a.monitor(poll, probe)
	return a
}

func (a *Adopted) monitor(poll time.Duration, probe func() bool) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.gone(probe) {
				a.markExited()
				return
			}
		case <-a.stopCh:
			return
		}
	}
}

func (a *Adopted) gone(probe func() bool) bool {
	if a.pid > 0 {
		// A zombie has exited; only its parent can collect the status.
		return a.insp.Lookup(a.pid) != proctable.Alive
	}
	return probe != nil && !probe()
}

func (a *Adopted) markExited() {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		return
	default:
	}
	a.exit = Exit{Code: -1, At: time.Now()}
	close(a.done)
}

func (a *Adopted) PID() int              { return a.pid }
func (a *Adopted) Kind() Kind            { return KindAdopted }
func (a *Adopted) GroupLeader() bool     { return false }
func (a *Adopted) StartedAt() time.Time  { return a.startedAt }
func (a *Adopted) Done() <-chan struct{} { return a.done }
func (a *Adopted) Output() string        { return "" }

// Release stops polling. The process is left untouched.
func (a *Adopted) Release() {
	a.once.Do(func() { close(a.stopCh) })
}

func (a *Adopted) Exit() Exit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exit
}
