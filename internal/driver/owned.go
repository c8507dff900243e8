package driver

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/warden/internal/logbuf"
)

// outputLines is how much output each owned process keeps for failure classification.
const outputLines = 200

// Owned is a process spawned by this instance in its own process group.
type Owned struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	out       *logbuf.Ring

	mu   sync.Mutex
	exit Exit
	done chan struct{}
}

// startOwned starts command in a new process group. Output goes to the
// handle's own ring and to sink, when set. The process is not tied to any
// request context: it outlives the call that spawned it.
func startOwned(command string, args, env []string, dir string, sink io.Writer) (*Owned, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = env
	if dir != "" {
		cmd.Dir = dir
	}

	out := logbuf.New(outputLines)
	var w io.Writer = out
	if sink != nil {
		w = io.MultiWriter(out, sink)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	// Own process group so the whole tree can be signaled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	o := &Owned{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		out:       out,
		done:      make(chan struct{}),
	}
	go o.wait()
	return o, nil
}

func (o *Owned) wait() {
	err := o.cmd.Wait()

	exit := Exit{Code: 0, At: time.Now()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exit.Code = exitErr.ExitCode()
	} else if err != nil {
		exit.Code = -1
	}
	if ps := o.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Code = -1
			exit.Signal = unix.SignalName(ws.Signal())
		}
	}

	o.mu.Lock()
	o.exit = exit
	o.mu.Unlock()
	close(o.done)
}

func (o *Owned) PID() int              { return o.pid }
func (o *Owned) Kind() Kind            { return KindOwned }
func (o *Owned) GroupLeader() bool     { return true }
func (o *Owned) StartedAt() time.Time  { return o.startedAt }
func (o *Owned) Done() <-chan struct{} { return o.done }
func (o *Owned) Output() string        { return o.out.String() }

// Release is a no-op: the wait goroutine must keep running to reap the child.
func (o *Owned) Release() {}

func (o *Owned) Exit() Exit {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exit
}
