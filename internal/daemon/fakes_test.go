package daemon

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/driver"
	"github.com/benaskins/warden/internal/logbuf"
	"github.com/benaskins/warden/internal/proctable"
)

// Fake pids are well above anything the tests spawn for real.
const fakePIDBase = 3_900_000

type fakeHandle struct {
	pid     int
	started time.Time
	output  string

	mu   sync.Mutex
	exit driver.Exit
	done chan struct{}
	once sync.Once

	onFinish func(*fakeHandle)
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Kind() driver.Kind     { return driver.KindOwned }
func (h *fakeHandle) GroupLeader() bool     { return true }
func (h *fakeHandle) StartedAt() time.Time  { return h.started }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Output() string        { return h.output }
func (h *fakeHandle) Release()              {}

func (h *fakeHandle) Exit() driver.Exit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// finish makes the process exit with code, or with sig when it is set.
func (h *fakeHandle) finish(code int, sig string) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exit = driver.Exit{Code: code, Signal: sig, At: time.Now()}
		h.mu.Unlock()
		if h.onFinish != nil {
			h.onFinish(h)
		}
		close(h.done)
	})
}

// fakeLauncher hands out fake processes registered in a MemoryTable. A
// launched process makes the prober reachable unless listen is false.
type fakeLauncher struct {
	table  *proctable.MemoryTable
	prober *fakeProber
	sink   io.Writer

	mu       sync.Mutex
	handles  []*fakeHandle
	listen   bool
	err      error
	onLaunch func(n int, h *fakeHandle)
}

func (l *fakeLauncher) Launch(_ context.Context, spec driver.Spec) (driver.Handle, error) {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	n := len(l.handles)
	h := &fakeHandle{
		pid:     fakePIDBase + n + 1,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	h.onFinish = func(h *fakeHandle) {
		l.table.Remove(h.pid)
		l.prober.reachable.Store(false)
	}
	l.handles = append(l.handles, h)
	listen := l.listen
	hook := l.onLaunch
	l.mu.Unlock()

	l.table.Set(h.pid, proctable.Entry{State: proctable.Alive, PPID: 1, Name: spec.Command})
	if hook != nil {
		hook(n, h)
	}
	if h.output != "" && l.sink != nil {
		fmt.Fprintln(l.sink, h.output)
	}
	if listen {
		l.prober.reachable.Store(true)
	}
	return h, nil
}

func (l *fakeLauncher) spawns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

func (l *fakeLauncher) byPID(pid int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		if h.pid == pid {
			return h
		}
	}
	return nil
}

type fakeProber struct {
	reachable atomic.Bool
}

func (p *fakeProber) Probe(context.Context, string, int) bool {
	return p.reachable.Load()
}

func (p *fakeProber) WaitReady(ctx context.Context, _ string, _ int, total time.Duration) bool {
	deadline := time.After(total)
	for {
		if p.reachable.Load() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// afterRecorder captures scheduled restarts instead of running them.
type afterRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (a *afterRecorder) AfterFunc(d time.Duration, f func()) Timer {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delays = append(a.delays, d)
	a.fns = append(a.fns, f)
	return &fakeTimer{}
}

func (a *afterRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.delays)
}

func (a *afterRecorder) scheduled() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Duration(nil), a.delays...)
}

// fire runs the i-th scheduled restart on the calling goroutine.
func (a *afterRecorder) fire(i int) {
	a.mu.Lock()
	f := a.fns[i]
	a.mu.Unlock()
	f()
}

type fixture struct {
	cfg       *config.Config
	sup       *Supervisor
	launcher  *fakeLauncher
	table     *proctable.MemoryTable
	sig       *driver.RecordingSignaler
	prober    *fakeProber
	after     *afterRecorder
	output    *logbuf.Ring
	stopCalls atomic.Int32
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Command = "gateway"
	cfg.Gateway.Token = "test-token"
	cfg.Gateway.Port = 18789
	cfg.Supervisor.StateDir = t.TempDir()
	cfg.Supervisor.ShutdownTimeout.Duration = 200 * time.Millisecond
	cfg.Supervisor.ReadyTimeout.Duration = 2 * time.Second
	cfg.Supervisor.ZombieTimeout.Duration = 500 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	f := &fixture{
		cfg:    cfg,
		table:  proctable.NewMemoryTable(),
		prober: &fakeProber{},
		after:  &afterRecorder{},
		output: logbuf.New(100),
	}
	f.launcher = &fakeLauncher{table: f.table, prober: f.prober, sink: f.output, listen: true}
	f.sig = &driver.RecordingSignaler{OnKill: func(pid int, sig unix.Signal) {
		if pid < 0 {
			pid = -pid
		}
		if h := f.launcher.byPID(pid); h != nil {
			h.finish(-1, unix.SignalName(sig))
			return
		}
		f.table.Remove(pid)
	}}

	f.sup = New(cfg,
		WithLauncher(f.launcher),
		WithInspector(f.table),
		WithSignaler(f.sig),
		WithProber(f.prober),
		WithOutput(f.output),
		WithAfterFunc(f.after.AfterFunc),
		WithAdoptPoll(10*time.Millisecond),
		WithStopCommand(func(context.Context, []string, []string, time.Duration) error {
			f.stopCalls.Add(1)
			return nil
		}),
	)
	t.Cleanup(f.sup.Close)
	return f
}

func (f *fixture) waitState(t *testing.T, want State) LiveStatus {
	t.Helper()
	var st LiveStatus
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st = f.sup.Status()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", st.State, want)
	return st
}
