package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/driver"
	"github.com/benaskins/warden/internal/health"
	"github.com/benaskins/warden/internal/journal"
	"github.com/benaskins/warden/internal/logbuf"
	"github.com/benaskins/warden/internal/metrics"
	"github.com/benaskins/warden/internal/proctable"
)

var (
	// ErrMissingToken means no gateway token is configured. It is never retried.
	ErrMissingToken = errors.New("gateway token is not configured")

	// ErrNotReady means the gateway did not accept connections after lock recovery.
	ErrNotReady = errors.New("gateway did not become ready")

	// ErrIllegalTransition is returned when a lifecycle change would break the state machine.
	ErrIllegalTransition = errors.New("illegal state transition")

	errStopRequested = errors.New("stop requested")
)

// observeWait bounds how long Stop waits for the exit observer after termination.
const observeWait = time.Second

// legal lists the allowed lifecycle transitions.
var legal = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateStopped},
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped},
}

// Prober checks whether the gateway accepts connections.
type Prober interface {
	Probe(ctx context.Context, host string, port int) bool
	WaitReady(ctx context.Context, host string, port int, total time.Duration) bool
}

// Timer is a pending restart.
type Timer interface {
	Stop() bool
}

// StopCommandFunc runs the gateway's own graceful-stop invocation.
type StopCommandFunc func(ctx context.Context, argv, env []string, timeout time.Duration) error

// heldProc is the handle this instance considers authoritative, plus the
// bookkeeping the exit observer and readiness watcher share.
type heldProc struct {
	h         driver.Handle
	planned   bool          // exit was requested by us
	ready     bool          // readiness confirmed
	readyDone chan struct{} // closed once readiness is decided
	observed  chan struct{} // closed once the exit observer has run
}

func newHeld(h driver.Handle) *heldProc {
	return &heldProc{
		h:         h,
		readyDone: make(chan struct{}),
		observed:  make(chan struct{}),
	}
}

func (p *heldProc) exited() bool {
	select {
	case <-p.h.Done():
		return true
	default:
		return false
	}
}

// Supervisor owns the lifecycle of the gateway process.
type Supervisor struct {
	cfg      *config.Config
	target   Target
	desired  *DesiredStore
	status   *statusPublisher
	launcher driver.Launcher
	insp     proctable.Inspector
	signaler driver.Signaler
	prober   Prober
	journal  *journal.Journal
	output   *logbuf.Ring
	stopCmd  StopCommandFunc
	after    func(time.Duration, func()) Timer
	poll     time.Duration
	logger   *slog.Logger

	sf   singleflight.Group
	opMu sync.Mutex // serializes process work: start, stop, recovery

	mu         sync.Mutex
	held       *heldProc
	restart    Timer
	restartGen uint64
	stops      uint64 // bumped by every Stop
	killed     map[int]struct{}
	monitor    *health.Monitor
	closed     bool

	lifeCtx context.Context
	cancel  context.CancelFunc
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the process launcher.
func WithLauncher(l driver.Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithInspector replaces the process table inspector.
func WithInspector(i proctable.Inspector) Option {
	return func(s *Supervisor) { s.insp = i }
}

// WithSignaler replaces the signal delivery mechanism.
func WithSignaler(sig driver.Signaler) Option {
	return func(s *Supervisor) { s.signaler = sig }
}

// WithProber replaces the readiness prober.
func WithProber(p Prober) Option {
	return func(s *Supervisor) { s.prober = p }
}

// WithJournal records lifecycle events to j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Supervisor) { s.journal = j }
}

// WithOutput sets the ring that collects gateway output.
func WithOutput(r *logbuf.Ring) Option {
	return func(s *Supervisor) { s.output = r }
}

// WithStopCommand replaces how the gateway's stop command is run.
func WithStopCommand(fn StopCommandFunc) Option {
	return func(s *Supervisor) { s.stopCmd = fn }
}

// WithAfterFunc replaces the restart scheduler.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(s *Supervisor) { s.after = fn }
}

// WithAdoptPoll sets how often adopted processes are checked for exit.
func WithAdoptPoll(d time.Duration) Option {
	return func(s *Supervisor) { s.poll = d }
}

// New creates a supervisor for the gateway described by cfg. The in-memory
// status starts as stopped; nothing is spawned until Start, EnsureRunning or
// the reconciler asks for it.
func New(cfg *config.Config, opts ...Option) *Supervisor {
	target := Target{Host: cfg.Gateway.Host, Port: cfg.Gateway.Port}
	logger := slog.With("component", "supervisor")

	s := &Supervisor{
		cfg:      cfg,
		target:   target,
		desired:  NewDesiredStore(cfg.Supervisor.StateDir),
		insp:     proctable.New(),
		signaler: driver.UnixSignaler{},
		prober:   health.NewProber(cfg.Supervisor.ProbeTimeout.Duration, cfg.Supervisor.ProbeInterval.Duration),
		stopCmd:  driver.RunStopCommand,
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		poll:   driver.DefaultAdoptPoll,
		killed: make(map[int]struct{}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.output == nil {
		s.output = logbuf.New(cfg.Log.BufLines)
	}
	if s.launcher == nil {
		s.launcher = &driver.ExecLauncher{Sink: s.output, Logger: logger}
	}
	s.status = newStatusPublisher(NewStatusStore(cfg.Supervisor.StateDir), target, logger)
	s.lifeCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Desired returns the persisted desired-state store.
func (s *Supervisor) Desired() *DesiredStore { return s.desired }

// Target returns the address the gateway serves on.
func (s *Supervisor) Target() Target { return s.target }

func (s *Supervisor) addr() string {
	return net.JoinHostPort(s.target.Host, strconv.Itoa(s.target.Port))
}

// Status returns a point-in-time copy of the live status. It never blocks on I/O.
func (s *Supervisor) Status() LiveStatus {
	st := s.status.Snapshot()
	s.mu.Lock()
	m := s.monitor
	s.mu.Unlock()
	if m != nil {
		st.Health = string(m.CurrentStatus())
	}
	return st
}

// Holding reports whether a process handle is currently held.
func (s *Supervisor) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held != nil
}

// RestartPending reports whether a backoff restart is scheduled.
func (s *Supervisor) RestartPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart != nil
}

// Logs returns up to n recent lines of gateway output, or all when n < 0.
func (s *Supervisor) Logs(n int) []string {
	return s.output.Last(n)
}

// Events returns recent journal events.
func (s *Supervisor) Events(ctx context.Context, n int) ([]journal.Event, error) {
	return s.journal.Recent(ctx, n)
}

// Start makes sure a gateway process is spawned. It returns once the process
// is launched; readiness is confirmed in the background. Concurrent calls
// share one attempt, and a call made while a stop is in flight waits for it.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Gateway.Token == "" {
		return ErrMissingToken
	}
	_, err, _ := s.sf.Do("start", func() (any, error) {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		return nil, s.startLocked(context.WithoutCancel(ctx))
	})
	return err
}

// stopCount returns how many stops have begun.
func (s *Supervisor) stopCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// stoppedSince reports whether the operator asked for the gateway to stay
// down after gen was taken, by Stop or by writing desired.json.
func (s *Supervisor) stoppedSince(gen uint64) bool {
	if s.stopCount() != gen {
		return true
	}
	d, err := s.desired.Load()
	if err != nil {
		s.logger.Warn("failed to load desired state", "error", err)
	}
	return d.Desired == DesiredStopped
}

// startUnlessStopped is Start for callers acting on their own initiative. It
// fails with errStopRequested instead of overriding a stop issued after gen.
func (s *Supervisor) startUnlessStopped(ctx context.Context, gen uint64) error {
	if s.cfg.Gateway.Token == "" {
		return ErrMissingToken
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.stoppedSince(gen) {
		return errStopRequested
	}
	return s.startLocked(context.WithoutCancel(ctx))
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if err := s.desired.SetDesired(DesiredRunning); err != nil {
		s.logger.Warn("failed to persist desired state", "error", err)
	}

	s.mu.Lock()
	held := s.held
	s.mu.Unlock()
	if held != nil {
		if !held.exited() {
			return nil
		}
		// Exited but not yet observed; let the observer settle the status first.
		waitClosed(held.observed, observeWait)
	}

	s.cancelRestart()

	d, err := s.desired.Load()
	if err != nil {
		s.logger.Warn("failed to load desired state", "error", err)
	}
	if d.PID != nil {
		s.neutralize(ctx, *d.PID)
	}
	return s.spawn(ctx)
}

func (s *Supervisor) spawn(ctx context.Context) error {
	env, err := s.cfg.GatewayEnv()
	if err != nil {
		return fmt.Errorf("building gateway environment: %w", err)
	}

	s.mu.Lock()
	err = s.transitionLocked(StateStarting, func(st *LiveStatus) {
		st.PID = nil
		st.StartedAt = nil
		st.ReadyAt = nil
		st.LastError = nil
		st.Adopted = false
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	h, err := s.launcher.Launch(ctx, driver.Spec{
		Command:  s.cfg.Gateway.Command,
		Fallback: s.cfg.Gateway.Fallback,
		Args:     s.cfg.LaunchArgs(),
		Env:      env,
		Dir:      s.cfg.Gateway.WorkDir,
	})
	if err != nil {
		msg := err.Error()
		s.mu.Lock()
		_ = s.transitionLocked(StateStopped, func(st *LiveStatus) { st.LastError = &msg })
		s.mu.Unlock()
		s.journal.Record(ctx, journal.Event{Kind: journal.KindStart, Error: msg})
		return fmt.Errorf("launching gateway: %w", err)
	}

	pid := h.PID()
	// Persisted before readiness so a restarted supervisor finds this exact pid.
	if err := s.desired.SetPID(pid); err != nil {
		s.logger.Warn("failed to persist pid", "pid", pid, "error", err)
	}

	held := newHeld(h)
	startedAt := h.StartedAt().UTC()
	s.mu.Lock()
	s.held = held
	_ = s.status.Update(func(st *LiveStatus) error {
		st.PID = ptr(pid)
		st.StartedAt = &startedAt
		return nil
	})
	s.mu.Unlock()

	s.logger.Info("gateway started", "pid", pid, "target", s.addr())
	s.journal.Record(ctx, journal.Event{Kind: journal.KindStart, PID: pid})
	metrics.IncStart()

	go s.observe(held)
	go s.awaitReady(held)
	return nil
}

// Stop brings the gateway down and records desired=stopped. Concurrent
// callers share one in-flight stop. Stopping an already stopped supervisor
// with no recorded pid sends no signals.
func (s *Supervisor) Stop(ctx context.Context) error {
	_, err, _ := s.sf.Do("stop", func() (any, error) {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		return nil, s.stopLocked(context.WithoutCancel(ctx))
	})
	return err
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()

	if err := s.desired.SetDesired(DesiredStopped); err != nil {
		s.logger.Warn("failed to persist desired state", "error", err)
	}
	s.cancelRestart()

	d, err := s.desired.Load()
	if err != nil {
		s.logger.Warn("failed to load desired state", "error", err)
	}

	s.mu.Lock()
	held := s.held
	if held == nil && s.status.Snapshot().State == StateStopped {
		s.mu.Unlock()
		if d.PID != nil {
			s.neutralize(ctx, *d.PID)
		}
		return nil
	}
	if held != nil {
		held.planned = true
	}
	if err := s.transitionLocked(StateStopping, func(st *LiveStatus) { st.ReadyAt = nil }); err != nil {
		s.logger.Warn("stop from unexpected state", "error", err)
	}
	m := s.detachMonitorLocked()
	s.mu.Unlock()
	stopMonitor(m)

	s.logger.Info("stopping gateway", "pid", pidOf(d.PID))
	s.runStopCommand(ctx)

	if held != nil {
		if driver.Terminate(ctx, held.h, s.signaler, s.cfg.Supervisor.ShutdownTimeout.Duration) {
			waitClosed(held.observed, observeWait)
		} else {
			s.logger.Warn("gateway exit not confirmed", "pid", held.h.PID())
			held.h.Release()
		}
		s.rememberKilled(held.h.PID())
	}

	if d.PID != nil && (held == nil || *d.PID != held.h.PID()) {
		s.neutralize(ctx, *d.PID)
	}
	if err := s.desired.ClearPID(0); err != nil {
		s.logger.Warn("failed to clear persisted pid", "error", err)
	}

	s.mu.Lock()
	if s.held == held {
		s.held = nil
	}
	if s.status.Snapshot().State != StateStopped {
		_ = s.transitionLocked(StateStopped, func(st *LiveStatus) {
			st.PID = nil
			st.ReadyAt = nil
		})
	}
	s.mu.Unlock()

	pid := 0
	if held != nil {
		pid = held.h.PID()
	}
	s.logger.Info("gateway stopped", "pid", pid)
	s.journal.Record(ctx, journal.Event{Kind: journal.KindStop, PID: pid})
	return nil
}

// Close releases the supervisor without stopping the gateway. Background
// observers end, pending restarts are cancelled and adopted processes are no
// longer polled. The persisted pid is kept so the next instance can adopt.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.restartGen++
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	held := s.held
	m := s.detachMonitorLocked()
	s.mu.Unlock()

	stopMonitor(m)
	if held != nil {
		held.h.Release()
	}
	s.cancel()
}

// transitionLocked moves the status to `to`, applying mutate in the same
// update. The caller holds s.mu.
func (s *Supervisor) transitionLocked(to State, mutate func(*LiveStatus)) error {
	return s.status.Update(func(st *LiveStatus) error {
		from := st.State
		if !canTransition(from, to) {
			s.logger.Warn("rejected state transition", "from", from, "to", to)
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		st.State = to
		if mutate != nil {
			mutate(st)
		}
		s.logger.Debug("state transition", "from", from, "to", to)
		return nil
	})
}

func canTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *Supervisor) runStopCommand(ctx context.Context) {
	argv := s.cfg.StopCommand()
	if len(argv) == 0 || s.stopCmd == nil {
		return
	}
	env, err := s.cfg.GatewayEnv()
	if err != nil {
		env = os.Environ()
	}
	if err := s.stopCmd(ctx, argv, env, s.cfg.Supervisor.StopCommandTimeout.Duration); err != nil {
		s.logger.Debug("stop command failed", "error", err)
	}
}

// rememberKilled records a pid we terminated that is still in the process
// table, so AdoptListener does not mistake it for an external gateway.
func (s *Supervisor) rememberKilled(pid int) {
	if pid <= 0 {
		return
	}
	gone := s.insp.Lookup(pid) == proctable.NotFound
	s.mu.Lock()
	if gone {
		delete(s.killed, pid)
	} else {
		s.killed[pid] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *Supervisor) detachMonitorLocked() *health.Monitor {
	m := s.monitor
	s.monitor = nil
	return m
}

// stopMonitor must be called without s.mu: the monitor callback takes it.
func stopMonitor(m *health.Monitor) {
	if m != nil {
		m.Stop()
	}
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
