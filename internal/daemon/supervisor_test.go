package daemon

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/benaskins/warden/internal/config"
	"github.com/benaskins/warden/internal/driver"
	"github.com/benaskins/warden/internal/proctable"
)

func TestStartCleanSlate(t *testing.T) {
	f := newFixture(t)
	f.launcher.listen = false

	require.NoError(t, f.sup.Start(context.Background()))

	st := f.sup.Status()
	assert.Equal(t, StateStarting, st.State)
	require.NotNil(t, st.PID)
	assert.Nil(t, st.ReadyAt, "readyAt must wait for a successful probe")

	f.prober.reachable.Store(true)
	st = f.waitState(t, StateRunning)

	h := f.launcher.handle(0)
	require.NotNil(t, st.PID)
	assert.Equal(t, h.PID(), *st.PID)
	assert.NotNil(t, st.ReadyAt)
	assert.NotNil(t, st.StartedAt)
	assert.Equal(t, 0, st.RestartCount)
	assert.Nil(t, st.LastError)

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	assert.Equal(t, DesiredRunning, d.Desired)
	require.NotNil(t, d.PID)
	assert.Equal(t, h.PID(), *d.PID)

	published, err := ReadStatus(NewStatusStore(f.cfg.Supervisor.StateDir).Path(), Target{})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, published.State)
}

func TestStartPersistsPIDBeforeReady(t *testing.T) {
	f := newFixture(t)
	f.launcher.listen = false

	require.NoError(t, f.sup.Start(context.Background()))

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	require.NotNil(t, d.PID)
	assert.Equal(t, f.launcher.handle(0).PID(), *d.PID)
	assert.Equal(t, StateStarting, f.sup.Status().State)
}

func TestStartTwiceSpawnsOnce(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)
	require.NoError(t, f.sup.Start(context.Background()))

	assert.Equal(t, 1, f.launcher.spawns())
	assert.Equal(t, StateRunning, f.sup.Status().State)
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.sup.Start(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.launcher.spawns())
}

func TestStartMissingToken(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Gateway.Token = "" })

	assert.ErrorIs(t, f.sup.Start(context.Background()), ErrMissingToken)
	assert.ErrorIs(t, f.sup.EnsureRunning(context.Background()), ErrMissingToken)
	assert.Equal(t, 0, f.launcher.spawns())

	_, err := os.Stat(f.sup.Desired().Path())
	assert.True(t, os.IsNotExist(err), "nothing is persisted on a precondition failure")
}

func TestStartLaunchFailure(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = errors.New("exec format error")

	err := f.sup.Start(context.Background())
	require.Error(t, err)

	st := f.sup.Status()
	assert.Equal(t, StateStopped, st.State)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "exec format error")
}

func TestStopWhileStoppedSendsNoSignals(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sup.Stop(context.Background()))
	require.NoError(t, f.sup.Stop(context.Background()))

	assert.Empty(t, f.sig.Sent())
	assert.Zero(t, f.stopCalls.Load())
	assert.Equal(t, StateStopped, f.sup.Status().State)

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	assert.Equal(t, DesiredStopped, d.Desired)
}

func TestStopWhileRunning(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)
	pid := f.launcher.handle(0).PID()

	start := time.Now()
	require.NoError(t, f.sup.Stop(context.Background()))
	assert.Less(t, time.Since(start), f.cfg.Supervisor.ShutdownTimeout.Duration+time.Second)

	st := f.sup.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.PID)
	assert.Nil(t, st.ReadyAt)
	assert.Equal(t, 0, st.RestartCount, "planned stops do not count as restarts")
	require.NotNil(t, st.LastExit)
	require.NotNil(t, st.LastExit.Signal)
	assert.Equal(t, "SIGTERM", *st.LastExit.Signal)

	// The stop command runs first, then the whole group gets SIGTERM.
	assert.Equal(t, int32(1), f.stopCalls.Load())
	sent := f.sig.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, driver.Signal{PID: -pid, Sig: unix.SIGTERM}, sent[0])

	assert.Zero(t, f.after.count(), "no restart after a planned stop")
	assert.False(t, f.sup.Holding())

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	assert.Equal(t, DesiredStopped, d.Desired)
	assert.Nil(t, d.PID)
}

func TestConcurrentStopSharesOneAttempt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.sup.Stop(context.Background()))
		}()
	}
	wg.Wait()

	var terms int
	for _, s := range f.sig.Sent() {
		if s.Sig == unix.SIGTERM {
			terms++
		}
	}
	assert.Equal(t, 1, terms)
	assert.Equal(t, StateStopped, f.sup.Status().State)
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)
	h := f.launcher.handle(0)

	// SIGTERM is ignored.
	f.sig.OnKill = func(pid int, sig unix.Signal) {
		if sig == unix.SIGKILL {
			h.finish(-1, "SIGKILL")
		}
	}

	require.NoError(t, f.sup.Stop(context.Background()))

	sent := f.sig.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, unix.SIGTERM, sent[0].Sig)
	assert.Equal(t, unix.SIGKILL, sent[1].Sig)
	assert.Equal(t, StateStopped, f.sup.Status().State)
}

func TestCrashRecoveryNeverSignalsDeadPID(t *testing.T) {
	f := newFixture(t)
	const dead = 4_100_000

	require.NoError(t, f.sup.Desired().Save(DesiredState{Desired: DesiredRunning, PID: ptr(dead)}))

	require.NoError(t, f.sup.EnsureRunning(context.Background()))

	assert.False(t, f.sig.SentTo(dead), "a pid that is gone must never be signaled")
	assert.Zero(t, f.stopCalls.Load())
	assert.Equal(t, 1, f.launcher.spawns())

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	require.NotNil(t, d.PID)
	assert.Equal(t, f.launcher.handle(0).PID(), *d.PID)
	assert.Equal(t, StateRunning, f.sup.Status().State)
}

func TestStartNeutralizesPreviousInstance(t *testing.T) {
	f := newFixture(t)
	const prev = 4_100_001
	f.table.Set(prev, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "gateway"})
	require.NoError(t, f.sup.Desired().SetPID(prev))

	require.NoError(t, f.sup.Start(context.Background()))

	assert.Equal(t, int32(1), f.stopCalls.Load())
	assert.True(t, f.sig.SentTo(prev))
	assert.Equal(t, proctable.NotFound, f.table.Lookup(prev))
	assert.Equal(t, 1, f.launcher.spawns())
}

func TestStartSkipsReusedPID(t *testing.T) {
	f := newFixture(t)
	const reused = 4_100_002
	f.table.Set(reused, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "postgres"})
	require.NoError(t, f.sup.Desired().SetPID(reused))

	require.NoError(t, f.sup.Start(context.Background()))

	assert.False(t, f.sig.SentTo(reused), "a reused pid belongs to another program")
	assert.Equal(t, proctable.Alive, f.table.Lookup(reused))
	assert.Equal(t, 1, f.launcher.spawns())
}

func TestZombieIsNeverSignaled(t *testing.T) {
	f := newFixture(t)
	const zombie, parent = 4_100_010, 4_100_011
	f.table.Set(parent, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "node"})
	f.table.Set(zombie, proctable.Entry{State: proctable.Zombie, PPID: parent, Name: "gateway"})
	f.sig.OnKill = func(pid int, sig unix.Signal) {
		if pid == parent {
			f.table.Remove(parent)
			f.table.Remove(zombie)
		}
	}
	require.NoError(t, f.sup.Desired().SetPID(zombie))

	require.NoError(t, f.sup.Start(context.Background()))

	assert.False(t, f.sig.SentTo(zombie), "zombie pid must not be signaled directly")
	assert.Contains(t, f.sig.Sent(), driver.Signal{PID: parent, Sig: unix.SIGTERM})
	assert.Equal(t, proctable.NotFound, f.table.Lookup(zombie))

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	require.NotNil(t, d.PID)
	assert.NotEqual(t, zombie, *d.PID)
}

func TestZombieWithUnrecognizedParent(t *testing.T) {
	f := newFixture(t)
	const zombie, parent = 4_100_020, 4_100_021
	f.table.Set(parent, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "bash"})
	f.table.Set(zombie, proctable.Entry{State: proctable.Zombie, PPID: parent, Name: "gateway"})
	require.NoError(t, f.sup.Desired().SetPID(zombie))

	require.NoError(t, f.sup.Start(context.Background()))

	assert.Empty(t, f.sig.Sent(), "neither the zombie nor an unknown parent is signaled")
	assert.Equal(t, proctable.Zombie, f.table.Lookup(zombie))
	// The slot stays contested but the start still proceeds.
	assert.Equal(t, 1, f.launcher.spawns())
}

func TestRestartBackoff(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)

	for i := range 3 {
		f.launcher.handle(i).finish(1, "")
		require.Eventually(t, func() bool { return f.after.count() == i+1 },
			time.Second, 5*time.Millisecond)
		assert.True(t, f.sup.RestartPending())
		assert.Equal(t, StateStopped, f.sup.Status().State)

		f.after.fire(i)
		require.Equal(t, i+2, f.launcher.spawns())
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		1500 * time.Millisecond,
	}, f.after.scheduled())

	st := f.sup.Status()
	assert.Equal(t, 3, st.RestartCount)
	require.NotNil(t, st.LastExit)
	require.NotNil(t, st.LastExit.Code)
	assert.Equal(t, 1, *st.LastExit.Code)
}

func TestBackoff(t *testing.T) {
	base, cap := 500*time.Millisecond, 15*time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 1500 * time.Millisecond},
		{30, 15 * time.Second},
		{1000, 15 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(base, cap, tt.n), "n=%d", tt.n)
	}
}

func TestExitWithDesiredStoppedDoesNotRestart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)

	require.NoError(t, f.sup.Desired().SetDesired(DesiredStopped))
	f.launcher.handle(0).finish(0, "")

	st := f.waitState(t, StateStopped)
	assert.Equal(t, 0, st.RestartCount)
	assert.Nil(t, st.ReadyAt)
	assert.Zero(t, f.after.count())
}

func TestStopCancelsPendingRestart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)

	f.launcher.handle(0).finish(1, "")
	require.Eventually(t, f.sup.RestartPending, time.Second, 5*time.Millisecond)

	require.NoError(t, f.sup.Stop(context.Background()))
	assert.False(t, f.sup.RestartPending())

	// The cancelled timer firing late does nothing.
	f.after.fire(0)
	assert.Equal(t, 1, f.launcher.spawns())
	assert.Equal(t, StateStopped, f.sup.Status().State)
}

func TestDesiredStoppedPreventsAutoStart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Desired().SetDesired(DesiredStopped))

	require.NoError(t, f.sup.EnsureRunning(context.Background()))

	assert.Equal(t, 0, f.launcher.spawns())
	assert.Equal(t, StateStopped, f.sup.Status().State)
}

func TestEnsureRunningAdoptsListener(t *testing.T) {
	f := newFixture(t)
	const external = 4_100_030
	f.table.Set(external, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "gateway"})
	f.table.SetListener(f.cfg.Gateway.Port, external)
	f.prober.reachable.Store(true)

	require.NoError(t, f.sup.EnsureRunning(context.Background()))

	assert.Equal(t, 0, f.launcher.spawns())
	st := f.sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Adopted)
	require.NotNil(t, st.PID)
	assert.Equal(t, external, *st.PID)
	assert.NotNil(t, st.ReadyAt)

	// Adopted processes are signaled by pid, not by group.
	require.NoError(t, f.sup.Stop(context.Background()))
	assert.Contains(t, f.sig.Sent(), driver.Signal{PID: external, Sig: unix.SIGTERM})
	assert.Equal(t, StateStopped, f.sup.Status().State)
}

func TestEnsureRunningIsNoopWhenRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.EnsureRunning(context.Background()))
	require.NoError(t, f.sup.EnsureRunning(context.Background()))
	assert.Equal(t, 1, f.launcher.spawns())
}

func TestAdoptedExitRestarts(t *testing.T) {
	f := newFixture(t)
	const external = 4_100_040
	f.table.Set(external, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "gateway"})
	f.table.SetListener(f.cfg.Gateway.Port, external)
	f.prober.reachable.Store(true)
	require.NoError(t, f.sup.EnsureRunning(context.Background()))

	f.table.Remove(external)
	f.prober.reachable.Store(false)

	require.Eventually(t, func() bool { return f.after.count() == 1 }, time.Second, 5*time.Millisecond)
	st := f.sup.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 1, st.RestartCount)
	require.NotNil(t, st.LastExit)
	assert.Nil(t, st.LastExit.Code, "exit status of an adopted process is unknown")
}

func TestEnsureRunningWaitsOutKilledListener(t *testing.T) {
	f := newFixture(t)
	const old = 4_100_050
	f.table.Set(old, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "gateway"})
	f.table.SetListener(f.cfg.Gateway.Port, old)
	f.prober.reachable.Store(true)
	f.sup.rememberKilled(old)
	f.sig.OnKill = func(pid int, sig unix.Signal) {
		if pid == old || pid == -old {
			f.table.Remove(old)
			f.prober.reachable.Store(false)
		}
	}

	require.NoError(t, f.sup.EnsureRunning(context.Background()))

	assert.Equal(t, 1, f.launcher.spawns(), "our own dying process is not adopted")
	assert.False(t, f.sup.Status().Adopted)
}

func TestEnsureRunningRecoversFromLock(t *testing.T) {
	f := newFixture(t)
	const holder = 4_100_060
	f.table.Set(holder, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "gateway"})

	f.launcher.listen = false
	f.launcher.onLaunch = func(n int, h *fakeHandle) {
		if n == 0 {
			h.output = "Error: gateway already running (pid 4100060)"
			go func() {
				time.Sleep(20 * time.Millisecond)
				h.finish(1, "")
			}()
			return
		}
		f.prober.reachable.Store(true)
	}

	require.NoError(t, f.sup.EnsureRunning(context.Background()))

	assert.Equal(t, 2, f.launcher.spawns())
	assert.True(t, f.sig.SentTo(holder))
	assert.Equal(t, proctable.NotFound, f.table.Lookup(holder))
	assert.False(t, f.sup.RestartPending(), "lock recovery cancels the crash restart")

	st := f.sup.Status()
	assert.Equal(t, StateRunning, st.State)
	require.NotNil(t, st.PID)
	assert.Equal(t, f.launcher.handle(1).PID(), *st.PID)
}

func TestEnsureRunningNotReadyAfterRetry(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Supervisor.ReadyTimeout.Duration = 200 * time.Millisecond
	})
	f.launcher.listen = false
	f.launcher.onLaunch = func(_ int, h *fakeHandle) {
		h.output = "could not acquire lock: lock file is held by another process"
	}

	err := f.sup.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)

	// Exactly one retry.
	assert.Equal(t, 2, f.launcher.spawns())
	assert.Equal(t, 0, f.sup.Status().RestartCount, "our own failed attempt is a planned exit")
}

func TestEnsureRunningNoRetryWithoutLock(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Supervisor.ReadyTimeout.Duration = 150 * time.Millisecond
	})
	f.launcher.listen = false

	err := f.sup.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 1, f.launcher.spawns())
	require.NotNil(t, f.sup.Status().LastError)
}

func TestStatusIsACopy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)

	st := f.sup.Status()
	*st.PID = -1
	st.State = StateStopping

	again := f.sup.Status()
	assert.Equal(t, StateRunning, again.State)
	assert.NotEqual(t, -1, *again.PID)
}

func TestIllegalTransitionRejected(t *testing.T) {
	f := newFixture(t)

	f.sup.mu.Lock()
	err := f.sup.transitionLocked(StateRunning, nil)
	f.sup.mu.Unlock()

	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateStopped, f.sup.Status().State)
}

func TestCloseLeavesGatewayRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)
	pid := f.launcher.handle(0).PID()

	f.sup.Close()

	assert.Empty(t, f.sig.Sent())
	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	require.NotNil(t, d.PID)
	assert.Equal(t, pid, *d.PID, "the next instance adopts this pid")
}

func TestRecoverAdoptsRecordedPID(t *testing.T) {
	f := newFixture(t)
	const prev = 4_100_070
	f.table.Set(prev, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "gateway"})
	require.NoError(t, f.sup.Desired().SetPID(prev))
	f.prober.reachable.Store(true)

	require.True(t, f.sup.Recover(context.Background()))

	st := f.waitState(t, StateRunning)
	assert.True(t, st.Adopted)
	assert.Equal(t, prev, *st.PID)
	assert.Equal(t, 0, f.launcher.spawns())
	assert.Empty(t, f.sig.Sent())
}

func TestRecoverClearsReusedPID(t *testing.T) {
	f := newFixture(t)
	const reused = 4_100_080
	f.table.Set(reused, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "sshd"})
	require.NoError(t, f.sup.Desired().SetPID(reused))

	assert.False(t, f.sup.Recover(context.Background()))

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	assert.Nil(t, d.PID)
	assert.Empty(t, f.sig.Sent())
}

func TestLogsFromOutput(t *testing.T) {
	f := newFixture(t)
	f.launcher.onLaunch = func(_ int, h *fakeHandle) { h.output = "listening on 127.0.0.1:18789" }
	require.NoError(t, f.sup.Start(context.Background()))

	assert.Equal(t, []string{"listening on 127.0.0.1:18789"}, f.sup.Logs(10))
}

func TestStopDuringEnsureRunningIsNotUndone(t *testing.T) {
	f := newFixture(t)
	f.launcher.listen = false
	f.launcher.onLaunch = func(_ int, h *fakeHandle) {
		h.output = "Error: gateway already running (pid 4242)"
	}

	done := make(chan error, 1)
	go func() { done <- f.sup.EnsureRunning(context.Background()) }()

	require.Eventually(t, func() bool { return f.launcher.spawns() == 1 }, time.Second, 5*time.Millisecond)
	f.waitState(t, StateStarting)
	require.NoError(t, f.sup.Stop(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureRunning did not return after Stop")
	}

	assert.Equal(t, 1, f.launcher.spawns(), "no lock-recovery retry after a stop")
	assert.False(t, f.sup.Holding())
	assert.Equal(t, StateStopped, f.sup.Status().State)
	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	assert.Equal(t, DesiredStopped, d.Desired)
}

func TestDesiredStoppedDuringEnsureRunningIsNotUndone(t *testing.T) {
	f := newFixture(t)
	f.launcher.listen = false
	f.launcher.onLaunch = func(_ int, h *fakeHandle) {
		h.output = "lock timeout: gateway already running (pid 4242)"
		go func() {
			time.Sleep(20 * time.Millisecond)
			assert.NoError(t, f.sup.Desired().SetDesired(DesiredStopped))
			h.finish(1, "")
		}()
	}

	require.NoError(t, f.sup.EnsureRunning(context.Background()))

	assert.Equal(t, 1, f.launcher.spawns())
	assert.Zero(t, f.after.count(), "no crash restart while desired is stopped")
	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	assert.Equal(t, DesiredStopped, d.Desired)
}

func TestStartWhileStoppingWaitsForStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)
	first := f.launcher.handle(0)

	// The first process takes a while to honor SIGTERM.
	f.sig.OnKill = func(pid int, sig unix.Signal) {
		if sig == unix.SIGTERM && (pid == first.PID() || pid == -first.PID()) {
			go func() {
				time.Sleep(150 * time.Millisecond)
				first.finish(-1, "SIGTERM")
			}()
		}
	}

	stopped := make(chan error, 1)
	go func() { stopped <- f.sup.Stop(context.Background()) }()
	f.waitState(t, StateStopping)

	require.NoError(t, f.sup.Start(context.Background()))

	select {
	case <-first.Done():
	default:
		t.Fatal("start ran before the stop finished")
	}
	require.NoError(t, <-stopped)
	assert.Equal(t, 2, f.launcher.spawns())

	st := f.waitState(t, StateRunning)
	assert.Equal(t, 0, st.RestartCount)
	require.NotNil(t, st.PID)
	assert.Equal(t, f.launcher.handle(1).PID(), *st.PID)

	d, err := f.sup.Desired().Load()
	require.NoError(t, err)
	assert.Equal(t, DesiredRunning, d.Desired)
}

func TestStopUnattributedListenerDoesNotWait(t *testing.T) {
	f := newFixture(t)
	// Something accepts connections but its owner cannot be resolved.
	f.prober.reachable.Store(true)
	require.NoError(t, f.sup.EnsureRunning(context.Background()))
	st := f.sup.Status()
	require.True(t, st.Adopted)
	require.Nil(t, st.PID)

	start := time.Now()
	require.NoError(t, f.sup.Stop(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Empty(t, f.sig.Sent(), "there is no pid to signal")
	assert.Equal(t, int32(1), f.stopCalls.Load(), "the stop command is the only shutdown path")
	assert.Equal(t, StateStopped, f.sup.Status().State)
	assert.False(t, f.sup.Holding())
}

func TestLivenessUsesInjectedProber(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Health.Interval.Duration = 20 * time.Millisecond
	})
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitState(t, StateRunning)

	require.Eventually(t, func() bool {
		return f.sup.Status().Health == "healthy"
	}, time.Second, 5*time.Millisecond)

	f.prober.reachable.Store(false)
	require.Eventually(t, func() bool {
		return f.sup.Status().Health == "unhealthy"
	}, time.Second, 5*time.Millisecond)
	require.NotNil(t, f.sup.Status().LastError)
}

func TestKilledPIDsAreForgotten(t *testing.T) {
	f := newFixture(t)
	for range 3 {
		require.NoError(t, f.sup.Start(context.Background()))
		f.waitState(t, StateRunning)
		require.NoError(t, f.sup.Stop(context.Background()))
	}

	const external = 4_100_070
	f.table.Set(external, proctable.Entry{State: proctable.Alive, PPID: 1, Name: "gateway"})
	f.table.SetListener(f.cfg.Gateway.Port, external)
	f.prober.reachable.Store(true)
	require.NoError(t, f.sup.EnsureRunning(context.Background()))
	require.NoError(t, f.sup.Stop(context.Background()))

	f.sup.mu.Lock()
	defer f.sup.mu.Unlock()
	assert.Empty(t, f.sup.killed)
}
