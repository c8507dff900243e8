package daemon

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DefaultReconcileInterval is the period between reconcile ticks.
const DefaultReconcileInterval = 500 * time.Millisecond

// Reconciler drives the supervisor toward the persisted desired state. Every
// tick decides from the state files and the process table alone, so a
// restarted reconciler picks up wherever the last one left off.
type Reconciler struct {
	sup      *Supervisor
	interval time.Duration
	wake     chan struct{}
	failures rate.Sometimes
	logger   *slog.Logger
}

// NewReconciler creates a reconciler for sup.
func NewReconciler(sup *Supervisor, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{
		sup:      sup,
		interval: interval,
		wake:     make(chan struct{}, 1),
		failures: rate.Sometimes{First: 1, Interval: 30 * time.Second},
		logger:   slog.With("component", "reconciler"),
	}
}

// Wake requests an immediate tick.
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. Changes to desired.json trigger an
// immediate tick.
func (r *Reconciler) Run(ctx context.Context) error {
	go func() {
		if err := WatchDesired(ctx, r.sup.cfg.Supervisor.StateDir, r.Wake); err != nil {
			r.logger.Warn("desired state watcher unavailable, polling only", "error", err)
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
		r.failures.Do(func() {
			r.logger.Error("reconcile failed", "error", err)
		})
	}
}

// Tick runs a single reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	sup := r.sup
	d, err := sup.desired.Load()
	if err != nil {
		r.logger.Debug("desired state unreadable, assuming running", "error", err)
	}

	switch d.Desired {
	case DesiredStopped:
		if sup.Holding() || d.PID != nil || sup.Status().State != StateStopped {
			return sup.Stop(ctx)
		}
		return nil

	default:
		if sup.Holding() {
			sup.HealStarting(ctx)
			return nil
		}
		// Leave crash restarts to the backoff schedule.
		if sup.RestartPending() {
			return nil
		}
		if sup.Recover(ctx) {
			return nil
		}
		if sup.AdoptListener(ctx) {
			return nil
		}
		return sup.Start(ctx)
	}
}
