package daemon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/warden/internal/metrics"
)

// statusPublisher owns the in-memory LiveStatus and mirrors every change to
// the status file. File writes are best-effort.
type statusPublisher struct {
	mu     sync.Mutex
	cur    LiveStatus
	store  *StatusStore
	logger *slog.Logger
}

func newStatusPublisher(store *StatusStore, target Target, logger *slog.Logger) *statusPublisher {
	return &statusPublisher{
		cur:    LiveStatus{State: StateStopped, Target: target, UpdatedAt: time.Now().UTC()},
		store:  store,
		logger: logger,
	}
}

// Snapshot returns a copy of the current status. It never blocks on I/O.
func (p *statusPublisher) Snapshot() LiveStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.Clone()
}

// Update applies fn and publishes the result. If fn returns an error the
// status is left untouched and the error is returned.
func (p *statusPublisher) Update(fn func(*LiveStatus) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cur.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	from := p.cur.State
	next.UpdatedAt = time.Now().UTC()
	p.cur = next

	if from != next.State {
		metrics.RecordTransition(string(from), string(next.State))
	}
	if err := p.store.Save(next); err != nil {
		p.logger.Warn("status write failed", "path", p.store.Path(), "error", err)
	}
	return nil
}
