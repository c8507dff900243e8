// Package journal records supervisor lifecycle events.
//
// Events go to an append-only JSONL file and, optionally, a SQLite table.
// Recording is best-effort: a failing sink is logged and never blocks the
// lifecycle operation that produced the event.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind describes what happened.
type Kind string

const (
	KindStart            Kind = "start"
	KindReady            Kind = "ready"
	KindAdopt            Kind = "adopt"
	KindExit             Kind = "exit"
	KindRestartScheduled Kind = "restart_scheduled"
	KindStop             Kind = "stop"
	KindNeutralize       Kind = "neutralize"
	KindLockRecovery     Kind = "lock_recovery"
	KindZombieRecovery   Kind = "zombie_recovery"
	KindUnhealthy        Kind = "unhealthy"
)

// Event is a single journal record.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"event"`
	PID       int       `json:"pid,omitempty"`
	Code      *int      `json:"code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink is a destination for events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Reader is implemented by sinks that can return recent events, newest last.
type Reader interface {
	Recent(ctx context.Context, n int) ([]Event, error)
}

// Journal fans events out to its sinks.
type Journal struct {
	sinks  []Sink
	logger *slog.Logger
}

// New creates a journal over sinks. A journal with no sinks discards events.
func New(logger *slog.Logger, sinks ...Sink) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{sinks: sinks, logger: logger.With("component", "journal")}
}

// Record stamps e and sends it to every sink. Sink errors are logged and dropped.
func (j *Journal) Record(ctx context.Context, e Event) {
	if j == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, s := range j.sinks {
		if err := s.Send(ctx, e); err != nil {
			j.logger.Warn("journal write failed", "event", e.Kind, "error", err)
		}
	}
}

// Recent returns up to n recent events from the first sink that can read them.
func (j *Journal) Recent(ctx context.Context, n int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	for _, s := range j.sinks {
		if r, ok := s.(Reader); ok {
			return r.Recent(ctx, n)
		}
	}
	return nil, nil
}

// Close closes every sink.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var errs []error
	for _, s := range j.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
