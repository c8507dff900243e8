// Package metrics exposes Prometheus collectors for the supervised gateway.
// Recording helpers are no-ops until Register succeeds.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []string{"stopped", "starting", "running", "stopping"}

var (
	regOK atomic.Bool

	starts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "starts_total",
		Help:      "Number of gateway processes spawned.",
	})
	restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "restarts_total",
		Help:      "Number of restarts scheduled after an unplanned exit.",
	})
	exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "exits_total",
		Help:      "Number of observed gateway exits.",
	}, []string{"planned"})
	lockRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "lock_recoveries_total",
		Help:      "Number of lock-contention recoveries attempted.",
	})
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "state_transitions_total",
		Help:      "Number of lifecycle state transitions.",
	}, []string{"from", "to"})
	currentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "current_state",
		Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
	}, []string{"state"})
	readySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "ready_seconds",
		Help:      "Time from spawn until the gateway accepted connections.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	})
)

// Register registers all collectors with r. Safe to call more than once.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{starts, restarts, exits, lockRecoveries, stateTransitions, currentState, readySeconds}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart() {
	if regOK.Load() {
		starts.Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		restarts.Inc()
	}
}

func IncExit(planned bool) {
	if regOK.Load() {
		exits.WithLabelValues(strconv.FormatBool(planned)).Inc()
	}
}

func IncLockRecovery() {
	if regOK.Load() {
		lockRecoveries.Inc()
	}
}

func ObserveReady(seconds float64) {
	if regOK.Load() {
		readySeconds.Observe(seconds)
	}
}

// RecordTransition counts from->to and moves the current-state gauge.
func RecordTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	SetState(to)
}

// SetState marks state as the only active state.
func SetState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}
