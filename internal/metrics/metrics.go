package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentpool",
			Subsystem: "reconciler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of reconciler ticks.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	listFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentpool",
			Subsystem: "reconciler",
			Name:      "list_failures_total",
			Help:      "Number of ticks skipped because the provider listing was unavailable.",
		},
	)
	poolState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "instances",
			Help:      "Current instances per derived state.",
		}, []string{"state"},
	)
	breakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "breaker_open",
			Help:      "Whether the creation circuit breaker is open (1) or closed (0).",
		},
	)
	creates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "creates_total",
			Help:      "Instance creation attempts by result.",
		}, []string{"result"},
	)
	createDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "create_duration_seconds",
			Help:      "End-to-end duration of successful instance creations.",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 300},
		},
	)
	claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"},
	)
	claimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "claim_duration_seconds",
			Help:      "Duration of successful claims.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	recycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "recycles_total",
			Help:      "Recycle attempts by result.",
		}, []string{"result"},
	)
	destroys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentpool",
			Subsystem: "pool",
			Name:      "destroys_total",
			Help:      "Instances destroyed, on any path.",
		},
	)
	heartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentpool",
			Subsystem: "heartbeat",
			Name:      "failures_total",
			Help:      "Heartbeat probe failures.",
		},
	)
	heartbeatWakes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentpool",
			Subsystem: "heartbeat",
			Name:      "wakes_total",
			Help:      "Successful gateway wakes on claimed instances.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		tickDuration, listFailures, poolState, breakerOpen,
		creates, createDuration, claims, claimDuration,
		recycles, destroys, heartbeatFailures, heartbeatWakes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveTick(seconds float64) {
	if regOK.Load() {
		tickDuration.Observe(seconds)
	}
}

func IncListFailure() {
	if regOK.Load() {
		listFailures.Inc()
	}
}

func SetPoolState(state string, n int) {
	if regOK.Load() {
		poolState.WithLabelValues(state).Set(float64(n))
	}
}

func SetBreakerOpen(open bool) {
	if regOK.Load() {
		var v float64
		if open {
			v = 1
		}
		breakerOpen.Set(v)
	}
}

func IncCreate(result string) {
	if regOK.Load() {
		creates.WithLabelValues(result).Inc()
	}
}

func ObserveCreateDuration(seconds float64) {
	if regOK.Load() {
		createDuration.Observe(seconds)
	}
}

func IncClaim(result string) {
	if regOK.Load() {
		claims.WithLabelValues(result).Inc()
	}
}

func ObserveClaimDuration(seconds float64) {
	if regOK.Load() {
		claimDuration.Observe(seconds)
	}
}

func IncRecycle(result string) {
	if regOK.Load() {
		recycles.WithLabelValues(result).Inc()
	}
}

func IncDestroy() {
	if regOK.Load() {
		destroys.Inc()
	}
}

func IncHeartbeatFailure() {
	if regOK.Load() {
		heartbeatFailures.Inc()
	}
}

func IncHeartbeatWake() {
	if regOK.Load() {
		heartbeatWakes.Inc()
	}
}
