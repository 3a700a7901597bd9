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

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and outcome.",
		}, []string{"op", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridgectl",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations including verification.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)
	stopEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "lifecycle",
			Name:      "stop_escalations_total",
			Help:      "Stop commands issued per escalation step.",
		}, []string{"step"},
	)
	verificationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "verification",
			Name:      "attempts_total",
			Help:      "Stop verification polls by result.",
		}, []string{"result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "lock",
			Name:      "state_transitions_total",
			Help:      "Number of lock state transitions.",
		}, []string{"config_id", "from", "to"},
	)
	lockedConfigs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bridgectl",
			Subsystem: "lock",
			Name:      "entries",
			Help:      "Current lock entries per state.",
		}, []string{"state"},
	)
	persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "persistence",
			Name:      "failures_total",
			Help:      "Failed persistence operations.",
		}, []string{"op"},
	)
	reconcileTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "reconcile",
			Name:      "ticks_total",
			Help:      "Reconciliation ticks by outcome.",
		}, []string{"outcome"},
	)
	driftDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "reconcile",
			Name:      "drift_total",
			Help:      "Divergences observed between lock table and remote status.",
		}, []string{"kind"},
	)
	autoDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "reconcile",
			Name:      "auto_discovered_total",
			Help:      "Remote instances adopted into an empty lock table.",
		},
	)
	remoteActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridgectl",
			Subsystem: "remote",
			Name:      "active_instances",
			Help:      "Active instances reported by the last status poll.",
		},
	)
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Commands sent to the remote service by command and result kind.",
		}, []string{"command", "kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		operations, operationDuration, stopEscalations, verificationAttempts,
		stateTransitions, lockedConfigs, persistenceFailures,
		reconcileTicks, driftDetected, autoDiscovered, remoteActive, gatewayRequests,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered collectors are kept
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
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncOperation(op, outcome string) {
	if regOK.Load() {
		operations.WithLabelValues(op, outcome).Inc()
	}
}

func ObserveOperation(op string, seconds float64) {
	if regOK.Load() {
		operationDuration.WithLabelValues(op).Observe(seconds)
	}
}

func IncStopEscalation(step string) {
	if regOK.Load() {
		stopEscalations.WithLabelValues(step).Inc()
	}
}

func IncVerificationAttempt(result string) {
	if regOK.Load() {
		verificationAttempts.WithLabelValues(result).Inc()
	}
}

func RecordStateTransition(configID, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(configID, from, to).Inc()
	}
}

func SetLockedConfigs(state string, n int) {
	if regOK.Load() {
		lockedConfigs.WithLabelValues(state).Set(float64(n))
	}
}

func IncPersistenceFailure(op string) {
	if regOK.Load() {
		persistenceFailures.WithLabelValues(op).Inc()
	}
}

func IncReconcileTick(outcome string) {
	if regOK.Load() {
		reconcileTicks.WithLabelValues(outcome).Inc()
	}
}

func IncDrift(kind string) {
	if regOK.Load() {
		driftDetected.WithLabelValues(kind).Inc()
	}
}

func AddAutoDiscovered(n int) {
	if regOK.Load() && n > 0 {
		autoDiscovered.Add(float64(n))
	}
}

func SetRemoteActive(n int) {
	if regOK.Load() {
		remoteActive.Set(float64(n))
	}
}

func IncGatewayRequest(command, kind string) {
	if regOK.Load() {
		gatewayRequests.WithLabelValues(command, kind).Inc()
	}
}
