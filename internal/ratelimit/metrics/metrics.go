// Package metrics exposes Prometheus collectors for the limiter engine. Every
// New call creates fresh collectors registered on the caller's registerer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision outcomes recorded by the engine.
const (
	OutcomeAllowed    = "allowed"
	OutcomeDenied     = "denied"
	OutcomeFailOpen   = "fail_open"
	OutcomeFailClosed = "fail_closed"
	OutcomeBypassed   = "bypassed"
)

type Metrics struct {
	Decisions             *prometheus.CounterVec
	CheckDuration         *prometheus.HistogramVec
	BlockedRequests       prometheus.Counter
	StoreCircuitOpen      *prometheus.GaugeVec
	CSRFFailures          *prometheus.CounterVec
	SuspiciousTransitions prometheus.Counter
	AutoBlocks            prometheus.Counter
	AdminActions          *prometheus.CounterVec
	CleanupRunsTotal      *prometheus.CounterVec
	CleanupDuration       prometheus.Histogram
	CleanupRemoved        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_ratelimit_decisions_total",
			Help: "Limiter verdicts by scope and outcome",
		}, []string{"scope", "outcome"}),
		CheckDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnstile_ratelimit_check_duration_seconds",
			Help:    "Time spent in one limiter check including the store round-trip",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"scope"}),
		BlockedRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_ratelimit_ip_blocked_total",
			Help: "Units of work denied by an IP block before any counter work",
		}),
		StoreCircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turnstile_ratelimit_store_circuit_open",
			Help: "1 while the named store's circuit breaker is open",
		}, []string{"store"}),
		CSRFFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_csrf_failures_total",
			Help: "CSRF validation failures by reason",
		}, []string{"reason"}),
		SuspiciousTransitions: f.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_abuse_suspicious_transitions_total",
			Help: "Identities that crossed the suspicion threshold",
		}),
		AutoBlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_abuse_auto_blocks_total",
			Help: "IP blocks written by the escalator",
		}),
		AdminActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_admin_ip_policy_actions_total",
			Help: "Admin IP policy mutations by action",
		}, []string{"action"}),
		CleanupRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_ratelimit_cleanup_runs_total",
			Help: "Total number of cleanup runs",
		}, []string{"status"}),
		CleanupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name: "turnstile_ratelimit_cleanup_duration_seconds",
			Help: "Duration of cleanup runs in seconds",
		}),
		CleanupRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_ratelimit_cleanup_removed_total",
			Help: "Records removed by the cleanup worker by kind",
		}, []string{"kind"}),
	}
}

// All methods are no-ops on a nil *Metrics so callers can run without metrics.

func (m *Metrics) ObserveDecision(scope, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(scope, outcome).Inc()
	m.CheckDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) IncrementBlocked() {
	if m == nil {
		return
	}
	m.BlockedRequests.Inc()
}

// SetStoreCircuitOpen satisfies counter.BreakerObserver.
func (m *Metrics) SetStoreCircuitOpen(store string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.StoreCircuitOpen.WithLabelValues(store).Set(v)
}

func (m *Metrics) IncrementCSRFFailure(reason string) {
	if m == nil {
		return
	}
	m.CSRFFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementSuspicious() {
	if m == nil {
		return
	}
	m.SuspiciousTransitions.Inc()
}

func (m *Metrics) IncrementAutoBlocks() {
	if m == nil {
		return
	}
	m.AutoBlocks.Inc()
}

func (m *Metrics) IncrementAdminAction(action string) {
	if m == nil {
		return
	}
	m.AdminActions.WithLabelValues(action).Inc()
}

func (m *Metrics) IncrementCleanupRuns(status string) {
	if m == nil {
		return
	}
	m.CleanupRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveCleanupDuration(durationSeconds float64) {
	if m == nil {
		return
	}
	m.CleanupDuration.Observe(durationSeconds)
}

func (m *Metrics) AddCleanupRemoved(kind string, count int) {
	if m == nil {
		return
	}
	m.CleanupRemoved.WithLabelValues(kind).Add(float64(count))
}
