package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for leaderd.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// IsLeader is 1 while this peer holds leadership.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaderd",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "Whether this peer is currently the leader (1) or not (0)",
		},
	)

	// Candidates tracks the size of the sibling set seen by the last resolution.
	Candidates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaderd",
			Subsystem: "election",
			Name:      "candidates",
			Help:      "Number of live candidates observed at the last resolution",
		},
	)

	// Elections counts role changes, labelled by the role entered.
	Elections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "election",
			Name:      "elections_total",
			Help:      "Total number of role changes by role entered",
		},
		[]string{"role"},
	)

	// Registrations counts candidacies created.
	Registrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "election",
			Name:      "registrations_total",
			Help:      "Total number of candidacy nodes created or adopted",
		},
	)

	// Resolutions counts completed leadership resolutions.
	Resolutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "election",
			Name:      "resolutions_total",
			Help:      "Total number of successful leadership resolutions",
		},
	)

	// Errors counts election errors by kind.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "election",
			Name:      "errors_total",
			Help:      "Total number of election errors by kind",
		},
		[]string{"kind"},
	)

	// --- Watch Metrics ---

	// WatchesArmed counts one-shot watches armed.
	WatchesArmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "watch",
			Name:      "armed_total",
			Help:      "Total number of one-shot watches armed",
		},
	)

	// WatchEvents counts notifications received, by event type.
	WatchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "watch",
			Name:      "events_total",
			Help:      "Total number of coordination events received by type",
		},
		[]string{"type"},
	)

	// --- Session Metrics ---

	// SessionState exposes the current session state as a number
	// (0 connecting, 1 connected, 2 disconnected, 3 expired, 4 closed).
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaderd",
			Subsystem: "session",
			Name:      "state",
			Help:      "Current coordination session state",
		},
	)

	// Restarts counts participant restarts by the supervisor, by reason.
	Restarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "session",
			Name:      "restarts_total",
			Help:      "Total number of participant restarts by reason",
		},
		[]string{"reason"},
	)

	// BreakerState exposes the restart circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaderd",
			Subsystem: "session",
			Name:      "breaker_state",
			Help:      "State of the restart circuit breaker",
		},
	)

	// --- Status API Metrics ---

	// APIRequests counts status API answers by route and status code.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of status API requests by route and code",
		},
		[]string{"route", "code"},
	)

	// APIRequestDuration tracks status API latency by route.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leaderd",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Status API request latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .1},
		},
		[]string{"route"},
	)

	// HealthUnavailable counts health probes answered 503, by session state.
	HealthUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderd",
			Subsystem: "api",
			Name:      "health_unavailable_total",
			Help:      "Total number of health checks answered unavailable by session state",
		},
		[]string{"session"},
	)
)

// ObserveAPIRequest records one status API answer.
func ObserveAPIRequest(route string, code int, elapsed time.Duration) {
	APIRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordRole records the role entered after a change.
func RecordRole(role string, leader bool) {
	Elections.WithLabelValues(role).Inc()
	if leader {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
}
