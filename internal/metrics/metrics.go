package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauderelay_requests_total",
			Help: "Total number of inbound messages requests",
		},
		[]string{"model", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clauderelay_request_duration_seconds",
			Help:    "Inbound request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "path"},
	)

	UpstreamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauderelay_upstream_outcomes_total",
			Help: "Outcomes of upstream attempts per path",
		},
		[]string{"path", "outcome"},
	)

	AccountHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clauderelay_accounts",
			Help: "Number of accounts per health state",
		},
		[]string{"state"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauderelay_tokens_total",
			Help: "Total tokens relayed, by direction and whether counted or estimated",
		},
		[]string{"path", "type", "accuracy"},
	)

	HeldToolSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clauderelay_held_tool_sessions",
			Help: "Web sessions currently held open awaiting tool results",
		},
	)

	ToolSessionRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clauderelay_tool_session_rejects_total",
			Help: "Requests rejected because the tool-session limit was reached",
		},
	)

	CandidateFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauderelay_candidate_fallbacks_total",
			Help: "Times a request fell through to the next routing candidate",
		},
		[]string{"path", "reason"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clauderelay_active_streams",
			Help: "Number of active streaming connections",
		},
	)
)

func RecordRequest(model, path, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(model, path, status).Inc()
	RequestDuration.WithLabelValues(model, path).Observe(durationSec)
}

func RecordUpstreamOutcome(path, outcome string) {
	UpstreamOutcomes.WithLabelValues(path, outcome).Inc()
}

func SetAccountHealth(state string, n int) {
	AccountHealth.WithLabelValues(state).Set(float64(n))
}

func RecordTokens(path string, input, output int, estimated bool) {
	accuracy := "exact"
	if estimated {
		accuracy = "estimated"
	}
	TokensTotal.WithLabelValues(path, "input", accuracy).Add(float64(input))
	TokensTotal.WithLabelValues(path, "output", accuracy).Add(float64(output))
}

func RecordFallback(path, reason string) {
	CandidateFallbacks.WithLabelValues(path, reason).Inc()
}
