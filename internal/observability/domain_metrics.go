package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kueri_turns_total",
			Help: "Total number of completed turns by terminal status.",
		},
		[]string{"status"},
	)
	turnDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kueri_turn_duration_seconds",
			Help:    "End-to-end turn latency including all retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kueri_tool_calls_total",
			Help: "Total number of gateway tool calls by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	queryAttemptsPerTurn = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kueri_query_attempts_per_turn",
			Help:    "Number of SQL attempts made before a turn terminated.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
	schemaCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kueri_schema_cache_lookups_total",
			Help: "Schema cache lookups by result (hit or miss).",
		},
		[]string{"result"},
	)
	truncatedResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kueri_truncated_results_total",
			Help: "Total number of query results truncated by the row cap.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		turnDurationSeconds,
		toolCallsTotal,
		queryAttemptsPerTurn,
		schemaCacheLookupsTotal,
		truncatedResultsTotal,
	)
}

func ObserveTurn(status string, attempts int, elapsed time.Duration) {
	turnsTotal.WithLabelValues(status).Inc()
	turnDurationSeconds.Observe(elapsed.Seconds())
	if attempts > 0 {
		queryAttemptsPerTurn.Observe(float64(attempts))
	}
}

func ObserveToolCall(tool string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func ObserveSchemaCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	schemaCacheLookupsTotal.WithLabelValues(result).Inc()
}

func IncrementTruncatedResults() {
	truncatedResultsTotal.Inc()
}
