package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsPublished counts events handed to the hub by kind
var EventsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_events_published_total",
		Help: "Total number of events published to the broadcast hub",
	},
	[]string{"kind"},
)

// SessionsDropped counts sessions disconnected for failed or stalled delivery
var SessionsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sentinel_sessions_dropped_total",
		Help: "Total number of dashboard sessions dropped by the hub",
	},
)

// ActiveSessions tracks currently connected dashboard sessions
var ActiveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "sentinel_active_sessions",
		Help: "Number of currently connected dashboard sessions",
	},
)

// ScansCompleted counts finished OSINT scans by outcome
var ScansCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_scans_completed_total",
		Help: "Total number of completed geopolitical scans",
	},
	[]string{"outcome"},
)

// LoansFlagged counts loans flagged by risk tier
var LoansFlagged = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_loans_flagged_total",
		Help: "Total number of loans flagged by the forensic auditor",
	},
	[]string{"tier"},
)

// LedgerRowsSkipped counts malformed ledger rows skipped during parsing
var LedgerRowsSkipped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sentinel_ledger_rows_skipped_total",
		Help: "Total number of malformed ledger rows skipped",
	},
)

// HedgesExecuted counts hedge executions by status
var HedgesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_hedges_executed_total",
		Help: "Total number of hedge executions by final status",
	},
	[]string{"status"},
)

// AnalyzeLatency records latency distribution for full portfolio analyses
var AnalyzeLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "sentinel_portfolio_analyze_latency_seconds",
		Help:    "Latency in seconds for a full ledger analysis",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(EventsPublished, SessionsDropped, ActiveSessions)
	prometheus.MustRegister(ScansCompleted, LoansFlagged, LedgerRowsSkipped)
	prometheus.MustRegister(HedgesExecuted, AnalyzeLatency)
}
