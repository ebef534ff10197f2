package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Execution lifecycle metrics
	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_executions_started_total",
			Help: "Total number of dunning executions started",
		},
		[]string{"campaign"},
	)

	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_executions_finished_total",
			Help: "Total number of dunning executions reaching a terminal state",
		},
		[]string{"campaign", "status"},
	)

	// Action metrics
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_actions_executed_total",
			Help: "Total number of dunning actions executed",
		},
		[]string{"action_type", "status"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dunning_action_duration_seconds",
			Help:    "Dunning action execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	// Recovery metrics
	RecoveredAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_recovered_amount_cents_total",
			Help: "Total amount recovered through dunning, in cents",
		},
		[]string{"currency"},
	)

	// Scheduler metrics
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dunning_scan_duration_seconds",
			Help:    "Scheduler scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutionsDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dunning_executions_due",
			Help: "Number of executions due at the last scan",
		},
	)

	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dunning_claim_conflicts_total",
			Help: "Executions skipped because another worker held the claim",
		},
	)

	// Database metrics
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Stripe metrics
	StripeAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_api_calls_total",
			Help: "Total number of Stripe API calls",
		},
		[]string{"operation", "status"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordExecutionStarted records a new execution for a campaign
func RecordExecutionStarted(campaign string) {
	ExecutionsStarted.WithLabelValues(campaign).Inc()
}

// RecordExecutionFinished records an execution reaching a terminal state
func RecordExecutionFinished(campaign, status string) {
	ExecutionsFinished.WithLabelValues(campaign, status).Inc()
}

// RecordAction records one action attempt
func RecordAction(actionType, status string, duration time.Duration) {
	ActionsExecuted.WithLabelValues(actionType, status).Inc()
	ActionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordRecoveredAmount records recovered revenue in cents
func RecordRecoveredAmount(currency string, amountCents int64) {
	RecoveredAmount.WithLabelValues(currency).Add(float64(amountCents))
}

// RecordScan records one scheduler scan
func RecordScan(due int, duration time.Duration) {
	ExecutionsDue.Set(float64(due))
	ScanDuration.Observe(duration.Seconds())
}

// RecordClaimConflict records an execution lost to another worker
func RecordClaimConflict() {
	ClaimConflicts.Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStripeAPICall records a Stripe API call
func RecordStripeAPICall(operation, status string) {
	StripeAPICalls.WithLabelValues(operation, status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	ErrorsTotal.WithLabelValues(errorType, component).Inc()
}
