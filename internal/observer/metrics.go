package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billing_verify"

var metricsEnabled = true

// Event ingestion
var (
	eventLabels       = []string{"event_type", "company_id", "consumer_type"}
	eventActionLabels = []string{"event_type", "company_id", "consumer_type", "action", "error_type"}

	eventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Total number of events received from NATS.",
	}, eventLabels)
	eventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Total number of events processed and acknowledged.",
	}, eventLabels)
	eventsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_failed_total",
		Help:      "Total number of events that failed processing.",
	}, eventLabels)
	eventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_processing_duration_seconds",
		Help:      "Histogram of event processing durations.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, eventLabels)
	eventActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_processing_actions_total",
		Help:      "Ack/nak/dlq decisions taken after processing, by error type.",
	}, eventActionLabels)
)

// Screening pipeline
var (
	stageDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_decisions_total",
		Help:      "Stage decisions by stage and outcome (proceed, halt, dependency_error).",
	}, []string{"company_id", "stage", "outcome"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual screening stages.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"stage"})
	screeningResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "screening_results_total",
		Help:      "Final screening status per message.",
	}, []string{"company_id", "status"})
)

// Calls
var (
	callAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "call_attempts_total",
		Help:      "Call trigger attempts by outcome (placed, race_lost, rate_limited, reverted, no_destination, error).",
	}, []string{"company_id", "outcome"})
	callPlacementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_placement_duration_seconds",
		Help:      "Latency of the synchronous call-placing invocation.",
		Buckets:   prometheus.DefBuckets,
	})
	callTasksSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "call_tasks_submitted_total",
		Help:      "Tasks submitted to the call dispatcher pool.",
	}, []string{"company_id"})
	callQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "call_dispatcher_waiting",
		Help:      "Tasks waiting for a free call dispatcher worker.",
	})
	reconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Applied call outcomes and timeouts by result (legitimate, fraudulent, pending, stale, timeout).",
	}, []string{"company_id", "result"})
)

// Database
var dbOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "db_operation_duration_seconds",
	Help:      "Histogram of database operation durations.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"operation", "entity", "company_id", "status"})

// Load generator
var (
	loadgenPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loadgen_messages_published_total",
		Help:      "Messages published by the load generator.",
	}, []string{"subject", "company_id"})
	loadgenErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loadgen_publish_errors_total",
		Help:      "Publish errors encountered by the load generator.",
	}, []string{"subject", "company_id"})
)

// InitMetrics toggles metric collection. Collectors are registered by promauto regardless.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// IncEventsReceived increments the events received counter.
func IncEventsReceived(eventType, tenant, consumerType string) {
	if !metricsEnabled {
		return
	}
	eventsReceivedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

// IncEventsProcessed increments the events processed counter.
func IncEventsProcessed(eventType, tenant, consumerType string) {
	if !metricsEnabled {
		return
	}
	eventsProcessedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

// IncEventsFailed increments the events failed counter.
func IncEventsFailed(eventType, tenant, consumerType string) {
	if !metricsEnabled {
		return
	}
	eventsFailedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

// ObserveEventProcessingDuration records the processing time of one delivery.
func ObserveEventProcessingDuration(eventType, tenant, consumerType string, d time.Duration) {
	if !metricsEnabled {
		return
	}
	eventProcessingDuration.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Observe(d.Seconds())
}

// IncEventProcessingAction counts the ack/nak/dlq decision taken for a delivery.
func IncEventProcessingAction(eventType, tenant, consumerType, action, errorType string) {
	if !metricsEnabled {
		return
	}
	eventActionsTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType, action, SanitizeErrorType(errorType)).Inc()
}

// ObserveStage records one executed screening stage.
func ObserveStage(companyID, stage, outcome string, d time.Duration) {
	if !metricsEnabled {
		return
	}
	stageDecisionsTotal.WithLabelValues(sanitizeTenant(companyID), stage, outcome).Inc()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncScreeningResult counts the final status of a screened message.
func IncScreeningResult(companyID, status string) {
	if !metricsEnabled {
		return
	}
	screeningResultsTotal.WithLabelValues(sanitizeTenant(companyID), status).Inc()
}

// IncCallAttempt counts a call trigger attempt by outcome.
func IncCallAttempt(companyID, outcome string) {
	if !metricsEnabled {
		return
	}
	callAttemptsTotal.WithLabelValues(sanitizeTenant(companyID), outcome).Inc()
}

// ObserveCallPlacement records how long the call-placing service took to answer.
func ObserveCallPlacement(d time.Duration) {
	if !metricsEnabled {
		return
	}
	callPlacementDuration.Observe(d.Seconds())
}

// IncCallTasksSubmitted counts tasks handed to the call dispatcher.
func IncCallTasksSubmitted(companyID string) {
	if !metricsEnabled {
		return
	}
	callTasksSubmittedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
}

// SetCallQueueLength sets the number of tasks blocked waiting for a worker.
func SetCallQueueLength(n int) {
	if !metricsEnabled {
		return
	}
	callQueueLength.Set(float64(n))
}

// IncReconciliation counts an applied outcome or timeout.
func IncReconciliation(companyID, result string) {
	if !metricsEnabled {
		return
	}
	reconciliationsTotal.WithLabelValues(sanitizeTenant(companyID), result).Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, companyID string, d time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	dbOperationDuration.WithLabelValues(operation, entity, sanitizeTenant(companyID), status).Observe(d.Seconds())
}

// IncLoadgenPublished counts a message published by the load generator.
func IncLoadgenPublished(subject, companyID string) {
	if !metricsEnabled {
		return
	}
	loadgenPublishedTotal.WithLabelValues(subject, sanitizeTenant(companyID)).Inc()
}

// IncLoadgenPublishErrors counts a load generator publish failure.
func IncLoadgenPublishErrors(subject, companyID string) {
	if !metricsEnabled {
		return
	}
	loadgenErrorsTotal.WithLabelValues(subject, sanitizeTenant(companyID)).Inc()
}

// SanitizeErrorType maps an error message to a low-cardinality category.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}
	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"),
		strings.Contains(errStr, "duplicate"), strings.Contains(errStr, "constraint"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"):
		return "validation"
	case strings.Contains(errStr, "dependency error"):
		return "dependency"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
