package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_events_ingested_total",
			Help: "Events appended to the event log, by event type",
		},
		[]string{"type"},
	)

	IngestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_ingest_failures_total",
			Help: "Rejected or failed ingestion requests",
		},
		[]string{"reason"}, // invalid_payload, missing_field, storage
	)

	EventLogAppendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_event_log_append_duration_seconds",
			Help:    "Time spent appending one event to the log",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver"},
	)

	// Geolocation
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_geo_lookups_total",
			Help: "Calls to external geolocation providers",
		},
		[]string{"provider", "outcome"}, // success, failure, rejected
	)

	GeoResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_geo_resolutions_total",
			Help: "Resolved event locations by provenance",
		},
		[]string{"source"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analytics_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Session notifier
	NotifierScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_notifier_scans_total",
			Help: "Session notifier invocations by outcome",
		},
		[]string{"status"}, // completed, throttled, busy, failed
	)

	NotifierNewSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_notifier_new_sessions_total",
			Help: "Sessions reported as new by the notifier",
		},
	)

	NotifierDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_notifier_dispatches_total",
			Help: "Notification dispatch attempts",
		},
		[]string{"channel", "outcome"},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
