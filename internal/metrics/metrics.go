// Package metrics declares the Prometheus collectors exported by the sentinel
// server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_ingest_messages_total",
			Help: "Device messages received, by kind (data, status, unknown)",
		},
		[]string{"kind"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_ingest_dropped_total",
			Help: "Device messages dropped, by reason",
		},
		[]string{"reason"}, // "malformed", "unknown_sensor", "store_error", "bad_subject"
	)

	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_readings_ingested_total",
			Help: "Readings persisted, by risk level",
		},
		[]string{"risk_level"},
	)

	AnomaliesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_anomalies_detected_total",
			Help: "Readings flagged as anomalous",
		},
	)

	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_broker_reconnects_total",
			Help: "Broker reconnections, both in-client and full redials",
		},
	)

	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_broker_connected",
			Help: "1 while the ingestion gateway holds a live broker connection",
		},
	)

	DeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_dead_letter_depth",
			Help: "Rejected device messages waiting in the dead-letter store",
		},
	)

	// Alerts
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_created_total",
			Help: "Alerts created, by type and severity",
		},
		[]string{"type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_suppressed_total",
			Help: "Alert candidates suppressed by the dedup window, by type",
		},
		[]string{"type"},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alert_transitions_total",
			Help: "Alert lifecycle transitions, by target status and outcome",
		},
		[]string{"status", "outcome"},
	)

	// Health monitor
	HealthScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_health_scan_duration_seconds",
			Help:    "Duration of a full fleet health scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthScanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_health_scan_sensor_errors_total",
			Help: "Per-sensor failures during health scans",
		},
	)

	// Notifications
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Notification deliveries, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_notification_queue_depth",
			Help: "Alerts waiting for notification dispatch",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_notification_breaker_state",
			Help: "Notification channel breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"channel"},
	)

	// Events
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_websocket_clients",
			Help: "Connected dashboard websocket clients",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_dropped_total",
			Help: "Events dropped by a sink, by sink",
		},
		[]string{"sink"},
	)
)
