package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/metrics"
)

const namespace = "escore_es"

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Stream metrics
	readDuration         *prometheus.HistogramVec
	appendDuration       *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Snapshot metrics
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotsSaved       *prometheus.CounterVec
	snapshotsFailed      *prometheus.CounterVec

	// Command metrics
	commandDuration *prometheus.HistogramVec
	commandsHandled *prometheus.CounterVec

	// Subscription metrics
	subscriptionEventDuration *prometheus.HistogramVec
	subscriptionEvents        *prometheus.CounterVec
	subscriptionState         *prometheus.GaugeVec
	subscriptionReconnects    *prometheus.CounterVec
	checkpointPosition        *prometheus.GaugeVec
	checkpointFailures        *prometheus.CounterVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics and
// registers its collectors with reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_duration_seconds",
			Help:      "Stream read latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"category"}),

		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Stream append latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"category"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended",
		}, []string{"category"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of appends rejected by their expected revision",
		}, []string{"category"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_load_duration_seconds",
			Help:      "Latency of loading a stream through its snapshot strategy",
			Buckets:   defaultBuckets,
		}, []string{"category"}),

		snapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Total number of snapshots written",
		}, []string{"category"}),

		snapshotsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_failed_total",
			Help:      "Total number of snapshots that could not be built or written",
		}, []string{"category"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"category"}),

		commandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands handled by result code",
		}, []string{"category", "code"}),

		subscriptionEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_event_duration_seconds",
			Help:      "Event processing time in seconds",
			Buckets:   defaultBuckets,
		}, []string{"subscription", "event_type"}),

		subscriptionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Total number of events processed",
		}, []string{"subscription", "event_type", "success"}),

		subscriptionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscription_state",
			Help:      "Current subscription state (0 idle, 1 connecting, 2 live, 3 faulted, 4 stopped)",
		}, []string{"subscription"}),

		subscriptionReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_reconnects_total",
			Help:      "Total number of subscription reconnect attempts",
		}, []string{"subscription"}),

		checkpointPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_position",
			Help:      "Last stored checkpoint position",
		}, []string{"subscription"}),

		checkpointFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Total number of checkpoints that could not be stored",
		}, []string{"subscription"}),
	}

	reg.MustRegister(
		m.readDuration,
		m.appendDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.snapshotLoadDuration,
		m.snapshotsSaved,
		m.snapshotsFailed,
		m.commandDuration,
		m.commandsHandled,
		m.subscriptionEventDuration,
		m.subscriptionEvents,
		m.subscriptionState,
		m.subscriptionReconnects,
		m.checkpointPosition,
		m.checkpointFailures,
	)

	return m
}

func (m *esMetrics) ReadDuration(category string) metrics.Timer {
	return newTimer(m.readDuration.WithLabelValues(category))
}

func (m *esMetrics) AppendDuration(category string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(category))
}

func (m *esMetrics) EventsAppended(category string, count int) {
	m.eventsAppended.WithLabelValues(category).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(category string) {
	m.concurrencyConflicts.WithLabelValues(category).Inc()
}

func (m *esMetrics) SnapshotLoadDuration(category string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(category))
}

func (m *esMetrics) SnapshotSaved(category string) {
	m.snapshotsSaved.WithLabelValues(category).Inc()
}

func (m *esMetrics) SnapshotFailed(category string) {
	m.snapshotsFailed.WithLabelValues(category).Inc()
}

func (m *esMetrics) CommandDuration(category string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(category))
}

func (m *esMetrics) CommandHandled(category string, code string) {
	m.commandsHandled.WithLabelValues(category, code).Inc()
}

func (m *esMetrics) SubscriptionEventDuration(subscription, eventType string) metrics.Timer {
	return newTimer(m.subscriptionEventDuration.WithLabelValues(subscription, eventType))
}

func (m *esMetrics) SubscriptionEventProcessed(subscription, eventType string, success bool) {
	m.subscriptionEvents.WithLabelValues(subscription, eventType, boolToStr(success)).Inc()
}

func (m *esMetrics) SubscriptionStateChanged(subscription string, state es.SubscriptionState) {
	m.subscriptionState.WithLabelValues(subscription).Set(float64(state))
}

func (m *esMetrics) SubscriptionReconnect(subscription string) {
	m.subscriptionReconnects.WithLabelValues(subscription).Inc()
}

func (m *esMetrics) CheckpointStored(subscription string, position uint64) {
	m.checkpointPosition.WithLabelValues(subscription).Set(float64(position))
}

func (m *esMetrics) CheckpointFailed(subscription string) {
	m.checkpointFailures.WithLabelValues(subscription).Inc()
}

var _ es.ESMetrics = (*esMetrics)(nil)
