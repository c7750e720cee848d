package es

import "github.com/codewandler/escore/core/metrics"

// ESMetrics is the instrumentation surface of the package. Stream-level
// methods are labelled by StreamCategory, never by full stream name.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Streams
	ReadDuration(category string) metrics.Timer
	AppendDuration(category string) metrics.Timer
	EventsAppended(category string, count int)
	ConcurrencyConflict(category string)

	// Snapshots
	SnapshotLoadDuration(category string) metrics.Timer
	SnapshotSaved(category string)
	SnapshotFailed(category string)

	// Commands
	CommandDuration(category string) metrics.Timer
	CommandHandled(category string, code string)

	// Subscriptions
	SubscriptionEventDuration(subscription, eventType string) metrics.Timer
	SubscriptionEventProcessed(subscription, eventType string, success bool)
	SubscriptionStateChanged(subscription string, state SubscriptionState)
	SubscriptionReconnect(subscription string)
	CheckpointStored(subscription string, position uint64)
	CheckpointFailed(subscription string)
}

type nopESMetrics struct{}

func (nopESMetrics) ReadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) AppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)          {}
func (nopESMetrics) ConcurrencyConflict(string)          {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaved(string)                      {}
func (nopESMetrics) SnapshotFailed(string)                     {}

func (nopESMetrics) CommandDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) CommandHandled(string, string)        {}

func (nopESMetrics) SubscriptionEventDuration(string, string) metrics.Timer {
	return metrics.NopTimer()
}
func (nopESMetrics) SubscriptionEventProcessed(string, string, bool)    {}
func (nopESMetrics) SubscriptionStateChanged(string, SubscriptionState) {}
func (nopESMetrics) SubscriptionReconnect(string)                       {}
func (nopESMetrics) CheckpointStored(string, uint64)                    {}
func (nopESMetrics) CheckpointFailed(string)                            {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
