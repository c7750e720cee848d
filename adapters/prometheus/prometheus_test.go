package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/core/es"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	require.NotNil(t, m)

	// streams
	timer := m.ReadDuration("order")
	assert.NotNil(t, timer)
	timer.ObserveDuration()
	m.AppendDuration("order").ObserveDuration()
	m.EventsAppended("order", 5)
	m.ConcurrencyConflict("order")

	// snapshots
	m.SnapshotLoadDuration("order").ObserveDuration()
	m.SnapshotSaved("order")
	m.SnapshotFailed("order")

	// commands
	m.CommandDuration("order").ObserveDuration()
	m.CommandHandled("order", es.CodeOK)
	m.CommandHandled("order", es.CodeFailedToAppendEvent)

	// subscriptions
	m.SubscriptionEventDuration("orders", "OrderPlaced").ObserveDuration()
	m.SubscriptionEventProcessed("orders", "OrderPlaced", true)
	m.SubscriptionEventProcessed("orders", "OrderPlaced", false)
	m.SubscriptionStateChanged("orders", es.SubscriptionLive)
	m.SubscriptionReconnect("orders")
	m.CheckpointStored("orders", 42)
	m.CheckpointFailed("orders")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["escore_es_read_duration_seconds"])
	assert.True(t, names["escore_es_commands_total"])
	assert.True(t, names["escore_es_subscription_state"])
	assert.True(t, names["escore_es_checkpoint_position"])

	em := m.(*esMetrics)
	assert.Equal(t, float64(5), testutil.ToFloat64(em.eventsAppended.WithLabelValues("order")))
	assert.Equal(t, float64(es.SubscriptionLive), testutil.ToFloat64(em.subscriptionState.WithLabelValues("orders")))
	assert.Equal(t, float64(42), testutil.ToFloat64(em.checkpointPosition.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(em.commandsHandled.WithLabelValues("order", es.CodeFailedToAppendEvent)))
}

func TestNewESMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewESMetrics(reg)
	assert.Panics(t, func() { NewESMetrics(reg) })
}

func TestTimer(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "t", Buckets: defaultBuckets})
	newTimer(h).ObserveDuration()
	assert.Equal(t, 1, testutil.CollectAndCount(h))
}
