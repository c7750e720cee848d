package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObserveFunc(t *testing.T) {
	var observed []time.Duration
	timer := ObserveFunc(func(d time.Duration) { observed = append(observed, d) })
	time.Sleep(2 * time.Millisecond)
	timer.ObserveDuration()

	require.Len(t, observed, 1)
	require.GreaterOrEqual(t, observed[0], 2*time.Millisecond)
}

func TestNop(t *testing.T) {
	NopTimer().ObserveDuration()
	NopTimerFunc()().ObserveDuration()
}
