// Package metrics provides the instrumentation primitives the event sourcing
// packages report through, so they stay independent of any backend.
package metrics

import "time"

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	ObserveDuration()
}

// TimerFunc is a function that creates a new Timer. This allows deferred
// timing patterns like: defer m.AppendDuration("order").ObserveDuration()
type TimerFunc func() Timer

// ObserveFunc adapts a duration observer, such as a histogram's Observe
// method, into a Timer started now.
func ObserveFunc(observe func(time.Duration)) Timer {
	return &funcTimer{start: time.Now(), observe: observe}
}

type funcTimer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t *funcTimer) ObserveDuration() { t.observe(time.Since(t.start)) }
