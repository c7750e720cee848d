package es

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type (
	valueOption[T any] struct{ v T }

	LogOption       valueOption[*slog.Logger]
	ESMetricsOption valueOption[ESMetrics]

	// Option configures the components built around an EventLog: readers,
	// writers, snapshot strategies and command handlers.
	Option interface {
		applyToComponent(*componentOpts)
	}

	componentOpts struct {
		log     *slog.Logger
		metrics ESMetrics
	}
)

func WithLog(l *slog.Logger) LogOption        { return LogOption{v: l} }
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{v: m} }

func (o LogOption) applyToComponent(c *componentOpts)       { c.log = o.v }
func (o ESMetricsOption) applyToComponent(c *componentOpts) { c.metrics = o.v }

func newComponentOpts(opts ...Option) componentOpts {
	c := componentOpts{log: slog.Default(), metrics: NopESMetrics()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyToComponent(&c)
		}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = NopESMetrics()
	}
	return c
}

// === snapshot strategy options ===

type (
	SnapshotOption interface {
		applyToSnapshot(*snapshotOpts)
	}

	snapshotOpts struct {
		componentOpts
		cadence SnapshotCadence
	}

	cadenceOption valueOption[SnapshotCadence]
)

// WithSnapshotCadence decides when a snapshot is produced after an append.
func WithSnapshotCadence(c SnapshotCadence) SnapshotOption { return cadenceOption{v: c} }

func (o cadenceOption) applyToSnapshot(s *snapshotOpts)   { s.cadence = o.v }
func (o LogOption) applyToSnapshot(s *snapshotOpts)       { s.log = o.v }
func (o ESMetricsOption) applyToSnapshot(s *snapshotOpts) { s.metrics = o.v }

func newSnapshotOpts(opts ...SnapshotOption) snapshotOpts {
	s := snapshotOpts{componentOpts: newComponentOpts(), cadence: NeverSnapshot()}
	for _, opt := range opts {
		opt.applyToSnapshot(&s)
	}
	if s.cadence == nil {
		s.cadence = NeverSnapshot()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NopESMetrics()
	}
	return s
}

// === subscription options ===

type (
	SubscriptionOption interface {
		applyToSubscription(*subscriptionOpts)
	}

	subscriptionOpts struct {
		componentOpts
		handlers      []Handler
		middlewares   []HandlerMiddleware
		filter        SubscriptionFilter
		snapshots     bool
		newBackoff    func() backoff.BackOff
		maxAttempts   int
		stateListener func(from, to SubscriptionState)
	}

	handlersOption       struct{ handlers []Handler }
	middlewaresOption    struct{ mws []HandlerMiddleware }
	filterOption         valueOption[SubscriptionFilter]
	snapshotEventsOption valueOption[bool]
	backoffOption        valueOption[func() backoff.BackOff]
	maxAttemptsOption    valueOption[int]
	stateListenerOption  valueOption[func(from, to SubscriptionState)]
)

// WithHandlers registers handlers at construction time.
func WithHandlers(h ...Handler) SubscriptionOption { return handlersOption{handlers: h} }

// WithHandlerMiddlewares wraps every registered handler. The first
// middleware is the outermost.
func WithHandlerMiddlewares(mws ...HandlerMiddleware) SubscriptionOption {
	return middlewaresOption{mws: mws}
}

func WithSubscriptionFilter(f SubscriptionFilter) SubscriptionOption { return filterOption{v: f} }

// WithSnapshotEvents delivers snapshot events too, whatever the filter says.
func WithSnapshotEvents(include bool) SubscriptionOption { return snapshotEventsOption{v: include} }

// WithBackoff sets the delay policy between reconnect attempts.
func WithBackoff(newBackoff func() backoff.BackOff) SubscriptionOption {
	return backoffOption{v: newBackoff}
}

// WithMaxAttempts stops the subscription with ErrSubscriptionFaulted after n
// consecutive faults without progress. Zero retries forever.
func WithMaxAttempts(n int) SubscriptionOption { return maxAttemptsOption{v: n} }

// WithStateListener is called synchronously on every state transition.
func WithStateListener(fn func(from, to SubscriptionState)) SubscriptionOption {
	return stateListenerOption{v: fn}
}

func (o handlersOption) applyToSubscription(s *subscriptionOpts) {
	s.handlers = append(s.handlers, o.handlers...)
}
func (o middlewaresOption) applyToSubscription(s *subscriptionOpts) {
	s.middlewares = append(s.middlewares, o.mws...)
}
func (o filterOption) applyToSubscription(s *subscriptionOpts)         { s.filter = o.v }
func (o snapshotEventsOption) applyToSubscription(s *subscriptionOpts) { s.snapshots = o.v }
func (o backoffOption) applyToSubscription(s *subscriptionOpts)        { s.newBackoff = o.v }
func (o maxAttemptsOption) applyToSubscription(s *subscriptionOpts)    { s.maxAttempts = o.v }
func (o stateListenerOption) applyToSubscription(s *subscriptionOpts)  { s.stateListener = o.v }
func (o LogOption) applyToSubscription(s *subscriptionOpts)            { s.log = o.v }
func (o ESMetricsOption) applyToSubscription(s *subscriptionOpts)      { s.metrics = o.v }

// DefaultBackoff is exponential from 100ms up to 30s with 50% jitter.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = 30 * time.Second
	return b
}

func newSubscriptionOpts(opts ...SubscriptionOption) subscriptionOpts {
	s := subscriptionOpts{componentOpts: newComponentOpts(), newBackoff: DefaultBackoff}
	for _, opt := range opts {
		opt.applyToSubscription(&s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NopESMetrics()
	}
	if s.newBackoff == nil {
		s.newBackoff = DefaultBackoff
	}
	if s.snapshots {
		s.filter.IncludeSnapshots = true
	}
	return s
}
