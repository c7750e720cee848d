package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Decider is a pure domain model: Decide turns a command and the current
// state into new events, Evolve folds an event into the state.
type Decider[S, C any] struct {
	Initial func() S
	Evolve  func(state S, ev Event) S
	Decide  func(cmd C, state S) ([]Event, error)
}

func (d Decider[S, C]) Fold(events []Event) S {
	state := d.Initial()
	for _, ev := range events {
		state = d.Evolve(state, ev)
	}
	return state
}

type handleOptions struct {
	expected *ExpectedRevision
}

type HandleOption func(*handleOptions)

// WithExpectedRevision overrides the revision derived from the loaded stream.
// NoStream is what lets a command create a stream.
func WithExpectedRevision(e ExpectedRevision) HandleOption {
	return func(o *handleOptions) { o.expected = &e }
}

type HandleResult[S any] struct {
	State                S
	NewEvents            []Event
	NextExpectedRevision Revision
	// SnapshotVersion is set when the append also produced a snapshot.
	SnapshotVersion *Revision
	// SnapshotErr reports a failed snapshot. The command itself succeeded.
	SnapshotErr error
}

// CommandHandler runs the load, decide and append cycle of a Decider against
// a snapshot strategy. It does not retry on conflicts.
type CommandHandler[S, C any] struct {
	strategy SnapshotStrategy
	decider  Decider[S, C]
	log      *slog.Logger
	metrics  ESMetrics
}

func NewCommandHandler[S, C any](strategy SnapshotStrategy, decider Decider[S, C], opts ...Option) *CommandHandler[S, C] {
	o := newComponentOpts(opts...)
	return &CommandHandler[S, C]{
		strategy: strategy,
		decider:  decider,
		log:      o.log.With(slog.String("component", "command_handler")),
		metrics:  o.metrics,
	}
}

// Handle loads stream, decides cmd against its state and appends the result.
// Unless NoStream is requested a missing stream fails with
// ErrStreamNotFound before the decider runs. Decider errors come back
// wrapped in ErrDomainRuleViolation with nothing written.
func (h *CommandHandler[S, C]) Handle(ctx context.Context, stream string, cmd C, opts ...HandleOption) (res *HandleResult[S], err error) {
	o := handleOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	category := StreamCategory(stream)
	defer h.metrics.CommandDuration(category).ObserveDuration()
	defer func() {
		code := CodeOK
		if err != nil {
			code = ErrorCode(err)
		}
		h.metrics.CommandHandled(category, code)
	}()

	log := h.log.With(slog.String("stream", stream), slog.String("command", fmt.Sprintf("%T", cmd)))

	loaded, err := h.strategy.Load(ctx, stream)
	exists := err == nil
	if err != nil && !(errors.Is(err, ErrStreamNotFound) && o.expected != nil && o.expected.IsNoStream()) {
		log.Debug("load failed", slog.Any("error", err))
		return nil, err
	}

	current := loaded.EventList()
	state := h.decider.Fold(current)

	newEvents, err := h.decider.Decide(cmd, state)
	if err != nil {
		log.Debug("command rejected", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrDomainRuleViolation, err)
	}
	if len(newEvents) == 0 {
		return &HandleResult[S]{State: state, NextExpectedRevision: loaded.StreamRevision}, nil
	}

	expected := NoStream()
	if exists {
		expected = ExactRevision(loaded.StreamRevision)
	}
	if o.expected != nil {
		expected = *o.expected
	}

	out, err := h.strategy.Append(ctx, stream, Pending{
		Current:             current,
		LastSnapshotVersion: loaded.LastSnapshotVersion,
		New:                 newEvents,
		Expected:            expected,
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range newEvents {
		state = h.decider.Evolve(state, ev)
	}

	if out.SnapshotErr != nil {
		log.Warn("command handled, snapshot failed", slog.Any("error", out.SnapshotErr))
	}
	log.Debug(
		"command handled",
		slog.Int("events", len(newEvents)),
		out.NextExpectedRevision.SlogAttrWithKey("next_expected"),
	)

	return &HandleResult[S]{
		State:                state,
		NewEvents:            newEvents,
		NextExpectedRevision: out.NextExpectedRevision,
		SnapshotVersion:      out.SnapshotVersion,
		SnapshotErr:          out.SnapshotErr,
	}, nil
}

// Aggregate loads stream and folds it into its current state.
func (h *CommandHandler[S, C]) Aggregate(ctx context.Context, stream string) (S, Revision, error) {
	loaded, err := h.strategy.Load(ctx, stream)
	if err != nil {
		var zero S
		return zero, 0, err
	}
	return h.decider.Fold(loaded.EventList()), loaded.StreamRevision, nil
}
