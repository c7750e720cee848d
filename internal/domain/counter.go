// Package domain is a small counter model used to exercise the event
// sourcing core end to end.
package domain

import (
	"errors"
	"fmt"

	"github.com/codewandler/escore/core/es"
)

// StreamType prefixes counter streams.
const StreamType = "counter"

// MaxValue is the highest value a counter may reach.
const MaxValue = 24

var (
	ErrAlreadyOpened = errors.New("counter already opened")
	ErrNotOpened     = errors.New("counter not opened")
	ErrLimitExceeded = limitError{}
)

// limitError carries its own error code.
type limitError struct{}

func (limitError) Error() string { return fmt.Sprintf("counter cannot exceed %d", MaxValue) }
func (limitError) Code() string  { return "COUNTER_LIMIT_EXCEEDED" }

// === events ===

type (
	Opened struct {
		ID string `json:"id"`
	}
	Incremented struct {
		By int `json:"by"`
	}
	Reset struct {
		Reason string `json:"reason,omitempty"`
	}
	Snapshotted struct {
		State State `json:"state"`
	}
)

func (Opened) EventType() string      { return "Opened" }
func (Incremented) EventType() string { return "Incremented" }
func (Reset) EventType() string       { return "Reset" }
func (Snapshotted) EventType() string { return "CounterSnapshotted" }

func (e *Opened) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

func (e *Incremented) Validate() error {
	if e.By <= 0 {
		return fmt.Errorf("increment must be positive, got %d", e.By)
	}
	return nil
}

func Register(r es.Registrar) {
	es.RegisterEvents(
		r,
		es.EventCtor[Opened](),
		es.EventCtor[Incremented](),
		es.EventCtor[Reset](),
		es.EventCtor[Snapshotted](),
	)
}

// NewCodec is a codec knowing all counter events.
func NewCodec(opts ...es.CodecOption) *es.Codec {
	r := es.NewRegistry()
	Register(r)
	return es.NewCodec(r, opts...)
}

// === state ===

type State struct {
	ID         string `json:"id"`
	Opened     bool   `json:"opened"`
	Value      int    `json:"value"`
	Increments int    `json:"increments"`
	Resets     int    `json:"resets"`
}

// === commands ===

type (
	Command interface{ isCommand() }

	Open      struct{ ID string }
	Increment struct{ By int }
	// ResetCounter is a no-op on a counter at zero.
	ResetCounter struct{ Reason string }
)

func (Open) isCommand()         {}
func (Increment) isCommand()    {}
func (ResetCounter) isCommand() {}

func Decider() es.Decider[State, Command] {
	return es.Decider[State, Command]{
		Initial: func() State { return State{} },
		Evolve:  evolve,
		Decide:  decide,
	}
}

func evolve(s State, ev es.Event) State {
	switch e := ev.Data.(type) {
	case *Opened:
		s.ID, s.Opened = e.ID, true
	case *Incremented:
		s.Value += e.By
		s.Increments++
	case *Reset:
		s.Value = 0
		s.Resets++
	case *Snapshotted:
		s = e.State
	}
	return s
}

func decide(cmd Command, s State) ([]es.Event, error) {
	switch c := cmd.(type) {
	case Open:
		if s.Opened {
			return nil, ErrAlreadyOpened
		}
		return []es.Event{es.NewEvent(&Opened{ID: c.ID})}, nil
	case Increment:
		if !s.Opened {
			return nil, ErrNotOpened
		}
		if s.Value+c.By > MaxValue {
			return nil, ErrLimitExceeded
		}
		return []es.Event{es.NewEvent(&Incremented{By: c.By})}, nil
	case ResetCounter:
		if !s.Opened {
			return nil, ErrNotOpened
		}
		if s.Value == 0 {
			return nil, nil
		}
		return []es.Event{es.NewEvent(&Reset{Reason: c.Reason})}, nil
	}
	return nil, fmt.Errorf("unknown command %T", cmd)
}

// SnapshotBuilder snapshots the folded counter state.
func SnapshotBuilder() es.SnapshotBuilder {
	return es.FoldSnapshotBuilder(Decider(), func(s State) any { return &Snapshotted{State: s} })
}

// Stream names the stream of counter id.
func Stream(id string) string { return es.StreamName(StreamType, id) }

// === read model ===

// View is the read model the projector keeps per counter stream.
type View struct {
	ID        string `json:"id"`
	Value     int    `json:"value"`
	Changes   int    `json:"changes"`
	LastEvent string `json:"last_event"`
}

// ApplyView folds a counter event into its view.
func ApplyView(v *View, env es.Envelope) (bool, error) {
	switch e := env.Data.(type) {
	case *Opened:
		v.ID = e.ID
	case *Incremented:
		v.Value += e.By
	case *Reset:
		v.Value = 0
	case *Snapshotted:
		return false, nil
	}
	v.Changes++
	v.LastEvent = env.Type
	return false, nil
}
