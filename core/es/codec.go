package es

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/escore/internal/reflector"
)

// Validator is implemented by event payloads that check their own shape.
// The codec calls it on both encode and decode.
type Validator interface {
	Validate() error
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// Registry maps event type names to constructors so persisted events can be
// decoded into their Go types.
type Registry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{news: map[string]func() any{}}
}

func (r *Registry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *Registry) Lookup(eventType string) (func() any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.news[eventType]
	return ctor, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.news))
	for t := range r.news {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// EventCtor returns a reflection-free constructor for an event of type T.
func EventCtor[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers constructors under the type name of the value
// they produce.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.Register(EventTypeOf(ctor()), ctor)
	}
}

func RegisterEventFor[T any](r Registrar) {
	RegisterEvents(r, EventCtor[T]())
}

// EventTypeOf names an event payload: its EventType method if it has one,
// its bare Go type name otherwise.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

type IDGenerator func() string

type CodecOption func(*Codec)

// WithIDGenerator replaces the nanoid event id generator.
func WithIDGenerator(gen IDGenerator) CodecOption {
	return func(c *Codec) { c.newID = gen }
}

// Codec translates between domain events and their wire form, validating
// the payload in both directions.
type Codec struct {
	registry *Registry
	newID    IDGenerator
}

func NewCodec(registry *Registry, opts ...CodecOption) *Codec {
	c := &Codec{registry: registry, newID: func() string { return gonanoid.Must() }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) Registry() *Registry { return c.registry }

func (c *Codec) Encode(ev Event) (EventData, error) {
	if ev.Data == nil {
		return EventData{}, fmt.Errorf("%w: nil payload", ErrInvalidEvent)
	}
	eventType := ev.Type
	if eventType == "" {
		eventType = EventTypeOf(ev.Data)
	}
	if _, ok := c.registry.Lookup(eventType); !ok {
		return EventData{}, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if err := validate(ev.Data); err != nil {
		return EventData{}, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, eventType, err)
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return EventData{}, fmt.Errorf("%w: %s: marshal data: %w", ErrInvalidEvent, eventType, err)
	}
	out := EventData{ID: c.newID(), Type: eventType, Data: data}
	if len(ev.Metadata) > 0 {
		out.Metadata, err = json.Marshal(ev.Metadata)
		if err != nil {
			return EventData{}, fmt.Errorf("%w: %s: marshal metadata: %w", ErrInvalidEvent, eventType, err)
		}
	}
	return out, nil
}

func (c *Codec) EncodeAll(events []Event) ([]EventData, error) {
	out := make([]EventData, 0, len(events))
	for _, ev := range events {
		d, err := c.Encode(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Codec) Decode(rec Record) (Envelope, error) {
	ctor, ok := c.registry.Lookup(rec.Type)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownEventType, rec.Type)
	}
	if rec.IsTombstone() {
		return Envelope{}, fmt.Errorf("%w: %s: empty payload", ErrInvalidEvent, rec.Type)
	}

	data := ctor()
	if err := json.Unmarshal(rec.Data, data); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, rec.Type, err)
	}
	if err := validate(data); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, rec.Type, err)
	}

	var md Metadata
	if len(rec.Metadata) > 0 {
		dec := json.NewDecoder(bytes.NewReader(rec.Metadata))
		dec.UseNumber()
		if err := dec.Decode(&md); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s: metadata: %w", ErrInvalidEvent, rec.Type, err)
		}
	}

	return Envelope{
		Event:      Event{Type: rec.Type, Data: data, Metadata: md},
		ID:         rec.ID,
		StreamID:   rec.StreamID,
		Revision:   rec.Revision,
		Position:   rec.Position,
		RecordedAt: rec.RecordedAt,
	}, nil
}

func (c *Codec) DecodeAll(recs []Record) ([]Envelope, error) {
	out := make([]Envelope, 0, len(recs))
	for _, rec := range recs {
		env, err := c.Decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func validate(data any) error {
	if v, ok := data.(Validator); ok {
		return v.Validate()
	}
	return nil
}
