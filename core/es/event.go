package es

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"
)

// MetadataSnapshottedStreamVersion marks an event as a snapshot and records
// the revision of the last domain event it summarizes.
const MetadataSnapshottedStreamVersion = "snapshottedStreamVersion"

// Metadata is free-form, JSON-serializable event metadata.
type Metadata map[string]any

// With returns a copy of m with key set to v.
func (m Metadata) With(key string, v any) Metadata {
	out := make(Metadata, len(m)+1)
	maps.Copy(out, m)
	out[key] = v
	return out
}

// SnapshottedStreamVersion reads the snapshot marker. Values round-tripped
// through JSON arrive as json.Number or float64 and are accepted as well.
func (m Metadata) SnapshottedStreamVersion() (Revision, bool) {
	v, ok := m[MetadataSnapshottedStreamVersion]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case Revision:
		return n, true
	case uint64:
		return Revision(n), true
	case int:
		return Revision(n), n >= 0
	case int64:
		return Revision(n), n >= 0
	case float64:
		return Revision(n), n >= 0 && n == math.Trunc(n)
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return Revision(u), err == nil
	case string:
		u, err := strconv.ParseUint(n, 10, 64)
		return Revision(u), err == nil
	}
	return 0, false
}

// Event is a domain event before it is persisted.
type Event struct {
	// Type is the registered event type. Empty means derived from Data.
	Type     string
	Data     any
	Metadata Metadata
}

// NewEvent wraps data, deriving the type name from it.
func NewEvent(data any) Event { return Event{Type: EventTypeOf(data), Data: data} }

// IsSnapshot reports whether the event carries the snapshot marker.
func (e Event) IsSnapshot() bool {
	_, ok := e.Metadata.SnapshottedStreamVersion()
	return ok
}

// EventData is the wire form of an event. Data and Metadata are JSON.
type EventData struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Record is an event as stored by an EventLog.
type Record struct {
	EventData
	StreamID   string
	Revision   Revision
	Position   uint64
	RecordedAt time.Time
}

// IsTombstone reports whether the record has no payload. Tombstones are
// skipped by readers.
func (r Record) IsTombstone() bool {
	d := bytes.TrimSpace(r.Data)
	return len(d) == 0 || bytes.Equal(d, []byte("null"))
}

// IsSystem reports whether the record belongs to the log's own bookkeeping.
func (r Record) IsSystem() bool { return strings.HasPrefix(r.Type, "$") }

// IsSnapshot inspects the raw metadata for the snapshot marker.
func (r Record) IsSnapshot() bool {
	if len(r.Metadata) == 0 {
		return false
	}
	var md map[string]json.RawMessage
	if err := json.Unmarshal(r.Metadata, &md); err != nil {
		return false
	}
	_, ok := md[MetadataSnapshottedStreamVersion]
	return ok
}

func (r Record) SlogAttr() slog.Attr {
	return slog.Group(
		"record",
		slog.String("stream", r.StreamID),
		slog.String("type", r.Type),
		slog.Uint64("revision", uint64(r.Revision)),
		slog.Uint64("position", r.Position),
	)
}

// Envelope is a decoded Record.
type Envelope struct {
	Event
	ID         string
	StreamID   string
	Revision   Revision
	Position   uint64
	RecordedAt time.Time
}

func (e Envelope) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("stream", e.StreamID),
		slog.String("type", e.Type),
		slog.Uint64("revision", uint64(e.Revision)),
		slog.Uint64("position", e.Position),
	)
}

// Events strips envelopes down to their events.
func Events(envs []Envelope) []Event {
	out := make([]Event, len(envs))
	for i, env := range envs {
		out[i] = env.Event
	}
	return out
}
