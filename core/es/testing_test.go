package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type opened struct {
	Name string `json:"name"`
}

func (opened) EventType() string { return "Opened" }
func (o *opened) Validate() error {
	if o.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type noted struct {
	Text string `json:"text"`
}

func (noted) EventType() string { return "Noted" }

func newTestCodec() *Codec {
	r := NewRegistry()
	RegisterEvents(r, EventCtor[opened](), EventCtor[noted]())
	return NewCodec(r)
}

func appendRaw(t *testing.T, log EventLog, stream string, expected ExpectedRevision, events ...Event) AppendResult {
	t.Helper()
	data, err := newTestCodec().EncodeAll(events)
	require.NoError(t, err)
	res, err := log.AppendToStream(t.Context(), stream, data, expected)
	require.NoError(t, err)
	return res
}

func notes(texts ...string) []Event {
	out := make([]Event, len(texts))
	for i, txt := range texts {
		out[i] = NewEvent(&noted{Text: txt})
	}
	return out
}
