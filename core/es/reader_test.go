package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamReader_Read(t *testing.T) {
	log := NewInMemoryLog()
	r := NewStreamReader(log, newTestCodec())

	_, err := r.Read(t.Context(), "acc-1")
	require.ErrorIs(t, err, ErrStreamNotFound)

	appendRaw(t, log, "acc-1", NoStream(), notes("0", "1", "2", "3", "4", "5")...)

	texts := func(envs []Envelope) []string {
		var out []string
		for _, env := range envs {
			out = append(out, env.Data.(*noted).Text)
		}
		return out
	}

	envs, err := r.Read(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1", "2", "3", "4", "5"}, texts(envs))

	envs, err = r.Read(t.Context(), "acc-1", ReadFrom(2), ReadMaxCount(3))
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3", "4"}, texts(envs))

	envs, err = r.Read(t.Context(), "acc-1", ReadFrom(1), ReadBefore(3))
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, texts(envs))

	envs, err = r.Read(t.Context(), "acc-1", ReadFrom(3), ReadBefore(3))
	require.NoError(t, err)
	require.Empty(t, envs)

	_, err = r.Read(t.Context(), "acc-2", ReadBefore(0))
	require.ErrorIs(t, err, ErrStreamNotFound)

	envs, err = r.Read(t.Context(), "acc-1", ReadFrom(99))
	require.NoError(t, err)
	require.Empty(t, envs)

	last, err := r.ReadLast(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, Revision(5), last.Revision)
}

func TestStreamReader_SkipsTombstones(t *testing.T) {
	log := NewInMemoryLog()
	data, err := newTestCodec().EncodeAll(notes("a", "b"))
	require.NoError(t, err)
	data = append(data, EventData{ID: "t1", Type: "Noted"})
	_, err = log.AppendToStream(t.Context(), "acc-1", data, NoStream())
	require.NoError(t, err)

	r := NewStreamReader(log, newTestCodec())
	s, err := r.ReadSlice(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Len(t, s.Events, 2)
	require.Equal(t, Revision(2), s.LastRevision, "tombstones count for the revision")
	require.False(t, s.Empty)

	last, err := r.ReadLast(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, Revision(1), last.Revision)

	_, err = log.AppendToStream(t.Context(), "acc-2", []EventData{{ID: "t2", Type: "Noted"}}, NoStream())
	require.NoError(t, err)
	_, err = r.ReadLast(t.Context(), "acc-2")
	require.ErrorIs(t, err, ErrNoEvents)
}

// logWithoutTail hides ReadLast so the reader has to fall back to a full read.
type logWithoutTail struct{ EventLog }

func TestStreamReader_ReadLastFallback(t *testing.T) {
	log := NewInMemoryLog()
	appendRaw(t, log, "acc-1", NoStream(), notes("a", "b", "c")...)

	r := NewStreamReader(logWithoutTail{log}, newTestCodec())
	last, err := r.ReadLast(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, "c", last.Data.(*noted).Text)

	_, err = r.ReadLast(t.Context(), "acc-2")
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStreamReader_Canceled(t *testing.T) {
	log := NewInMemoryLog()
	appendRaw(t, log, "acc-1", NoStream(), notes("a")...)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := NewStreamReader(log, newTestCodec()).Read(ctx, "acc-1")
	require.ErrorIs(t, err, context.Canceled)
}
