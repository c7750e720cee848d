package estests

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/internal/domain"
)

func openAndIncrement(t *testing.T, h *es.CommandHandler[domain.State, domain.Command], stream string, n int) {
	t.Helper()
	_, err := h.Handle(t.Context(), stream, domain.Open{ID: stream}, es.WithExpectedRevision(es.NoStream()))
	require.NoError(t, err)
	for range n {
		_, err := h.Handle(t.Context(), stream, domain.Increment{By: 1})
		require.NoError(t, err)
	}
}

func TestSnapshots(t *testing.T) {
	t.Run("external stream", eachBackend(func(t *testing.T, b backend) {
		strategy := es.ExternalStreamSnapshots(b.log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.EveryNEvents(4)))
		h := es.NewCommandHandler(strategy, domain.Decider())
		stream := newStream()

		// revisions 0..5, the fourth domain event (revision 3) triggers a snapshot
		openAndIncrement(t, h, stream, 5)

		snaps, err := b.reader().Read(t.Context(), es.SnapshotStreamName(stream))
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		v, ok := snaps[0].Metadata.SnapshottedStreamVersion()
		require.True(t, ok)
		require.Equal(t, es.Revision(3), v)

		loaded, err := strategy.Load(t.Context(), stream)
		require.NoError(t, err)
		require.Len(t, loaded.Events, 3)
		require.IsType(t, &domain.Snapshotted{}, loaded.Events[0].Data)
		require.Equal(t, es.Revision(4), loaded.Events[1].Revision)
		require.Equal(t, es.Revision(5), loaded.Events[2].Revision)
		require.Equal(t, es.Revision(5), loaded.StreamRevision)
		require.Equal(t, es.Revision(3), *loaded.LastSnapshotVersion)

		full, err := b.reader().Read(t.Context(), stream)
		require.NoError(t, err)
		require.Len(t, full, 6)
		require.Equal(t, domain.Decider().Fold(es.Events(full)), domain.Decider().Fold(loaded.EventList()))
	}))

	t.Run("same stream", eachBackend(func(t *testing.T, b backend) {
		strategy := es.SameStreamSnapshots(b.log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.EveryNEvents(3)))
		h := es.NewCommandHandler(strategy, domain.Decider())
		stream := newStream()

		openAndIncrement(t, h, stream, 4)

		// opened, inc, inc, snapshot(2), inc, inc
		full, err := b.reader().Read(t.Context(), stream)
		require.NoError(t, err)
		require.Len(t, full, 6)
		require.True(t, full[3].IsSnapshot())
		v, _ := full[3].Metadata.SnapshottedStreamVersion()
		require.Equal(t, es.Revision(2), v)

		loaded, err := strategy.Load(t.Context(), stream)
		require.NoError(t, err)
		require.Len(t, loaded.Events, 3)
		require.Equal(t, es.Revision(5), loaded.StreamRevision)
		require.Equal(t, es.Revision(2), *loaded.LastSnapshotVersion)

		state, rev, err := h.Aggregate(t.Context(), stream)
		require.NoError(t, err)
		require.Equal(t, es.Revision(5), rev)
		require.Equal(t, 4, state.Value)
		require.Equal(t, 4, state.Increments)

		// the third event since the snapshot triggers the next one, right
		// after it in the same append
		res, err := h.Handle(t.Context(), stream, domain.Increment{By: 2})
		require.NoError(t, err)
		require.Equal(t, es.Revision(7), res.NextExpectedRevision)
		require.Equal(t, es.Revision(6), *res.SnapshotVersion)
		require.Equal(t, 6, res.State.Value)
	}))

	t.Run("same stream skips snapshots for blind appends", eachBackend(func(t *testing.T, b backend) {
		strategy := es.SameStreamSnapshots(b.log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.AlwaysSnapshot()))
		h := es.NewCommandHandler(strategy, domain.Decider())
		stream := newStream()

		res, err := h.Handle(t.Context(), stream, domain.Open{ID: "x"}, es.WithExpectedRevision(es.NoStream()))
		require.NoError(t, err)
		require.NotNil(t, res.SnapshotVersion)

		res, err = h.Handle(t.Context(), stream, domain.Increment{By: 1}, es.WithExpectedRevision(es.AnyRevision()))
		require.NoError(t, err)
		require.Nil(t, res.SnapshotVersion)
		require.NoError(t, res.SnapshotErr)
	}))

	t.Run("external stream skips snapshots when another writer got in", eachBackend(func(t *testing.T, b backend) {
		stream := newStream()
		log := &interleavingLog{EventLog: b.log, codec: b.codec, stream: stream}
		strategy := es.ExternalStreamSnapshots(log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.AlwaysSnapshot()))
		h := es.NewCommandHandler(strategy, domain.Decider())

		_, err := h.Handle(t.Context(), stream, domain.Open{ID: "x"}, es.WithExpectedRevision(es.NoStream()))
		require.NoError(t, err)

		log.inject = &domain.Incremented{By: 7}
		res, err := h.Handle(t.Context(), stream, domain.Increment{By: 1}, es.WithExpectedRevision(es.AnyRevision()))
		require.NoError(t, err)
		require.Equal(t, es.Revision(2), res.NextExpectedRevision)
		require.Nil(t, res.SnapshotVersion)
		require.NoError(t, res.SnapshotErr)

		full, err := b.reader().Read(t.Context(), stream)
		require.NoError(t, err)
		loaded, err := strategy.Load(t.Context(), stream)
		require.NoError(t, err)
		want := domain.Decider().Fold(es.Events(full))
		require.Equal(t, want, domain.Decider().Fold(loaded.EventList()))
		require.Equal(t, 8, want.Value)
		require.Equal(t, 2, want.Increments)
	}))

	t.Run("external stream snapshots guarded appends", eachBackend(func(t *testing.T, b backend) {
		strategy := es.ExternalStreamSnapshots(b.log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.AlwaysSnapshot()))
		h := es.NewCommandHandler(strategy, domain.Decider())
		stream := newStream()

		_, err := h.Handle(t.Context(), stream, domain.Open{ID: "x"}, es.WithExpectedRevision(es.NoStream()))
		require.NoError(t, err)
		res, err := h.Handle(t.Context(), stream, domain.Increment{By: 1}, es.WithExpectedRevision(es.AnyRevision()))
		require.NoError(t, err)
		require.Nil(t, res.SnapshotVersion)

		res, err = h.Handle(t.Context(), stream, domain.Increment{By: 1})
		require.NoError(t, err)
		require.Equal(t, es.Revision(2), *res.SnapshotVersion)
	}))

	t.Run("transparency", eachBackend(func(t *testing.T, b backend) {
		strategies := map[string]es.SnapshotStrategy{
			"none":     es.NoSnapshots(b.log, b.codec),
			"same":     es.SameStreamSnapshots(b.log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.EveryNEvents(2))),
			"external": es.ExternalStreamSnapshots(b.log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.EveryNEvents(2))),
		}
		states := map[string]domain.State{}
		for name, strategy := range strategies {
			h := es.NewCommandHandler(strategy, domain.Decider())
			stream := newStream()
			openAndIncrement(t, h, stream, 3)
			_, err := h.Handle(t.Context(), stream, domain.ResetCounter{Reason: "test"})
			require.NoError(t, err)
			_, err = h.Handle(t.Context(), stream, domain.Increment{By: 5})
			require.NoError(t, err)

			state, _, err := h.Aggregate(t.Context(), stream)
			require.NoError(t, err)
			state.ID = ""
			states[name] = state
		}
		require.Equal(t, states["none"], states["same"])
		require.Equal(t, states["none"], states["external"])
		require.Equal(t, domain.State{Opened: true, Value: 5, Increments: 4, Resets: 1}, states["none"])
	}))

	t.Run("failing builder does not fail the command", eachBackend(func(t *testing.T, b backend) {
		boom := errors.New("boom")
		build := func([]es.Event, *es.Revision) (es.Event, error) { return es.Event{}, boom }

		for _, strategy := range []es.SnapshotStrategy{
			es.SameStreamSnapshots(b.log, b.codec, build, es.WithSnapshotCadence(es.AlwaysSnapshot())),
			es.ExternalStreamSnapshots(b.log, b.codec, build, es.WithSnapshotCadence(es.AlwaysSnapshot())),
		} {
			h := es.NewCommandHandler(strategy, domain.Decider())
			stream := newStream()
			res, err := h.Handle(t.Context(), stream, domain.Open{ID: "x"}, es.WithExpectedRevision(es.NoStream()))
			require.NoError(t, err)
			require.ErrorIs(t, res.SnapshotErr, es.ErrFailedToAppendSnapshot)
			require.ErrorIs(t, res.SnapshotErr, boom)

			envs, err := b.reader().Read(t.Context(), stream)
			require.NoError(t, err)
			require.Len(t, envs, 1)
		}
	}))

	t.Run("unregistered snapshot type is rejected before the append", eachBackend(func(t *testing.T, b backend) {
		type stray struct{ N int }
		build := func([]es.Event, *es.Revision) (es.Event, error) { return es.NewEvent(&stray{N: 1}), nil }
		strategy := es.SameStreamSnapshots(b.log, b.codec, build, es.WithSnapshotCadence(es.AlwaysSnapshot()))
		h := es.NewCommandHandler(strategy, domain.Decider())

		res, err := h.Handle(t.Context(), newStream(), domain.Open{ID: "x"}, es.WithExpectedRevision(es.NoStream()))
		require.NoError(t, err)
		require.ErrorIs(t, res.SnapshotErr, es.ErrUnknownEventType)
		require.Equal(t, es.Revision(0), res.NextExpectedRevision)
	}))

	t.Run("snapshot ahead of stream is ignored", eachBackend(func(t *testing.T, b backend) {
		strategy := es.ExternalStreamSnapshots(b.log, b.codec, domain.SnapshotBuilder())
		h := es.NewCommandHandler(strategy, domain.Decider())
		stream := newStream()
		openAndIncrement(t, h, stream, 1)

		bogus := es.Event{
			Data:     &domain.Snapshotted{State: domain.State{Opened: true, Value: 20}},
			Metadata: es.Metadata{es.MetadataSnapshottedStreamVersion: uint64(10)},
		}
		_, err := b.writer().Append(t.Context(), es.SnapshotStreamName(stream), []es.Event{bogus}, es.AnyRevision())
		require.NoError(t, err)

		state, rev, err := h.Aggregate(t.Context(), stream)
		require.NoError(t, err)
		require.Equal(t, es.Revision(1), rev)
		require.Equal(t, 1, state.Value)
	}))

	t.Run("snapshot stream failure falls back to a full read", eachBackend(func(t *testing.T, b backend) {
		log := &snapshotReadFailingLog{EventLog: b.log}
		strategy := es.ExternalStreamSnapshots(log, b.codec, domain.SnapshotBuilder(), es.WithSnapshotCadence(es.AlwaysSnapshot()))
		h := es.NewCommandHandler(strategy, domain.Decider())
		stream := newStream()
		openAndIncrement(t, h, stream, 2)

		state, rev, err := h.Aggregate(t.Context(), stream)
		require.NoError(t, err)
		require.Equal(t, es.Revision(2), rev)
		require.Equal(t, 2, state.Value)
	}))
}

// snapshotReadFailingLog fails every read of a snapshot stream.
type snapshotReadFailingLog struct{ es.EventLog }

func (l *snapshotReadFailingLog) ReadStream(ctx context.Context, stream string, from es.Revision, maxCount int) ([]es.Record, error) {
	if es.IsSnapshotStream(stream) {
		return nil, errors.New("connection reset")
	}
	return l.EventLog.ReadStream(ctx, stream, from, maxCount)
}

// interleavingLog appends inject to stream right before the next blind
// append there, as a concurrent writer would.
type interleavingLog struct {
	es.EventLog
	codec  *es.Codec
	stream string
	inject any
}

func (l *interleavingLog) AppendToStream(ctx context.Context, stream string, events []es.EventData, expected es.ExpectedRevision) (es.AppendResult, error) {
	if stream == l.stream && expected.IsAny() && l.inject != nil {
		other := es.NewStreamWriter(l.EventLog, l.codec)
		if _, err := other.Append(ctx, stream, []es.Event{es.NewEvent(l.inject)}, es.AnyRevision()); err != nil {
			return es.AppendResult{}, err
		}
		l.inject = nil
	}
	return l.EventLog.AppendToStream(ctx, stream, events, expected)
}
