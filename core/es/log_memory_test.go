package es

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryLog_Append(t *testing.T) {
	log := NewInMemoryLog()

	res := appendRaw(t, log, "acc-1", NoStream(), notes("a")...)
	require.Equal(t, Revision(0), res.NextExpectedRevision)
	require.Equal(t, uint64(1), res.LastPosition)

	res = appendRaw(t, log, "acc-1", ExactRevision(0), notes("b", "c")...)
	require.Equal(t, Revision(2), res.NextExpectedRevision)
	require.Equal(t, uint64(3), res.LastPosition)

	res = appendRaw(t, log, "acc-2", AnyRevision(), notes("x")...)
	require.Equal(t, Revision(0), res.NextExpectedRevision)
	require.Equal(t, uint64(4), res.LastPosition)

	data, err := newTestCodec().EncodeAll(notes("d"))
	require.NoError(t, err)

	_, err = log.AppendToStream(t.Context(), "acc-1", data, NoStream())
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	_, err = log.AppendToStream(t.Context(), "acc-1", data, ExactRevision(1))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	_, err = log.AppendToStream(t.Context(), "acc-9", data, ExactRevision(0))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	_, err = log.AppendToStream(t.Context(), "acc-1", nil, AnyRevision())
	require.ErrorIs(t, err, ErrNoEvents)

	require.Equal(t, 4, log.Len())
}

func TestInMemoryLog_ReadStream(t *testing.T) {
	log := NewInMemoryLog()
	appendRaw(t, log, "acc-1", NoStream(), notes("a", "b", "c", "d")...)

	_, err := log.ReadStream(t.Context(), "acc-2", 0, 0)
	require.ErrorIs(t, err, ErrStreamNotFound)

	recs, err := log.ReadStream(t.Context(), "acc-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, Revision(1), recs[0].Revision)
	require.Equal(t, Revision(2), recs[1].Revision)

	recs, err = log.ReadStream(t.Context(), "acc-1", 10, 0)
	require.NoError(t, err)
	require.Empty(t, recs)

	last, err := log.ReadLast(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, Revision(3), last.Revision)
}

// Concurrent appenders with the same expected revision: exactly one wins
// and the stream stays dense.
func TestInMemoryLog_AppendIsAtomic(t *testing.T) {
	log := NewInMemoryLog()
	appendRaw(t, log, "acc-1", NoStream(), notes("seed")...)

	const writers = 16
	data, err := newTestCodec().EncodeAll(notes("a", "b", "c"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.AppendToStream(t.Context(), "acc-1", data, ExactRevision(0)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	recs, err := log.ReadStream(t.Context(), "acc-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		require.Equal(t, Revision(i), rec.Revision)
		require.Equal(t, uint64(i+1), rec.Position)
	}
}

func TestInMemoryLog_Subscribe(t *testing.T) {
	log := NewInMemoryLog()
	appendRaw(t, log, "acc-1", NoStream(), notes("a", "b")...)
	appendRaw(t, log, "acc-1-snapshot", AnyRevision(), Event{
		Data:     &noted{Text: "snap"},
		Metadata: Metadata{MetadataSnapshottedStreamVersion: 1},
	})
	appendRaw(t, log, "acc-2", NoStream(), notes("c")...)

	lr, err := log.SubscribeFromPosition(t.Context(), 2, SubscriptionFilter{})
	require.NoError(t, err)
	defer lr.Unsubscribe()

	next := func() Record {
		select {
		case rec := <-lr.Chan():
			return rec
		case <-time.After(time.Second):
			t.Fatal("no record")
			return Record{}
		}
	}

	require.Equal(t, uint64(2), next().Position)
	require.Equal(t, uint64(4), next().Position, "snapshot stream is filtered")

	appendRaw(t, log, "acc-3", NoStream(), notes("d")...)
	rec := next()
	require.Equal(t, "acc-3", rec.StreamID)
	require.Equal(t, uint64(5), rec.Position)

	lr.Unsubscribe()
	require.Eventually(t, func() bool {
		_, ok := <-lr.Chan()
		return !ok
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, lr.Err())
}

func TestSubscriptionFilter(t *testing.T) {
	rec := func(stream, typ, md string) Record {
		r := Record{StreamID: stream, EventData: EventData{Type: typ, Data: json.RawMessage(`{}`)}}
		if md != "" {
			r.Metadata = []byte(md)
		}
		return r
	}

	var f SubscriptionFilter
	require.True(t, f.Match(rec("acc-1", "Noted", "")))
	require.False(t, f.Match(rec("acc-1", "$stream", "")))
	require.True(t, f.Match(rec("acc-snapshot", "Noted", "")), "only the marker makes a snapshot")
	require.False(t, f.Match(rec("acc-1-snapshot", "Noted", `{"snapshottedStreamVersion":3}`)))
	require.False(t, f.Match(rec("acc-1", "Noted", `{"snapshottedStreamVersion":3}`)))
	require.False(t, f.Match(Record{StreamID: "acc-1", EventData: EventData{Type: "Noted"}}), "tombstone")

	f = SubscriptionFilter{IncludeSystemEvents: true, IncludeSnapshots: true}
	require.True(t, f.Match(rec("acc-1", "$stream", "")))
	require.True(t, f.Match(rec("acc-1-snapshot", "Noted", `{"snapshottedStreamVersion":3}`)))
	require.False(t, f.Match(Record{StreamID: "acc-1", EventData: EventData{Type: "$stream"}}), "tombstone")

	f = SubscriptionFilter{StreamPrefix: "acc-", EventTypes: []string{"Opened"}}
	require.True(t, f.Match(rec("acc-1", "Opened", "")))
	require.False(t, f.Match(rec("acc-1", "Noted", "")))
	require.False(t, f.Match(rec("order-1", "Opened", "")))
}

func TestStreamNames(t *testing.T) {
	require.Equal(t, "order-42", StreamName("order", "42"))
	require.Equal(t, "order-42-snapshot", SnapshotStreamName("order-42"))
	require.True(t, IsSnapshotStream("order-42-snapshot"))
	require.Equal(t, "order", StreamCategory("order-42-snapshot"))
	require.Equal(t, "plain", StreamCategory("plain"))
}
