package es

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// InMemoryLog is an EventLog kept in process memory. It is meant for tests
// and single-process tools.
type InMemoryLog struct {
	mu       sync.Mutex
	log      *slog.Logger
	position uint64
	streams  map[string][]Record
	all      []Record
	// notify is closed and replaced on every append to wake live reads.
	notify chan struct{}
	now    func() time.Time
}

func NewInMemoryLog(opts ...Option) *InMemoryLog {
	o := newComponentOpts(opts...)
	return &InMemoryLog{
		log:     o.log.With(slog.String("log", "memory")),
		streams: map[string][]Record{},
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

func (m *InMemoryLog) ReadStream(ctx context.Context, stream string, from Revision, maxCount int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recs, ok := m.streams[stream]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if uint64(from) >= uint64(len(recs)) {
		return []Record{}, nil
	}
	recs = recs[from:]
	if maxCount > 0 && maxCount < len(recs) {
		recs = recs[:maxCount]
	}
	return append([]Record(nil), recs...), nil
}

func (m *InMemoryLog) ReadLast(ctx context.Context, stream string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recs, ok := m.streams[stream]
	if !ok {
		return Record{}, ErrStreamNotFound
	}
	return recs[len(recs)-1], nil
}

func (m *InMemoryLog) AppendToStream(ctx context.Context, stream string, events []EventData, expected ExpectedRevision) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, ErrNoEvents
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.streams[stream]
	exists := len(recs) > 0
	var current Revision
	if exists {
		current = recs[len(recs)-1].Revision
	}
	if !expected.Matches(current, exists) {
		return AppendResult{}, ConflictError(stream, expected, current, exists)
	}

	next := Revision(len(recs))
	now := m.now()
	for i, ev := range events {
		m.position++
		rec := Record{
			EventData:  ev,
			StreamID:   stream,
			Revision:   next + Revision(i),
			Position:   m.position,
			RecordedAt: now,
		}
		recs = append(recs, rec)
		m.all = append(m.all, rec)
	}
	m.streams[stream] = recs

	close(m.notify)
	m.notify = make(chan struct{})

	last := recs[len(recs)-1]
	m.log.Debug(
		"appended",
		slog.String("stream", stream),
		slog.Int("count", len(events)),
		last.Revision.SlogAttrWithKey("last_revision"),
		slog.Uint64("last_position", last.Position),
	)

	return AppendResult{NextExpectedRevision: last.Revision, LastPosition: last.Position}, nil
}

func (m *InMemoryLog) SubscribeFromPosition(ctx context.Context, from uint64, filter SubscriptionFilter) (LiveRead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	lr := &memoryLiveRead{ch: make(chan Record), cancel: cancel}

	m.mu.Lock()
	cursor := sort.Search(len(m.all), func(i int) bool { return m.all[i].Position >= from })
	m.mu.Unlock()

	go func() {
		defer close(lr.ch)
		for {
			m.mu.Lock()
			batch := append([]Record(nil), m.all[cursor:]...)
			wake := m.notify
			m.mu.Unlock()

			for _, rec := range batch {
				cursor++
				if !filter.Match(rec) {
					continue
				}
				select {
				case lr.ch <- rec:
				case <-ctx.Done():
					return
				}
			}

			if len(batch) > 0 {
				continue
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return lr, nil
}

// Len is the number of records in the log.
func (m *InMemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.all)
}

type memoryLiveRead struct {
	ch     chan Record
	cancel context.CancelFunc
}

func (l *memoryLiveRead) Chan() <-chan Record { return l.ch }
func (l *memoryLiveRead) Err() error          { return nil }
func (l *memoryLiveRead) Unsubscribe()        { l.cancel() }

var (
	_ EventLog         = (*InMemoryLog)(nil)
	_ LastRecordReader = (*InMemoryLog)(nil)
)
