package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Loaded is what a snapshot strategy returns for a stream: an optional
// snapshot event followed by the events recorded after it.
type Loaded struct {
	Events []Envelope
	// StreamRevision is the revision of the last record of the stream.
	StreamRevision Revision
	// LastSnapshotVersion is the revision covered by the snapshot at the
	// head of Events, nil if the stream was read from the beginning.
	LastSnapshotVersion *Revision
}

func (l Loaded) EventList() []Event { return Events(l.Events) }

// Pending is a decided but not yet persisted change.
type Pending struct {
	// Current are the events the decision was based on, as loaded.
	Current             []Event
	LastSnapshotVersion *Revision
	New                 []Event
	Expected            ExpectedRevision
}

// AppendOutcome is the result of a strategy append. Snapshot failures do not
// fail the append; they surface in SnapshotErr.
type AppendOutcome struct {
	AppendResult
	SnapshotVersion *Revision
	SnapshotErr     error
}

// SnapshotStrategy decides where snapshots live and how streams are read
// around them.
type SnapshotStrategy interface {
	Load(ctx context.Context, stream string) (Loaded, error)
	Append(ctx context.Context, stream string, p Pending) (AppendOutcome, error)
}

// SnapshotBuilder condenses the events of a stream into a single snapshot
// event. current may start with the previous snapshot.
type SnapshotBuilder func(current []Event, lastSnapshotVersion *Revision) (Event, error)

// FoldSnapshotBuilder builds snapshots by folding events with the decider
// and wrapping the resulting state.
func FoldSnapshotBuilder[S, C any](d Decider[S, C], toEvent func(S) any) SnapshotBuilder {
	return func(current []Event, _ *Revision) (Event, error) {
		return NewEvent(toEvent(d.Fold(current))), nil
	}
}

// === cadence ===

// CadenceInput describes a stream right after an append.
type CadenceInput struct {
	// EventsSinceSnapshot counts domain events after the last snapshot,
	// including the ones being appended.
	EventsSinceSnapshot int
	LastSnapshotVersion *Revision
	// LastRevision is the revision of the last domain event being appended.
	LastRevision Revision
}

type SnapshotCadence interface {
	ShouldSnapshot(in CadenceInput) bool
}

type CadenceFunc func(in CadenceInput) bool

func (f CadenceFunc) ShouldSnapshot(in CadenceInput) bool { return f(in) }

// EveryNEvents snapshots once n domain events accumulated since the last one.
func EveryNEvents(n int) SnapshotCadence {
	return CadenceFunc(func(in CadenceInput) bool { return n > 0 && in.EventsSinceSnapshot >= n })
}

func AlwaysSnapshot() SnapshotCadence {
	return CadenceFunc(func(CadenceInput) bool { return true })
}

func NeverSnapshot() SnapshotCadence {
	return CadenceFunc(func(CadenceInput) bool { return false })
}

func eventsSinceSnapshot(p Pending) int {
	n := len(p.New)
	for _, ev := range p.Current {
		if !ev.IsSnapshot() {
			n++
		}
	}
	return n
}

// snapshotBase does what every strategy needs: build and stamp a snapshot
// and make sure the codec accepts it.
type snapshotBase struct {
	reader  *StreamReader
	writer  *StreamWriter
	codec   *Codec
	build   SnapshotBuilder
	cadence SnapshotCadence
	log     *slog.Logger
	metrics ESMetrics
}

func newSnapshotBase(name string, log EventLog, codec *Codec, build SnapshotBuilder, opts ...SnapshotOption) snapshotBase {
	o := newSnapshotOpts(opts...)
	co := []Option{WithLog(o.log), WithMetrics(o.metrics)}
	return snapshotBase{
		reader:  NewStreamReader(log, codec, co...),
		writer:  NewStreamWriter(log, codec, co...),
		codec:   codec,
		build:   build,
		cadence: o.cadence,
		log:     o.log.With(slog.String("snapshots", name)),
		metrics: o.metrics,
	}
}

func (b snapshotBase) wants(p Pending, lastRevision Revision) bool {
	if b.build == nil {
		return false
	}
	return b.cadence.ShouldSnapshot(CadenceInput{
		EventsSinceSnapshot: eventsSinceSnapshot(p),
		LastSnapshotVersion: p.LastSnapshotVersion,
		LastRevision:        lastRevision,
	})
}

func (b snapshotBase) buildSnapshot(p Pending, version Revision) (Event, error) {
	all := make([]Event, 0, len(p.Current)+len(p.New))
	all = append(all, p.Current...)
	all = append(all, p.New...)

	snap, err := b.build(all, p.LastSnapshotVersion)
	if err != nil {
		return Event{}, fmt.Errorf("%w: build: %w", ErrFailedToAppendSnapshot, err)
	}
	snap.Metadata = snap.Metadata.With(MetadataSnapshottedStreamVersion, uint64(version))
	if _, err := b.codec.Encode(snap); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrFailedToAppendSnapshot, err)
	}
	return snap, nil
}

func (b snapshotBase) snapshotFailed(stream string, err error) {
	b.metrics.SnapshotFailed(StreamCategory(stream))
	b.log.Warn("snapshot failed", slog.String("stream", stream), slog.Any("error", err))
}

func (b snapshotBase) readAll(ctx context.Context, stream string) (Loaded, error) {
	s, err := b.reader.ReadSlice(ctx, stream)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{Events: s.Events, StreamRevision: s.LastRevision}, nil
}

// === none ===

type noSnapshots struct{ snapshotBase }

// NoSnapshots reads streams in full and never writes snapshots.
func NoSnapshots(log EventLog, codec *Codec, opts ...SnapshotOption) SnapshotStrategy {
	return &noSnapshots{newSnapshotBase("none", log, codec, nil, opts...)}
}

func (n *noSnapshots) Load(ctx context.Context, stream string) (Loaded, error) {
	return n.readAll(ctx, stream)
}

func (n *noSnapshots) Append(ctx context.Context, stream string, p Pending) (AppendOutcome, error) {
	res, err := n.writer.Append(ctx, stream, p.New, p.Expected)
	if err != nil {
		return AppendOutcome{}, err
	}
	return AppendOutcome{AppendResult: res}, nil
}

// === same stream ===

type sameStreamSnapshots struct{ snapshotBase }

// SameStreamSnapshots interleaves snapshot events with domain events and
// reads streams from the most recent snapshot on.
func SameStreamSnapshots(log EventLog, codec *Codec, build SnapshotBuilder, opts ...SnapshotOption) SnapshotStrategy {
	return &sameStreamSnapshots{newSnapshotBase("same_stream", log, codec, build, opts...)}
}

func (s *sameStreamSnapshots) Load(ctx context.Context, stream string) (Loaded, error) {
	defer s.metrics.SnapshotLoadDuration(StreamCategory(stream)).ObserveDuration()

	l, err := s.readAll(ctx, stream)
	if err != nil {
		return Loaded{}, err
	}
	for i := len(l.Events) - 1; i >= 0; i-- {
		if v, ok := l.Events[i].Metadata.SnapshottedStreamVersion(); ok {
			l.Events = l.Events[i:]
			l.LastSnapshotVersion = &v
			break
		}
	}
	return l, nil
}

func (s *sameStreamSnapshots) Append(ctx context.Context, stream string, p Pending) (AppendOutcome, error) {
	events := p.New
	var (
		snapErr error
		version *Revision
	)

	// With Any the revision of the new events is unknown up front, so the
	// snapshot could not be stamped correctly.
	if first, ok := p.Expected.NextRevision(); ok && len(p.New) > 0 {
		last := first + Revision(len(p.New)) - 1
		if s.wants(p, last) {
			snap, err := s.buildSnapshot(p, last)
			if err != nil {
				snapErr = err
				s.snapshotFailed(stream, err)
			} else {
				events = append(append([]Event(nil), p.New...), snap)
				version = &last
			}
		}
	} else if p.Expected.IsAny() {
		s.log.Debug("snapshot skipped, no expected revision", slog.String("stream", stream))
	}

	res, err := s.writer.Append(ctx, stream, events, p.Expected)
	if err != nil {
		return AppendOutcome{}, err
	}
	if version != nil {
		s.metrics.SnapshotSaved(StreamCategory(stream))
	}
	return AppendOutcome{AppendResult: res, SnapshotVersion: version, SnapshotErr: snapErr}, nil
}

// === external stream ===

type externalStreamSnapshots struct{ snapshotBase }

// ExternalStreamSnapshots keeps snapshots in "<stream>-snapshot" and reads
// the origin stream only past the latest one.
func ExternalStreamSnapshots(log EventLog, codec *Codec, build SnapshotBuilder, opts ...SnapshotOption) SnapshotStrategy {
	return &externalStreamSnapshots{newSnapshotBase("external_stream", log, codec, build, opts...)}
}

func (x *externalStreamSnapshots) Load(ctx context.Context, stream string) (Loaded, error) {
	defer x.metrics.SnapshotLoadDuration(StreamCategory(stream)).ObserveDuration()

	snap, version, err := x.lastSnapshot(ctx, stream)
	if err != nil {
		if !errors.Is(err, ErrNoSnapshotFound) {
			x.log.Warn("ignoring snapshot", slog.String("stream", stream), slog.Any("error", err))
		}
		return x.readAll(ctx, stream)
	}

	tail, err := x.reader.ReadSlice(ctx, stream, ReadFrom(version+1))
	if err != nil {
		return Loaded{}, err
	}
	rev := tail.LastRevision
	if tail.Empty {
		// the snapshot claims to cover up to version, the stream must reach it
		head, err := x.reader.ReadSlice(ctx, stream, ReadFrom(version), ReadMaxCount(1))
		if err != nil {
			return Loaded{}, err
		}
		if head.Empty {
			x.log.Warn(
				"snapshot ahead of stream, rebuilding",
				slog.String("stream", stream),
				version.SlogAttrWithKey("snapshot_version"),
			)
			return x.readAll(ctx, stream)
		}
		rev = version
	}

	events := make([]Envelope, 0, len(tail.Events)+1)
	events = append(events, snap)
	events = append(events, tail.Events...)
	return Loaded{Events: events, StreamRevision: rev, LastSnapshotVersion: &version}, nil
}

func (x *externalStreamSnapshots) lastSnapshot(ctx context.Context, stream string) (Envelope, Revision, error) {
	snap, err := x.reader.ReadLast(ctx, SnapshotStreamName(stream))
	if err != nil {
		if isMissing(err) {
			return Envelope{}, 0, ErrNoSnapshotFound
		}
		return Envelope{}, 0, err
	}
	version, ok := snap.Metadata.SnapshottedStreamVersion()
	if !ok {
		return Envelope{}, 0, fmt.Errorf("%w: %s has no %s", ErrNoSnapshotFound, snap.ID, MetadataSnapshottedStreamVersion)
	}
	return snap, version, nil
}

func (x *externalStreamSnapshots) Append(ctx context.Context, stream string, p Pending) (AppendOutcome, error) {
	res, err := x.writer.Append(ctx, stream, p.New, p.Expected)
	if err != nil {
		return AppendOutcome{}, err
	}
	out := AppendOutcome{AppendResult: res}

	// The snapshot folds Current and New only. Unless the append landed
	// right behind the loaded revision, another writer got in between and
	// the snapshot would miss its events.
	last := res.NextExpectedRevision
	first, ok := p.Expected.NextRevision()
	if !ok || len(p.New) == 0 || first+Revision(len(p.New))-1 != last {
		if x.build != nil {
			x.log.Debug("snapshot skipped, no expected revision", slog.String("stream", stream))
		}
		return out, nil
	}
	if !x.wants(p, last) {
		return out, nil
	}
	snap, err := x.buildSnapshot(p, last)
	if err == nil {
		_, err = x.writer.Append(ctx, SnapshotStreamName(stream), []Event{snap}, AnyRevision())
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrFailedToAppendSnapshot, err)
		}
	}
	if err != nil {
		x.snapshotFailed(stream, err)
		out.SnapshotErr = err
		return out, nil
	}

	x.metrics.SnapshotSaved(StreamCategory(stream))
	out.SnapshotVersion = &last
	return out, nil
}
