package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type readOptions struct {
	from     Revision
	maxCount int
	before   *Revision
}

type ReadOption func(*readOptions)

// ReadFrom starts the read at revision r.
func ReadFrom(r Revision) ReadOption { return func(o *readOptions) { o.from = r } }

// ReadMaxCount caps the number of records read from the log.
func ReadMaxCount(n int) ReadOption { return func(o *readOptions) { o.maxCount = n } }

// ReadBefore stops the read before revision r.
func ReadBefore(r Revision) ReadOption { return func(o *readOptions) { o.before = &r } }

// StreamSlice is the result of a read, including the revision of the last
// record seen so callers can derive the next expected revision.
type StreamSlice struct {
	Events []Envelope
	// LastRevision is the revision of the last record read, tombstones
	// included. Only meaningful when Empty is false.
	LastRevision Revision
	// Empty is true when the read returned no records at all.
	Empty bool
}

// StreamReader reads and decodes streams.
type StreamReader struct {
	log     EventLog
	codec   *Codec
	logger  *slog.Logger
	metrics ESMetrics
}

func NewStreamReader(log EventLog, codec *Codec, opts ...Option) *StreamReader {
	o := newComponentOpts(opts...)
	return &StreamReader{
		log:     log,
		codec:   codec,
		logger:  o.log.With(slog.String("component", "stream_reader")),
		metrics: o.metrics,
	}
}

// Read returns the decoded events of stream. An existing stream with nothing
// in the requested range yields an empty slice, a missing one
// ErrStreamNotFound.
func (r *StreamReader) Read(ctx context.Context, stream string, opts ...ReadOption) ([]Envelope, error) {
	s, err := r.ReadSlice(ctx, stream, opts...)
	if err != nil {
		return nil, err
	}
	return s.Events, nil
}

func (r *StreamReader) ReadSlice(ctx context.Context, stream string, opts ...ReadOption) (StreamSlice, error) {
	o := readOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	defer r.metrics.ReadDuration(StreamCategory(stream)).ObserveDuration()

	if o.before != nil && *o.before <= o.from {
		// nothing can be in range, but a missing stream must still be reported
		if _, err := r.log.ReadStream(ctx, stream, o.from, 1); err != nil {
			return StreamSlice{}, err
		}
		return StreamSlice{Events: []Envelope{}, Empty: true}, nil
	}

	recs, err := r.log.ReadStream(ctx, stream, o.from, o.maxCount)
	if err != nil {
		return StreamSlice{}, err
	}

	out := StreamSlice{Events: make([]Envelope, 0, len(recs)), Empty: true}
	for _, rec := range recs {
		if o.before != nil && rec.Revision >= *o.before {
			break
		}
		out.LastRevision = rec.Revision
		out.Empty = false
		if rec.IsTombstone() {
			continue
		}
		env, err := r.codec.Decode(rec)
		if err != nil {
			return StreamSlice{}, fmt.Errorf("decode %s@%d: %w", stream, rec.Revision, err)
		}
		out.Events = append(out.Events, env)
	}

	r.logger.Debug(
		"read",
		slog.String("stream", stream),
		o.from.SlogAttrWithKey("from"),
		slog.Int("count", len(out.Events)),
	)
	return out, nil
}

// ReadLast returns the newest non-tombstone event of stream. A stream that
// exists but holds only tombstones yields ErrNoEvents.
func (r *StreamReader) ReadLast(ctx context.Context, stream string) (Envelope, error) {
	defer r.metrics.ReadDuration(StreamCategory(stream)).ObserveDuration()

	if lr, ok := r.log.(LastRecordReader); ok {
		rec, err := lr.ReadLast(ctx, stream)
		if err != nil {
			return Envelope{}, err
		}
		if !rec.IsTombstone() {
			return r.codec.Decode(rec)
		}
	}

	recs, err := r.log.ReadStream(ctx, stream, 0, 0)
	if err != nil {
		return Envelope{}, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].IsTombstone() {
			continue
		}
		return r.codec.Decode(recs[i])
	}
	return Envelope{}, fmt.Errorf("%w: %s holds only tombstones", ErrNoEvents, stream)
}

func isMissing(err error) bool {
	return errors.Is(err, ErrStreamNotFound) || errors.Is(err, ErrNoEvents)
}
