package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// StreamWriter encodes events and appends them under an expected revision.
// It never retries: a conflict is the caller's to resolve.
type StreamWriter struct {
	log     EventLog
	codec   *Codec
	logger  *slog.Logger
	metrics ESMetrics
}

func NewStreamWriter(log EventLog, codec *Codec, opts ...Option) *StreamWriter {
	o := newComponentOpts(opts...)
	return &StreamWriter{
		log:     log,
		codec:   codec,
		logger:  o.log.With(slog.String("component", "stream_writer")),
		metrics: o.metrics,
	}
}

func (w *StreamWriter) Append(ctx context.Context, stream string, events []Event, expected ExpectedRevision) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, ErrNoEvents
	}

	data, err := w.codec.EncodeAll(events)
	if err != nil {
		return AppendResult{}, err
	}

	category := StreamCategory(stream)
	timer := w.metrics.AppendDuration(category)
	res, err := w.log.AppendToStream(ctx, stream, data, expected)
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			w.metrics.ConcurrencyConflict(category)
		}
		w.logger.Warn(
			"append failed",
			slog.String("stream", stream),
			expected.SlogAttr(),
			slog.Any("error", err),
		)
		return AppendResult{}, fmt.Errorf("%w: %s: %w", ErrFailedToAppendEvent, stream, err)
	}

	w.metrics.EventsAppended(category, len(events))
	w.logger.Debug(
		"appended",
		slog.String("stream", stream),
		slog.Int("count", len(events)),
		res.NextExpectedRevision.SlogAttrWithKey("next_expected"),
	)
	return res, nil
}
