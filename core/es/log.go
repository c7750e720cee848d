package es

import (
	"context"
	"slices"
	"strings"
)

const snapshotStreamSuffix = "-snapshot"

// StreamName builds the canonical "<type>-<id>" stream name.
func StreamName(streamType, id string) string { return streamType + "-" + id }

// SnapshotStreamName names the companion stream holding snapshots of stream.
func SnapshotStreamName(stream string) string { return stream + snapshotStreamSuffix }

func IsSnapshotStream(stream string) bool { return strings.HasSuffix(stream, snapshotStreamSuffix) }

// StreamCategory is the part of a stream name before the first dash. It keeps
// metric label cardinality bounded.
func StreamCategory(stream string) string {
	if i := strings.IndexByte(stream, '-'); i > 0 {
		return stream[:i]
	}
	return stream
}

// SubscriptionFilter selects which records a live read delivers. The zero
// value passes domain events only. Tombstones are never delivered.
type SubscriptionFilter struct {
	IncludeSystemEvents bool
	IncludeSnapshots    bool
	// StreamPrefix restricts delivery to streams starting with it.
	StreamPrefix string
	// EventTypes restricts delivery to these types when non-empty.
	EventTypes []string
}

func (f SubscriptionFilter) Match(r Record) bool {
	if r.IsTombstone() {
		return false
	}
	if !f.IncludeSystemEvents && r.IsSystem() {
		return false
	}
	if f.StreamPrefix != "" && !strings.HasPrefix(r.StreamID, f.StreamPrefix) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, r.Type) {
		return false
	}
	// snapshots are recognized by their marker, a domain stream id may well
	// end in -snapshot
	if !f.IncludeSnapshots && r.IsSnapshot() {
		return false
	}
	return true
}

// LiveRead is an open, potentially endless read of the global log.
// Chan is closed when the read ends; Err then tells why. A nil Err after
// close means the read was unsubscribed or its context ended.
type LiveRead interface {
	Chan() <-chan Record
	Err() error
	Unsubscribe()
}

// EventLog is the append-only log the rest of the package is built on.
// Revisions are dense per stream starting at 0; positions grow across the
// whole log starting at 1.
type EventLog interface {
	// ReadStream returns up to maxCount records of the stream starting at
	// revision from. maxCount <= 0 reads to the end. A stream that was never
	// written yields ErrStreamNotFound.
	ReadStream(ctx context.Context, stream string, from Revision, maxCount int) ([]Record, error)
	// AppendToStream writes all events or none. A guard that does not hold
	// yields ErrConcurrencyConflict.
	AppendToStream(ctx context.Context, stream string, events []EventData, expected ExpectedRevision) (AppendResult, error)
	// SubscribeFromPosition delivers every matching record with a position
	// of at least from, in order, then keeps delivering new ones.
	SubscribeFromPosition(ctx context.Context, from uint64, filter SubscriptionFilter) (LiveRead, error)
}

// LastRecordReader is implemented by logs that can fetch the tail of a
// stream without reading all of it.
type LastRecordReader interface {
	ReadLast(ctx context.Context, stream string) (Record, error)
}
