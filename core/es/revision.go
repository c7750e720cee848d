package es

import (
	"fmt"
	"log/slog"
)

// Revision is the zero-based, dense index of an event within its stream.
type Revision uint64

func (r Revision) Uint64() uint64                       { return uint64(r) }
func (r Revision) Next() Revision                       { return r + 1 }
func (r Revision) SlogAttr() slog.Attr                  { return slog.Uint64("revision", uint64(r)) }
func (r Revision) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(r)) }
func (r Revision) Ptr() *Revision                       { return &r }

func revisionString(r Revision, exists bool) string {
	if !exists {
		return "no_stream"
	}
	return fmt.Sprintf("%d", r)
}

type expectKind uint8

const (
	expectAny expectKind = iota
	expectNoStream
	expectExact
)

// ExpectedRevision is the optimistic concurrency guard of an append.
// The zero value accepts any stream state.
type ExpectedRevision struct {
	kind expectKind
	rev  Revision
}

// AnyRevision disables the concurrency check.
func AnyRevision() ExpectedRevision { return ExpectedRevision{kind: expectAny} }

// NoStream requires that the stream does not exist yet.
func NoStream() ExpectedRevision { return ExpectedRevision{kind: expectNoStream} }

// ExactRevision requires the last event of the stream to be at r.
func ExactRevision(r Revision) ExpectedRevision {
	return ExpectedRevision{kind: expectExact, rev: r}
}

func (e ExpectedRevision) IsAny() bool      { return e.kind == expectAny }
func (e ExpectedRevision) IsNoStream() bool { return e.kind == expectNoStream }
func (e ExpectedRevision) IsExact() bool    { return e.kind == expectExact }

// Revision returns the exact revision, ok is false for Any and NoStream.
func (e ExpectedRevision) Revision() (Revision, bool) {
	return e.rev, e.kind == expectExact
}

// Matches reports whether a stream whose last event is at current (or which
// does not exist) satisfies the guard.
func (e ExpectedRevision) Matches(current Revision, exists bool) bool {
	switch e.kind {
	case expectNoStream:
		return !exists
	case expectExact:
		return exists && current == e.rev
	default:
		return true
	}
}

// NextRevision is the revision the first appended event receives, as implied
// by the guard. ok is false for Any, where only the log knows.
func (e ExpectedRevision) NextRevision() (Revision, bool) {
	switch e.kind {
	case expectNoStream:
		return 0, true
	case expectExact:
		return e.rev + 1, true
	default:
		return 0, false
	}
}

func (e ExpectedRevision) String() string {
	switch e.kind {
	case expectNoStream:
		return "no_stream"
	case expectExact:
		return fmt.Sprintf("exact(%d)", e.rev)
	default:
		return "any"
	}
}

func (e ExpectedRevision) SlogAttr() slog.Attr { return slog.String("expected", e.String()) }

// ConflictError builds the error an EventLog returns when a guard does not hold.
func ConflictError(stream string, expected ExpectedRevision, current Revision, exists bool) error {
	return fmt.Errorf(
		"%w: stream=%s expected=%s actual=%s",
		ErrConcurrencyConflict, stream, expected, revisionString(current, exists),
	)
}

// AppendResult describes a successful append.
type AppendResult struct {
	// NextExpectedRevision is the revision of the last appended event, the
	// value to pass as ExactRevision on the next append.
	NextExpectedRevision Revision
	// LastPosition is the global position of the last appended event.
	LastPosition uint64
}
