package es

import (
	"context"
	"errors"
)

var (
	ErrStreamNotFound          = errors.New("stream not found")
	ErrNoSnapshotFound         = errors.New("no snapshot found")
	ErrFailedToAppendEvent     = errors.New("failed to append event")
	ErrFailedToAppendSnapshot  = errors.New("failed to append snapshot")
	ErrFailedToStoreCheckpoint = errors.New("failed to store checkpoint")
	ErrConcurrencyConflict     = errors.New("concurrency conflict")
	ErrUnknownEventType        = errors.New("unknown event type")
	ErrInvalidEvent            = errors.New("invalid event")
	ErrNoEvents                = errors.New("no events")
	ErrDomainRuleViolation     = errors.New("domain rule violation")
	ErrSubscriptionStarted     = errors.New("subscription already started")
	ErrSubscriptionFaulted     = errors.New("subscription gave up after repeated faults")
)

// Stable error codes, safe to hand to callers outside the process.
const (
	CodeOK                      = "OK"
	CodeStreamNotFound          = "STREAM_NOT_FOUND"
	CodeNoSnapshotFound         = "NO_SNAPSHOT_FOUND"
	CodeFailedToAppendEvent     = "FAILED_TO_APPEND_EVENT"
	CodeFailedToAppendSnapshot  = "FAILED_TO_APPEND_SNAPSHOT"
	CodeFailedToStoreCheckpoint = "FAILED_TO_STORE_CHECKPOINT"
	CodeUnknownEventType        = "UNKNOWN_EVENT_TYPE"
	CodeInvalidEvent            = "INVALID_EVENT"
	CodeNoEvents                = "NO_EVENTS"
	CodeDomainRuleViolation     = "DOMAIN_RULE_VIOLATION"
	CodeSubscriptionFaulted     = "SUBSCRIPTION_FAULTED"
	CodeTimeout                 = "TIMEOUT"
	CodeCanceled                = "CANCELED"
	CodeUnknown                 = "UNKNOWN"
)

// Coder is implemented by domain errors that carry their own code.
type Coder interface {
	Code() string
}

var codes = []struct {
	err  error
	code string
}{
	{ErrStreamNotFound, CodeStreamNotFound},
	{ErrNoSnapshotFound, CodeNoSnapshotFound},
	{ErrFailedToAppendSnapshot, CodeFailedToAppendSnapshot},
	{ErrFailedToStoreCheckpoint, CodeFailedToStoreCheckpoint},
	{ErrNoEvents, CodeNoEvents},
	{ErrUnknownEventType, CodeUnknownEventType},
	{ErrInvalidEvent, CodeInvalidEvent},
	{ErrConcurrencyConflict, CodeFailedToAppendEvent},
	{ErrFailedToAppendEvent, CodeFailedToAppendEvent},
	{ErrSubscriptionFaulted, CodeSubscriptionFaulted},
}

// ErrorCode maps err to its stable code. The most specific sentinel of this
// package wins, then a code carried by a domain error, then the generic
// domain code.
// A nil error has the empty code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	var coder Coder
	if errors.As(err, &coder) {
		return coder.Code()
	}
	switch {
	case errors.Is(err, ErrDomainRuleViolation):
		return CodeDomainRuleViolation
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeUnknown
}

// IsConflict reports whether err stems from a failed concurrency guard. Its
// code is FAILED_TO_APPEND_EVENT like any other failed append.
func IsConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }
