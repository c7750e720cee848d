package es

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpectedRevision_Matches(t *testing.T) {
	for _, tc := range []struct {
		expected ExpectedRevision
		current  Revision
		exists   bool
		want     bool
	}{
		{AnyRevision(), 0, false, true},
		{AnyRevision(), 7, true, true},
		{ExpectedRevision{}, 3, true, true},
		{NoStream(), 0, false, true},
		{NoStream(), 0, true, false},
		{ExactRevision(0), 0, false, false},
		{ExactRevision(0), 0, true, true},
		{ExactRevision(4), 5, true, false},
		{ExactRevision(5), 5, true, true},
	} {
		t.Run(fmt.Sprintf("%s/%d/%v", tc.expected, tc.current, tc.exists), func(t *testing.T) {
			require.Equal(t, tc.want, tc.expected.Matches(tc.current, tc.exists))
		})
	}
}

func TestExpectedRevision_NextRevision(t *testing.T) {
	next, ok := NoStream().NextRevision()
	require.True(t, ok)
	require.Equal(t, Revision(0), next)

	next, ok = ExactRevision(9).NextRevision()
	require.True(t, ok)
	require.Equal(t, Revision(10), next)

	_, ok = AnyRevision().NextRevision()
	require.False(t, ok)

	rev, ok := ExactRevision(3).Revision()
	require.True(t, ok)
	require.Equal(t, Revision(3), rev)
	require.Equal(t, "exact(3)", ExactRevision(3).String())
	require.Equal(t, "no_stream", NoStream().String())
	require.Equal(t, "any", ExpectedRevision{}.String())
}

func TestConflictError(t *testing.T) {
	err := ConflictError("order-1", ExactRevision(1), 4, true)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Contains(t, err.Error(), "expected=exact(1) actual=4")

	err = ConflictError("order-1", ExactRevision(1), 0, false)
	require.Contains(t, err.Error(), "actual=no_stream")
}

type codedErr struct{}

func (codedErr) Error() string { return "out of stock" }
func (codedErr) Code() string  { return "OUT_OF_STOCK" }

func TestErrorCode(t *testing.T) {
	require.Equal(t, "", ErrorCode(nil))
	require.Equal(t, CodeStreamNotFound, ErrorCode(fmt.Errorf("x: %w", ErrStreamNotFound)))
	require.Equal(t, CodeFailedToAppendEvent, ErrorCode(fmt.Errorf("%w: %w", ErrFailedToAppendEvent, ErrConcurrencyConflict)))
	require.Equal(t, CodeFailedToAppendEvent, ErrorCode(fmt.Errorf("%w: io", ErrFailedToAppendEvent)))
	require.Equal(t, CodeFailedToAppendEvent, ErrorCode(ErrConcurrencyConflict))
	require.Equal(t, CodeDomainRuleViolation, ErrorCode(fmt.Errorf("%w: %w", ErrDomainRuleViolation, errors.New("nope"))))
	require.Equal(t, "OUT_OF_STOCK", ErrorCode(fmt.Errorf("%w: %w", ErrDomainRuleViolation, codedErr{})))
	require.Equal(t, CodeTimeout, ErrorCode(context.DeadlineExceeded))
	require.Equal(t, CodeCanceled, ErrorCode(context.Canceled))
	require.Equal(t, CodeUnknown, ErrorCode(errors.New("boom")))
}
