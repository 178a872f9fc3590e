package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/internal/apperr"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := apperr.ErrAlreadyReleased.WithMessage("milestone m1")
	require.True(t, errors.Is(err, apperr.ErrAlreadyReleased))
	require.False(t, errors.Is(err, apperr.ErrStaleVerdict))

	wrapped := fmt.Errorf("release: %w", err)
	require.True(t, errors.Is(wrapped, apperr.ErrAlreadyReleased))
	assert.Equal(t, apperr.ClassConflict, apperr.ClassOf(wrapped))
	assert.Equal(t, "E_ALREADY_RELEASED", apperr.CodeOf(wrapped))
}

func TestError_WithMessageDoesNotMutateBase(t *testing.T) {
	err := apperr.ErrNotFound.WithMessagef("milestone %s", "m1")
	assert.Equal(t, "E_NOT_FOUND: milestone m1", err.Error())
	assert.Empty(t, apperr.ErrNotFound.Message)
}

func TestError_WrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := apperr.ErrStorageFailed.Wrap(cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, apperr.ErrStorageFailed)
	assert.True(t, apperr.IsRetryable(err))
}

func TestError_HTTPStatus(t *testing.T) {
	cases := []struct {
		err  *apperr.Error
		want int
	}{
		{apperr.ErrInvalidInput, http.StatusBadRequest},
		{apperr.ErrIncompleteSubmission, http.StatusUnprocessableEntity},
		{apperr.ErrBudgetMismatch, http.StatusUnprocessableEntity},
		{apperr.ErrSubmissionInFlight, http.StatusConflict},
		{apperr.ErrTemporarilyUnavailable, http.StatusServiceUnavailable},
		{apperr.ErrLedgerGap, http.StatusInternalServerError},
		{apperr.ErrUnauthenticated, http.StatusUnauthorized},
		{apperr.ErrForbidden, http.StatusForbidden},
		{apperr.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.err.Code, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.HTTPStatus())
		})
	}
}

func TestClassification(t *testing.T) {
	assert.True(t, apperr.IsBenign(apperr.ErrStaleVerdict))
	assert.True(t, apperr.IsBenign(apperr.ErrAlreadyReleased))
	assert.False(t, apperr.IsBenign(apperr.ErrInvalidTransition))

	assert.True(t, apperr.IsInvariant(apperr.ErrLedgerTampered))
	assert.False(t, apperr.IsInvariant(apperr.ErrMilestoneOnHold))

	plain := errors.New("boom")
	assert.Equal(t, apperr.ClassInternal, apperr.ClassOf(plain))
	assert.Equal(t, "E_INTERNAL", apperr.CodeOf(plain))
	assert.False(t, apperr.IsRetryable(plain))
}
