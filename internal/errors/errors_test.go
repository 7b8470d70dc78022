package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorCodes(t *testing.T) {
	tests := []struct {
		err  *AppError
		code string
	}{
		{NewValidationError("bad", nil), "VALIDATION_ERROR"},
		{NewNotFoundError("missing", nil), "NOT_FOUND"},
		{NewCollaboratorError("timeout", nil), "COLLABORATOR_FAILURE"},
		{NewConfigurationError("syntax", nil), "CONFIGURATION_ERROR"},
		{NewAppError(ErrorType("odd"), "x", nil), "UNKNOWN_ERROR"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
	}
}

func TestWrapErrorKeepsType(t *testing.T) {
	base := errors.New("disk full")
	inner := NewNotFoundError("campaign c1", base).WithDetails([]string{"x"})

	wrapped := WrapError(fmt.Errorf("load: %w", inner), "get campaign", ErrorTypeError)

	assert.True(t, IsNotFoundError(wrapped))
	assert.ErrorIs(t, wrapped, base)
	var appErr *AppError
	assert.ErrorAs(t, wrapped, &appErr)
	assert.Equal(t, []string{"x"}, appErr.Details)
	assert.Contains(t, wrapped.Error(), "get campaign: campaign c1")
}

func TestWrapErrorPlain(t *testing.T) {
	assert.Nil(t, WrapError(nil, "noop", ErrorTypeError))

	wrapped := WrapError(errors.New("boom"), "evaluate", ErrorTypeCollaborator)
	assert.True(t, IsCollaboratorError(wrapped))
	assert.False(t, IsValidationError(wrapped))

	kind, ok := TypeOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, ErrorTypeCollaborator, kind)

	_, ok = TypeOf(errors.New("plain"))
	assert.False(t, ok)
}
