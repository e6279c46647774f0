package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIs(t *testing.T) {
	cause := errors.New("disk on fire")

	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("service user", "bot"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("username", "username is required"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "Conflict wraps ErrConflict",
			err:       Conflict("account", "bot@example.com"),
			target:    ErrConflict,
			wantMatch: true,
		},
		{
			name:      "ConcurrentUpdate wraps ErrConcurrentUpdate",
			err:       ConcurrentUpdate("refs/meta/config"),
			target:    ErrConcurrentUpdate,
			wantMatch: true,
		},
		{
			name:      "IO wraps its cause",
			err:       IO("reading ref", cause),
			target:    cause,
			wantMatch: true,
		},
		{
			name:      "Parse wraps ErrParse through fmt wrapping",
			err:       fmt.Errorf("loading registry: %w", Parse("registry", cause)),
			target:    ErrParse,
			wantMatch: true,
		},
		{
			name:      "Internal does not match ErrPolicyViolation",
			err:       Internal("internal error", cause),
			target:    ErrPolicyViolation,
			wantMatch: false,
		},
		{
			name:      "PolicyViolation does not match ErrInternal",
			err:       PolicyViolation("rejected"),
			target:    ErrInternal,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMatch, errors.Is(tt.err, tt.target))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("service user", "bot"),
			wantMessage: "service user not found with id bot",
		},
		{
			name:        "ConcurrentUpdate names the ref",
			err:         ConcurrentUpdate("refs/notes/serviceuser"),
			wantMessage: "refs/notes/serviceuser was updated concurrently",
		},
		{
			name:        "IO includes the cause",
			err:         IO("opening repository", errors.New("permission denied")),
			wantMessage: "opening repository: permission denied",
		},
		{
			name:        "Internal hides the cause",
			err:         Internal("internal error", errors.New("sql: database is closed")),
			wantMessage: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMessage, tt.err.Error())
		})
	}
}

func TestErrorsAs(t *testing.T) {
	err := fmt.Errorf("validating: %w", ValidationFailed("username", "username is blocked"))

	var appErr *AppError
	if assert.True(t, errors.As(err, &appErr)) {
		assert.Equal(t, "username", appErr.Field)
		assert.Equal(t, "username is blocked", appErr.Message)
	}
}
