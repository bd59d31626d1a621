package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewBadRequest("body is malformed", fmt.Errorf("unexpected EOF"))
	assert.Equal(t, "BAD_REQUEST: body is malformed: unexpected EOF", err.Error())

	bare := NewNotFound("service not found")
	assert.Equal(t, "NOT_FOUND: service not found", bare.Error())
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("socket closed")
	err := NewInternal(CodeInternal, "probe failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestAsErrorThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := NewUnauthorized("session expired")
	wrapped := fmt.Errorf("auth check: %w", inner)

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeUnauthorized, e.Code)
	assert.Equal(t, http.StatusUnauthorized, e.Status)
}

func TestCodeAndStatusFallBackToInternal(t *testing.T) {
	t.Parallel()

	plain := fmt.Errorf("boom")
	assert.Equal(t, CodeInternal, Code(plain))
	assert.Equal(t, http.StatusInternalServerError, Status(plain))
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         *Error
		wantCode    string
		wantStatus  int
		recoverable bool
	}{
		{"bad request", NewBadRequest("x", nil), CodeBadRequest, http.StatusBadRequest, true},
		{"unauthorized", NewUnauthorized("x"), CodeUnauthorized, http.StatusUnauthorized, true},
		{"forbidden", NewForbidden(CodeOriginMismatch, "x"), CodeOriginMismatch, http.StatusForbidden, false},
		{"not found", NewNotFound("x"), CodeNotFound, http.StatusNotFound, true},
		{"conflict", NewConflict(CodeBusy, "x"), CodeBusy, http.StatusConflict, true},
		{"unprocessable", NewUnprocessable("x"), CodeUnprocessable, http.StatusUnprocessableEntity, true},
		{"unavailable", NewUnavailable(CodeNotReady, "x"), CodeNotReady, http.StatusServiceUnavailable, true},
		{"internal", NewInternal(CodeSpawnFailed, "x", nil), CodeSpawnFailed, http.StatusInternalServerError, false},
		{"rate limited", NewRateLimited("x"), CodeRateLimit, http.StatusTooManyRequests, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantStatus, tt.err.Status)
			assert.Equal(t, tt.recoverable, tt.err.Recoverable)
		})
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNotFound(NewNotFound("x")))
	assert.False(t, IsNotFound(NewUnauthorized("x")))
	assert.True(t, IsUnauthorized(NewUnauthorized("x")))
	assert.True(t, IsBusy(NewConflict(CodeBusy, "x")))
	assert.False(t, IsBusy(NewConflict(CodeExpired, "x")))
}

func TestWithMeta(t *testing.T) {
	t.Parallel()

	err := NewBadRequest("x", nil).WithMeta(map[string]any{"field": "port"})
	assert.Equal(t, map[string]any{"field": "port"}, err.Meta)
}
