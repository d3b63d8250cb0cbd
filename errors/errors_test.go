package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped transient", WrapTransient(errors.New("boom"), "Store", "Get", "fetch"), true},
		{"wrapped invalid", WrapInvalid(errors.New("boom"), "Store", "Get", "fetch"), false},
		{"invalid data", ErrInvalidData, false},
		{"pattern match", errors.New("dial tcp: i/o timeout"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidEnvelope))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("bad"), "Envelope", "Parse", "decode")))
	assert.False(t, IsInvalid(ErrConnectionTimeout))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(errors.New("broken"), "Manager", "Finalize", "confirm")))
	assert.False(t, IsFatal(ErrInvalidData))
	assert.False(t, IsFatal(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionTimeout))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidData))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	// Unknown errors default to transient so a redelivery gets a chance
	assert.Equal(t, ErrorTransient, Classify(errors.New("mystery")))
}

func TestWrap_Format(t *testing.T) {
	base := errors.New("no such key")
	err := Wrap(base, "SchemaRegistry", "Get", "lookup")
	require.Error(t, err)
	assert.Equal(t, "SchemaRegistry.Get: lookup failed: no such key", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestWrap_PreservesClassThroughChain(t *testing.T) {
	inner := WrapTransient(ErrStorageUnavailable, "KV", "Put", "write")
	outer := Wrap(inner, "ResourceStore", "Create", "insert")

	assert.True(t, IsTransient(outer))

	var ce *ClassifiedError
	require.True(t, errors.As(outer, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "KV", ce.Component)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}

func TestAuthError(t *testing.T) {
	err := NewAuthError(http.StatusUnauthorized, "abc123", "token expired")

	var ae *AuthError
	require.True(t, errors.As(error(err), &ae))
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
	assert.Contains(t, ae.Error(), "token expired")
}

func TestShapeError_Status(t *testing.T) {
	err := &ShapeError{Violations: []string{"id: required"}}
	assert.Equal(t, http.StatusBadRequest, err.Status())
	assert.Contains(t, err.Error(), "id: required")

	empty := &ShapeError{}
	assert.Contains(t, empty.Error(), "envelope schema")
}

func TestNoRouteError(t *testing.T) {
	err := &NoRouteError{Domain: "telemetry"}
	assert.Contains(t, err.Error(), `"telemetry"`)
}

func TestStorageError_Retryable(t *testing.T) {
	clean := &StorageError{Op: "resource.create", Err: errors.New("conn reset")}
	assert.True(t, clean.Retryable())

	partial := &StorageError{Op: "resource.finalize", Partial: true, Err: errors.New("blob write")}
	assert.False(t, partial.Retryable())
	assert.Contains(t, partial.Error(), "partial mutation")

	// Unwrap reaches the backend error
	wrapped := fmt.Errorf("manager: %w", partial)
	var se *StorageError
	require.True(t, errors.As(wrapped, &se))
	assert.True(t, se.Partial)
}

func TestCollisionError(t *testing.T) {
	err := &CollisionError{Table: "resources", Key: "r-1"}
	assert.Contains(t, err.Error(), "resources")
	assert.Contains(t, err.Error(), "r-1")
}
