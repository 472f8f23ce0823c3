package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError_Error(t *testing.T) {
	// Test error without cause
	err := New(ErrorTypeValidation, "register", "bad service type")
	assert.Equal(t, "[validation] register: bad service type", err.Error())

	// Test error with cause
	cause := errors.New("connection refused")
	wrapped := Wrap(cause, ErrorTypeNetwork, "fetch", "peer 10.0.0.5:5121")
	assert.Contains(t, wrapped.Error(), "[network] fetch: peer 10.0.0.5:5121")
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeRegistration, "register", "name taken")
	err = err.WithContext("peer", "10.0.0.5:5121").WithContext("name", "svc1._http._tcp.local.")

	assert.Equal(t, "10.0.0.5:5121", err.Context["peer"])
	assert.Equal(t, "svc1._http._tcp.local.", err.Context["name"])
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, ErrorTypeCodec, NewCodecError("op", "msg").Type)
	assert.Equal(t, ErrorTypeConfiguration, TypeOf(WrapConfigurationError(errors.New("bad"), "op", "msg")))
}

func TestErrorWrapping(t *testing.T) {
	originalErr := errors.New("original error")

	wrapped := WrapCodecError(originalErr, "decode", "corrupt snapshot")
	var se *StructuredError
	require.ErrorAs(t, wrapped, &se)
	assert.Equal(t, ErrorTypeCodec, se.Type)
	assert.Equal(t, "decode", se.Operation)
	assert.Equal(t, "corrupt snapshot", se.Message)
	assert.Equal(t, originalErr, se.Unwrap())

	// Wrap must return an untyped nil so callers can compare against nil
	assert.Nil(t, Wrap(nil, ErrorTypeNetwork, "op", "msg"))
	assert.NoError(t, WrapTimeoutError(nil, "op", "msg"))
}

func TestTypeOf(t *testing.T) {
	base := WrapNetworkError(errors.New("reset"), "fetch", "peer")
	outer := fmt.Errorf("cycle: %w", base)

	assert.Equal(t, ErrorTypeNetwork, TypeOf(base))
	assert.Equal(t, ErrorTypeNetwork, TypeOf(outer))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
	assert.Equal(t, ErrorType(""), TypeOf(nil))
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrorTypeValidation, "test", "message")
	assert.Greater(t, len(err.Stack), 0)
}
