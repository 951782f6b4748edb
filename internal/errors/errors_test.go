package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("outer: %w", Wrap(CodeStorageFailure, cause, "save checkpoint"))

	require.True(t, HasCode(err, CodeStorageFailure))
	assert.Equal(t, CodeStorageFailure, CodeOf(err))
	assert.True(t, RetryableError(err))
	assert.True(t, stdErrors.Is(err, cause))
	assert.Contains(t, err.Error(), "[STORAGE_FAILURE] save checkpoint: dial tcp: refused")
}

func TestIsComparesCodes(t *testing.T) {
	sentinel := New(CodeNotFound, "conversation not found")
	other := New(CodeNotFound, "different message")

	assert.True(t, stdErrors.Is(other, sentinel))
	assert.False(t, stdErrors.Is(New(CodeConflict, ""), sentinel))
}

func TestOptionsOverrideRegisteredAttributes(t *testing.T) {
	const code Code = "TEST_OVERRIDE"
	Register(code, Attributes{Message: "default", Severity: SeverityInfo, Retryable: true})

	err := New(code, "", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical), WithMetadata("tool", "purchase_product"))

	assert.Equal(t, "default", err.Message())
	assert.False(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.Equal(t, SeverityCritical, err.Severity())
	assert.Equal(t, map[string]string{"tool": "purchase_product"}, err.Metadata())
}

func TestUnknownCodeFallsBack(t *testing.T) {
	err := New("NEVER_REGISTERED", "boom")
	assert.Equal(t, SeverityCritical, err.Severity())
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
	assert.False(t, HasCode(nil, CodeUnknown))
}

func TestHTTPStatusOf(t *testing.T) {
	const code Code = "TEST_GONE"
	Register(code, Attributes{Message: "gone", Severity: SeverityInfo, HTTPStatus: 410})

	assert.Equal(t, 410, HTTPStatusOf(fmt.Errorf("wrapped: %w", New(code, ""))))
	assert.Equal(t, 400, HTTPStatusOf(New(CodeInvalidArgument, "bad")))
	assert.Equal(t, 500, HTTPStatusOf(New(CodeStorageFailure, "db down")))
	assert.Equal(t, 500, HTTPStatusOf(stdErrors.New("plain")))
}
