// Package errors_test provides tests for the nmtwizard error types.
package errors_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	nmterrors "nmtwizard/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	t.Run("error codes follow ranges", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(string(nmterrors.ErrCodeConfigInvalid), "NMT_1"))
		assert.True(t, strings.HasPrefix(string(nmterrors.ErrCodeCorpusNotFound), "NMT_2"))
		assert.True(t, strings.HasPrefix(string(nmterrors.ErrCodeOperatorUnknown), "NMT_3"))
		assert.True(t, strings.HasPrefix(string(nmterrors.ErrCodeModelNotFound), "NMT_4"))
		assert.True(t, strings.HasPrefix(string(nmterrors.ErrCodeBackendConnection), "NMT_5"))
		assert.True(t, strings.HasPrefix(string(nmterrors.ErrCodeRequestInvalid), "NMT_6"))
	})
}

func TestNMTError(t *testing.T) {
	t.Run("Error method formats correctly", func(t *testing.T) {
		err := nmterrors.NewNMTError(nmterrors.ErrCodeConfigInvalid, "test error", nil)
		assert.Equal(t, "[NMT_1001] test error", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		err := nmterrors.NewNMTError(nmterrors.ErrCodeConfigInvalid, "wrapped error", errors.New("original error"))
		assert.Equal(t, "[NMT_1001] wrapped error: original error", err.Error())
	})

	t.Run("WithContext adds context", func(t *testing.T) {
		err := nmterrors.NewNMTError(nmterrors.ErrCodeConfigInvalid, "test", nil).WithContext("key", "value")
		assert.Equal(t, "value", err.Context["key"])
	})

	t.Run("ToMap serializes correctly", func(t *testing.T) {
		err := nmterrors.NewNMTError(nmterrors.ErrCodeConfigInvalid, "test error", errors.New("boom"))
		err.IsRetryable = true

		m := err.ToMap()
		assert.Equal(t, "NMT_1001", m["error_code"])
		assert.Equal(t, "test error", m["message"])
		assert.Equal(t, true, m["is_retryable"])
		assert.Equal(t, "boom", m["cause"])
	})
}

func TestUnwrap(t *testing.T) {
	t.Run("errors.Is works with sentinel cause", func(t *testing.T) {
		err := nmterrors.NewConfigMissingError("/config.yaml")
		assert.ErrorIs(t, err, nmterrors.ErrConfigMissing)
	})

	t.Run("joined causes keep both sentinel and original", func(t *testing.T) {
		cause := errors.New("disk exploded")
		err := nmterrors.NewCorpusReadError("/data/train.en", cause)
		assert.ErrorIs(t, err, nmterrors.ErrCorpusReadFailed)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("errors.As works with NMTError", func(t *testing.T) {
		var err error = nmterrors.NewModelNotFoundError("ende", "/models")
		var nmtErr *nmterrors.NMTError
		require.True(t, errors.As(err, &nmtErr))
		assert.Equal(t, nmterrors.ErrCodeModelNotFound, nmtErr.Code)
	})
}

func TestConstructors(t *testing.T) {
	t.Run("config validation keeps field and reason", func(t *testing.T) {
		err := nmterrors.NewConfigValidationError("port", 70000, "must be < 65536")
		assert.Equal(t, "port", err.Context["field"])
		assert.Equal(t, "70000", err.Context["value"])
		assert.False(t, err.IsRetryable)
	})

	t.Run("config invalid wraps the cause", func(t *testing.T) {
		cause := errors.New("yaml: line 3")
		err := nmterrors.NewConfigInvalidError("failed to parse", cause)
		assert.ErrorIs(t, err, nmterrors.ErrConfigInvalid)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("parse error truncates long lines", func(t *testing.T) {
		err := nmterrors.NewCorpusParseError(strings.Repeat("x", 500), 100, "invalid format")
		assert.Len(t, err.Context["line"].(string), 203)
		assert.Equal(t, 100, err.Context["line_number"])
	})

	t.Run("unknown operator message", func(t *testing.T) {
		err := nmterrors.NewOperatorUnknownError("bpe")
		assert.Contains(t, err.Error(), "Unknown operator 'bpe'")
	})

	t.Run("options rejected message", func(t *testing.T) {
		err := nmterrors.NewOptionsRejectedError("tokenization_0")
		assert.Contains(t, err.Error(), "Operator tokenization_0 does not accept runtime options")
	})

	t.Run("worker failure names corpus and worker", func(t *testing.T) {
		err := nmterrors.NewWorkerFailedError("europarl", 3, errors.New("bad tu"))
		assert.Contains(t, err.Error(), "when processing file 'europarl' in worker 3")
		assert.ErrorIs(t, err, nmterrors.ErrWorkerFailed)
	})

	t.Run("backend errors are retryable", func(t *testing.T) {
		assert.True(t, nmterrors.NewBackendConnectionError("localhost:9000", "refused").IsRetryable)
		assert.True(t, nmterrors.NewBackendTimeoutError("translate", 30).IsRetryable)
		assert.False(t, nmterrors.NewBackendProtocolError("bad shape").IsRetryable)
	})
}

func TestHelperFunctions(t *testing.T) {
	t.Run("IsRetryableError", func(t *testing.T) {
		assert.True(t, nmterrors.IsRetryableError(nmterrors.NewStorageReadError("s3://b/k", "reset")))
		assert.False(t, nmterrors.IsRetryableError(nmterrors.NewCorpusNotFoundError("/missing")))
		assert.False(t, nmterrors.IsRetryableError(errors.New("regular error")))
	})

	t.Run("GetErrorCode", func(t *testing.T) {
		assert.Equal(t, nmterrors.ErrCodeConfigMissing, nmterrors.GetErrorCode(nmterrors.NewConfigMissingError("/c")))
		assert.Equal(t, nmterrors.ErrCodeUnknown, nmterrors.GetErrorCode(errors.New("regular error")))
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", nmterrors.NewRequestInvalidError("missing src"), http.StatusBadRequest},
		{"rejected options", nmterrors.NewOptionsRejectedError("op"), http.StatusBadRequest},
		{"model not found", nmterrors.NewModelNotFoundError("m", "/s"), http.StatusNotFound},
		{"unloaded", nmterrors.NewModelUnloadedError("m"), http.StatusServiceUnavailable},
		{"timeout", nmterrors.NewRequestTimeoutError(5), http.StatusGatewayTimeout},
		{"unknown route", nmterrors.NewRouteNotFoundError("/missing"), http.StatusNotFound},
		{"wrong method", nmterrors.NewMethodNotAllowedError(http.MethodGet, "/translate"), http.StatusMethodNotAllowed},
		{"backend timeout", nmterrors.NewBackendTimeoutError("translate", 5), http.StatusGatewayTimeout},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nmterrors.HTTPStatus(tt.err))
		})
	}
}
