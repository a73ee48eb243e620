// Package errors provides structured error types for nmtwizard.
//
// Errors carry a machine-readable code, a message, optional context and a
// retryable flag. Sentinel errors are exposed for errors.Is checks and every
// constructor sets the matching sentinel as the cause.
//
// Error code ranges:
// - 1xxx: Configuration errors
// - 2xxx: Corpus and ingestion errors
// - 3xxx: Pipeline and operator errors
// - 4xxx: Model storage errors
// - 5xxx: Translation backend errors
// - 6xxx: Serving request errors
// - 9xxx: General errors
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a machine-readable error identifier.
type ErrorCode string

// Configuration error codes (1xxx)
const (
	ErrCodeConfigInvalid    ErrorCode = "NMT_1001"
	ErrCodeConfigMissing    ErrorCode = "NMT_1002"
	ErrCodeConfigValidation ErrorCode = "NMT_1003"
)

// Corpus error codes (2xxx)
const (
	ErrCodeCorpusNotFound   ErrorCode = "NMT_2001"
	ErrCodeCorpusReadFailed ErrorCode = "NMT_2002"
	ErrCodeCorpusParse      ErrorCode = "NMT_2003"
	ErrCodeIngestTimeout    ErrorCode = "NMT_2004"
)

// Pipeline error codes (3xxx)
const (
	ErrCodeOperatorUnknown ErrorCode = "NMT_3001"
	ErrCodeOperatorConfig  ErrorCode = "NMT_3002"
	ErrCodeOperatorFailed  ErrorCode = "NMT_3003"
	ErrCodeOptionsRejected ErrorCode = "NMT_3004"
	ErrCodeVocabularyBuild ErrorCode = "NMT_3005"
	ErrCodeUnsupported     ErrorCode = "NMT_3006"
	ErrCodeWorkerFailed    ErrorCode = "NMT_3007"
)

// Storage error codes (4xxx)
const (
	ErrCodeModelNotFound      ErrorCode = "NMT_4001"
	ErrCodeStorageReadFailed  ErrorCode = "NMT_4002"
	ErrCodeStorageWriteFailed ErrorCode = "NMT_4003"
	ErrCodeModelConfigMissing ErrorCode = "NMT_4004"
)

// Backend error codes (5xxx)
const (
	ErrCodeBackendConnection  ErrorCode = "NMT_5001"
	ErrCodeBackendTimeout     ErrorCode = "NMT_5002"
	ErrCodeBackendProtocol    ErrorCode = "NMT_5003"
	ErrCodeBackendUnavailable ErrorCode = "NMT_5004"
)

// Request error codes (6xxx)
const (
	ErrCodeRequestInvalid   ErrorCode = "NMT_6001"
	ErrCodeModelUnloaded    ErrorCode = "NMT_6002"
	ErrCodeRequestTimeout   ErrorCode = "NMT_6003"
	ErrCodeRouteNotFound    ErrorCode = "NMT_6004"
	ErrCodeMethodNotAllowed ErrorCode = "NMT_6005"
)

// General error codes (9xxx)
const (
	ErrCodeUnknown ErrorCode = "NMT_9999"
)

// Sentinel errors for type checking with errors.Is()
var (
	// Configuration errors
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrConfigMissing    = errors.New("configuration not found")
	ErrConfigValidation = errors.New("configuration validation failed")

	// Corpus errors
	ErrCorpusNotFound   = errors.New("corpus not found")
	ErrCorpusReadFailed = errors.New("corpus read failed")
	ErrCorpusParse      = errors.New("input parsing failed")
	ErrIngestTimeout    = errors.New("ingestion timeout")

	// Pipeline errors
	ErrOperatorUnknown = errors.New("unknown operator")
	ErrOperatorConfig  = errors.New("invalid operator configuration")
	ErrOperatorFailed  = errors.New("operator failed")
	ErrOptionsRejected = errors.New("runtime options rejected")
	ErrVocabularyBuild = errors.New("vocabulary build failed")
	ErrUnsupported     = errors.New("unsupported")
	ErrWorkerFailed    = errors.New("worker failed")

	// Storage errors
	ErrModelNotFound      = errors.New("model not found")
	ErrStorageReadFailed  = errors.New("storage read failed")
	ErrStorageWriteFailed = errors.New("storage write failed")
	ErrModelConfigMissing = errors.New("model configuration not found")

	// Backend errors
	ErrBackendConnection  = errors.New("backend connection failed")
	ErrBackendTimeout     = errors.New("backend timeout")
	ErrBackendProtocol    = errors.New("backend protocol error")
	ErrBackendUnavailable = errors.New("backend unavailable")

	// Request errors
	ErrRequestInvalid   = errors.New("invalid request")
	ErrModelUnloaded    = errors.New("model is unloaded")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrRouteNotFound    = errors.New("route not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// NMTError is the base error type with structured information.
type NMTError struct {
	Code        ErrorCode
	Message     string
	Context     map[string]interface{}
	IsRetryable bool
	Cause       error
}

// Error implements the error interface.
func (e *NMTError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NMTError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error's cause.
func (e *NMTError) Is(target error) bool {
	if e.Cause != nil {
		return errors.Is(e.Cause, target)
	}
	return false
}

// WithContext adds context information to the error.
func (e *NMTError) WithContext(key string, value interface{}) *NMTError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ToMap converts the error to a map for structured logging.
func (e *NMTError) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"error_code":   string(e.Code),
		"message":      e.Message,
		"is_retryable": e.IsRetryable,
	}
	if e.Context != nil {
		m["context"] = e.Context
	}
	if e.Cause != nil {
		m["cause"] = e.Cause.Error()
	}
	return m
}

// NewNMTError creates a new NMTError.
func NewNMTError(code ErrorCode, message string, cause error) *NMTError {
	return &NMTError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func newError(code ErrorCode, sentinel error, retryable bool, message string, ctx map[string]interface{}) *NMTError {
	if ctx == nil {
		ctx = make(map[string]interface{})
	}
	return &NMTError{
		Code:        code,
		Message:     message,
		Cause:       sentinel,
		IsRetryable: retryable,
		Context:     ctx,
	}
}

// Configuration Error constructors

// NewConfigInvalidError creates a configuration invalid error.
func NewConfigInvalidError(message string, cause error) *NMTError {
	if cause == nil {
		cause = ErrConfigInvalid
	} else {
		cause = errors.Join(ErrConfigInvalid, cause)
	}
	return &NMTError{
		Code:    ErrCodeConfigInvalid,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewConfigMissingError creates a configuration missing error.
func NewConfigMissingError(path string) *NMTError {
	return newError(ErrCodeConfigMissing, ErrConfigMissing, false,
		fmt.Sprintf("configuration file not found: %s", path),
		map[string]interface{}{"path": path})
}

// NewConfigValidationError creates a configuration validation error.
func NewConfigValidationError(field string, value interface{}, reason string) *NMTError {
	return newError(ErrCodeConfigValidation, ErrConfigValidation, false,
		fmt.Sprintf("validation failed for '%s': %s", field, reason),
		map[string]interface{}{
			"field":  field,
			"value":  fmt.Sprintf("%v", value),
			"reason": reason,
		})
}

// Corpus Error constructors

// NewCorpusNotFoundError creates a corpus not found error.
func NewCorpusNotFoundError(path string) *NMTError {
	return newError(ErrCodeCorpusNotFound, ErrCorpusNotFound, false,
		fmt.Sprintf("corpus not found: %s", path),
		map[string]interface{}{"path": path})
}

// NewCorpusReadError creates a corpus read error.
func NewCorpusReadError(path string, cause error) *NMTError {
	return &NMTError{
		Code:    ErrCodeCorpusReadFailed,
		Message: fmt.Sprintf("failed to read corpus %s", path),
		Cause:   errors.Join(ErrCorpusReadFailed, cause),
		Context: map[string]interface{}{"path": path},
	}
}

// NewCorpusParseError creates an input parse error.
func NewCorpusParseError(line string, lineNumber int, reason string) *NMTError {
	truncated := line
	if len(line) > 200 {
		truncated = line[:200] + "..."
	}
	return newError(ErrCodeCorpusParse, ErrCorpusParse, false,
		fmt.Sprintf("failed to parse input line %d: %s", lineNumber, reason),
		map[string]interface{}{
			"line":        truncated,
			"line_number": lineNumber,
			"reason":      reason,
		})
}

// Pipeline Error constructors

// NewOperatorUnknownError creates an unknown operator error.
func NewOperatorUnknownError(op string) *NMTError {
	return newError(ErrCodeOperatorUnknown, ErrOperatorUnknown, false,
		fmt.Sprintf("Unknown operator '%s'", op),
		map[string]interface{}{"operator": op})
}

// NewOperatorConfigError creates an operator configuration error.
func NewOperatorConfigError(op string, reason string) *NMTError {
	return newError(ErrCodeOperatorConfig, ErrOperatorConfig, false,
		reason,
		map[string]interface{}{"operator": op})
}

// NewOperatorFailedError creates an operator execution error.
func NewOperatorFailedError(op string, cause error) *NMTError {
	return &NMTError{
		Code:    ErrCodeOperatorFailed,
		Message: fmt.Sprintf("operator %s failed", op),
		Cause:   errors.Join(ErrOperatorFailed, cause),
		Context: map[string]interface{}{"operator": op},
	}
}

// NewOptionsRejectedError creates an error for options sent to an operator that does not accept them.
func NewOptionsRejectedError(op string) *NMTError {
	return newError(ErrCodeOptionsRejected, ErrOptionsRejected, false,
		fmt.Sprintf("Operator %s does not accept runtime options", op),
		map[string]interface{}{"operator": op})
}

// NewVocabularyBuildError creates a vocabulary build error.
func NewVocabularyBuildError(reason string) *NMTError {
	return newError(ErrCodeVocabularyBuild, ErrVocabularyBuild, false, reason, nil)
}

// NewUnsupportedError creates an unsupported feature error.
func NewUnsupportedError(feature string) *NMTError {
	return newError(ErrCodeUnsupported, ErrUnsupported, false,
		fmt.Sprintf("%s is not supported", feature),
		map[string]interface{}{"feature": feature})
}

// NewWorkerFailedError wraps an error raised while a worker processed a batch.
func NewWorkerFailedError(corpus string, worker int, cause error) *NMTError {
	where := ""
	if corpus != "" {
		where = fmt.Sprintf("when processing file '%s' ", corpus)
	}
	return &NMTError{
		Code:    ErrCodeWorkerFailed,
		Message: fmt.Sprintf("An exception occurred %sin worker %d", where, worker),
		Cause:   errors.Join(ErrWorkerFailed, cause),
		Context: map[string]interface{}{
			"corpus": corpus,
			"worker": worker,
		},
	}
}

// Storage Error constructors

// NewModelNotFoundError creates a model not found error.
func NewModelNotFoundError(model string, storage string) *NMTError {
	return newError(ErrCodeModelNotFound, ErrModelNotFound, false,
		fmt.Sprintf("model '%s' not found in %s", model, storage),
		map[string]interface{}{
			"model":   model,
			"storage": storage,
		})
}

// NewModelConfigMissingError creates a missing model configuration error.
func NewModelConfigMissingError(path string) *NMTError {
	return newError(ErrCodeModelConfigMissing, ErrModelConfigMissing, false,
		fmt.Sprintf("model configuration not found: %s", path),
		map[string]interface{}{"path": path})
}

// NewStorageReadError creates a storage read error.
func NewStorageReadError(path string, reason string) *NMTError {
	return newError(ErrCodeStorageReadFailed, ErrStorageReadFailed, true,
		fmt.Sprintf("failed to read from storage: %s", reason),
		map[string]interface{}{
			"path":   path,
			"reason": reason,
		})
}

// NewStorageWriteError creates a storage write error.
func NewStorageWriteError(path string, reason string) *NMTError {
	return newError(ErrCodeStorageWriteFailed, ErrStorageWriteFailed, true,
		fmt.Sprintf("failed to write to storage: %s", reason),
		map[string]interface{}{
			"path":   path,
			"reason": reason,
		})
}

// Backend Error constructors

// NewBackendConnectionError creates a backend connection error.
func NewBackendConnectionError(address string, reason string) *NMTError {
	return newError(ErrCodeBackendConnection, ErrBackendConnection, true,
		fmt.Sprintf("failed to connect to %s: %s", address, reason),
		map[string]interface{}{
			"address": address,
			"reason":  reason,
		})
}

// NewBackendTimeoutError creates a backend timeout error.
func NewBackendTimeoutError(operation string, timeoutSeconds float64) *NMTError {
	return newError(ErrCodeBackendTimeout, ErrBackendTimeout, true,
		fmt.Sprintf("operation '%s' timed out after %.1fs", operation, timeoutSeconds),
		map[string]interface{}{
			"operation":       operation,
			"timeout_seconds": timeoutSeconds,
		})
}

// NewBackendProtocolError creates an error for malformed backend responses.
func NewBackendProtocolError(reason string) *NMTError {
	return newError(ErrCodeBackendProtocol, ErrBackendProtocol, false,
		fmt.Sprintf("unexpected backend response: %s", reason),
		map[string]interface{}{"reason": reason})
}

// NewBackendUnavailableError creates a backend unavailable error.
func NewBackendUnavailableError(address string, reason string) *NMTError {
	return newError(ErrCodeBackendUnavailable, ErrBackendUnavailable, true,
		fmt.Sprintf("backend %s is not available: %s", address, reason),
		map[string]interface{}{
			"address": address,
			"reason":  reason,
		})
}

// Request Error constructors

// NewRequestInvalidError creates an invalid request error.
func NewRequestInvalidError(reason string) *NMTError {
	return newError(ErrCodeRequestInvalid, ErrRequestInvalid, false, reason, nil)
}

// NewModelUnloadedError creates an error for requests sent while the model is unloaded.
func NewModelUnloadedError(model string) *NMTError {
	return newError(ErrCodeModelUnloaded, ErrModelUnloaded, true,
		fmt.Sprintf("model %s is unloaded", model),
		map[string]interface{}{"model": model})
}

// NewRequestTimeoutError creates a request timeout error.
func NewRequestTimeoutError(timeoutSeconds float64) *NMTError {
	return newError(ErrCodeRequestTimeout, ErrRequestTimeout, true,
		fmt.Sprintf("request timed out after %.1fs", timeoutSeconds),
		map[string]interface{}{"timeout_seconds": timeoutSeconds})
}

// NewRouteNotFoundError creates an error for requests to an unknown path.
func NewRouteNotFoundError(path string) *NMTError {
	return newError(ErrCodeRouteNotFound, ErrRouteNotFound, false,
		fmt.Sprintf("no route for %s", path),
		map[string]interface{}{"path": path})
}

// NewMethodNotAllowedError creates an error for a known path called with the wrong method.
func NewMethodNotAllowedError(method, path string) *NMTError {
	return newError(ErrCodeMethodNotAllowed, ErrMethodNotAllowed, false,
		fmt.Sprintf("method %s is not allowed for %s", method, path),
		map[string]interface{}{"method": method, "path": path})
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var nmtErr *NMTError
	if errors.As(err, &nmtErr) {
		return nmtErr.IsRetryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var nmtErr *NMTError
	if errors.As(err, &nmtErr) {
		return nmtErr.Code
	}
	return ErrCodeUnknown
}

// HTTPStatus maps an error to the HTTP status returned by the serving API.
func HTTPStatus(err error) int {
	switch GetErrorCode(err) {
	case ErrCodeRequestInvalid, ErrCodeConfigInvalid, ErrCodeConfigValidation,
		ErrCodeOptionsRejected, ErrCodeOperatorConfig, ErrCodeCorpusParse:
		return http.StatusBadRequest
	case ErrCodeModelNotFound, ErrCodeModelConfigMissing, ErrCodeRouteNotFound:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeModelUnloaded, ErrCodeBackendUnavailable, ErrCodeBackendConnection:
		return http.StatusServiceUnavailable
	case ErrCodeRequestTimeout, ErrCodeBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
