package unifiedllm

import (
	"errors"
	"fmt"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // seconds, from a Retry-After header when present
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

func (e *ProviderError) retryable() bool { return e.Retryable }

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

func (e *AuthenticationError) retryable() bool { return false }
func (e *AccessDeniedError) retryable() bool   { return false }
func (e *NotFoundError) retryable() bool       { return false }
func (e *InvalidRequestError) retryable() bool { return false }
func (e *ContentFilterError) retryable() bool  { return false }
func (e *ContextLengthError) retryable() bool  { return false }
func (e *QuotaExceededError) retryable() bool  { return false }
func (e *RateLimitError) retryable() bool      { return true }
func (e *ServerError) retryable() bool         { return true }

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type StreamErrorType struct{ SDKError }
type ConfigurationError struct{ SDKError }

func (e *RequestTimeoutError) retryable() bool { return true }
func (e *AbortError) retryable() bool          { return false }
func (e *NetworkError) retryable() bool        { return true }
func (e *StreamErrorType) retryable() bool     { return true }
func (e *ConfigurationError) retryable() bool  { return false }

// InvalidToolCallError reports a model response whose tool-call syntax could
// not be parsed. It is a protocol error, not a transport error: retrying the
// identical request will not help, the conversation has to change.
type InvalidToolCallError struct {
	SDKError
	ToolName string
	Raw      string
}

func (e *InvalidToolCallError) retryable() bool { return false }

type retryClassifier interface {
	retryable() bool
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is safe to retry. Wrapped errors are
// classified by the innermost typed error; unknown errors default to
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rc retryClassifier
	if errors.As(err, &rc) {
		return rc.retryable()
	}
	return true
}

// IsProtocolError reports whether err means the model produced output the
// runtime could not interpret.
func IsProtocolError(err error) bool {
	var itc *InvalidToolCallError
	return errors.As(err, &itc)
}
