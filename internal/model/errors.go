package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed. It drives the
// adapters' retry decisions.
type FailureReason string

const (
	// ReasonBilling indicates payment/quota issues (HTTP 402).
	ReasonBilling FailureReason = "billing"

	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit FailureReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth FailureReason = "auth"

	// ReasonTimeout indicates a request timeout (HTTP 408 or deadline).
	ReasonTimeout FailureReason = "timeout"

	// ReasonConflict indicates a transient conflict (HTTP 409).
	ReasonConflict FailureReason = "conflict"

	// ReasonServerError indicates server-side issues (HTTP 5xx).
	ReasonServerError FailureReason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400).
	ReasonInvalidRequest FailureReason = "invalid_request"

	// ReasonModelUnavailable indicates the model is not available.
	ReasonModelUnavailable FailureReason = "model_unavailable"

	// ReasonContentFilter indicates content blocked by safety filters.
	ReasonContentFilter FailureReason = "content_filter"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown FailureReason = "unknown"
)

// IsRetryable reports whether retrying may succeed. Covers the standard
// retryable statuses: 408, 409, 429 and 5xx.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonConflict, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider. It captures the
// context needed for retry decisions and debugging.
type ProviderError struct {
	Reason    FailureReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause in a ProviderError, classifying it from the
// error text when no status is known yet.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode records a provider-specific error code and reclassifies when the
// code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error's text and returns a FailureReason.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") ||
		strings.Contains(errStr, "408") {
		return ReasonTimeout
	}
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "resource exhausted") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimit
	}
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "402") {
		return ReasonBilling
	}
	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") {
		return ReasonContentFilter
	}
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") {
		return ReasonModelUnavailable
	}
	if strings.Contains(errStr, "conflict") ||
		strings.Contains(errStr, "409") {
		return ReasonConflict
	}
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusConflict:
		return ReasonConflict
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "overloaded_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	case "timeout_error":
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether an error should be retried.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
