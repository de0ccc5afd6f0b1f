// Package errors provides standardized error handling for the voice command pipeline.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Confidence gates
	ErrCodeLowConfidence       ErrorCode = "LOW_CONFIDENCE"
	ErrCodeClarificationNeeded ErrorCode = "CLARIFICATION_NEEDED"

	// Rate limiting (local budgets, not provider-side)
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// Provider call failures
	ErrCodeProviderTimeout       ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderQuotaExceeded ErrorCode = "PROVIDER_QUOTA_EXCEEDED"
	ErrCodeProviderAuthFailed    ErrorCode = "PROVIDER_AUTH_FAILED"
	ErrCodeTransientNetwork      ErrorCode = "TRANSIENT_NETWORK_ERROR"
	ErrCodeInvalidResponse       ErrorCode = "INVALID_PROVIDER_RESPONSE"

	// Execution path
	ErrCodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrCodeStorageExecution   ErrorCode = "STORAGE_EXECUTION_FAILED"

	// Run lifecycle
	ErrCodeCancelled ErrorCode = "CANCELLED"
	ErrCodeTimedOut  ErrorCode = "RUN_TIMED_OUT"
)

// PipelineError represents a structured pipeline error.
type PipelineError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	// RetryAfter is set on RATE_LIMITED errors: how long the caller
	// should wait before the denied budget window frees up.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`

	cause error
}

func (e *PipelineError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("PipelineError[%s]: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("PipelineError[%s]: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.cause
}

// ==========================
// Error Constructors
// ==========================

// NewLowConfidenceError is surfaced when the transcript confidence gate fails.
func NewLowConfidenceError(confidence, threshold float64) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeLowConfidence,
		Message:   "Transcription confidence below threshold",
		Details:   fmt.Sprintf("confidence: %.2f, threshold: %.2f", confidence, threshold),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewClarificationNeededError is surfaced when the intent confidence gate fails.
// The clarification prompt travels in Metadata so the orchestrator can synthesize it.
func NewClarificationNeededError(confidence, threshold float64, prompt string) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeClarificationNeeded,
		Message:   "Intent confidence below threshold",
		Details:   fmt.Sprintf("confidence: %.2f, threshold: %.2f", confidence, threshold),
		Retryable: false,
		Metadata:  map[string]interface{}{"clarification": prompt},
		Timestamp: time.Now().UTC(),
	}
}

// NewRateLimitedError is surfaced when the tenant's own budget is exhausted.
func NewRateLimitedError(retryAfter time.Duration) *PipelineError {
	return &PipelineError{
		Code:       ErrCodeRateLimited,
		Message:    "Tenant voice command budget exhausted",
		Details:    fmt.Sprintf("retry after %s", retryAfter),
		Retryable:  false,
		RetryAfter: retryAfter,
		Timestamp:  time.Now().UTC(),
	}
}

// NewProviderTimeoutError creates a retryable provider timeout error.
func NewProviderTimeoutError(provider, service string) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeProviderTimeout,
		Message:   "Provider call exceeded deadline",
		Details:   fmt.Sprintf("provider: %s, service: %s", provider, service),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderQuotaExceededError creates a provider-side quota error. Not
// retryable: quota state lives with the provider and a repeat call cannot
// clear it. Local fallback happens only on our own limiter's denials,
// before the call leaves the adapter.
func NewProviderQuotaExceededError(provider, service string) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeProviderQuotaExceeded,
		Message:   "Provider-side quota exceeded",
		Details:   fmt.Sprintf("provider: %s, service: %s", provider, service),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderAuthFailedError creates a non-retryable authentication error.
func NewProviderAuthFailedError(provider string) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeProviderAuthFailed,
		Message:   "Provider authentication failed",
		Details:   fmt.Sprintf("provider: %s", provider),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTransientNetworkError creates a retryable network error.
func NewTransientNetworkError(provider string, err error) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeTransientNetwork,
		Message:   "Transient network error during provider call",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewInvalidResponseError creates a non-retryable malformed response error.
func NewInvalidResponseError(provider string, err error) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeInvalidResponse,
		Message:   "Provider returned an invalid response",
		Details:   fmt.Sprintf("provider: %s, error: %s", provider, err.Error()),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewNetworkUnavailableError marks the execution path as offline.
// Not an error in the usual sense: the orchestrator queues the write instead.
func NewNetworkUnavailableError() *PipelineError {
	return &PipelineError{
		Code:      ErrCodeNetworkUnavailable,
		Message:   "No network connectivity, deferring write",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStorageExecutionError wraps a storage collaborator rejection verbatim.
// Business-rule rejections are never retried by the pipeline.
func NewStorageExecutionError(err error) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeStorageExecution,
		Message:   "Storage collaborator rejected the command",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewCancelledError marks a user- or system-initiated cancellation.
func NewCancelledError() *PipelineError {
	return &PipelineError{
		Code:      ErrCodeCancelled,
		Message:   "Run cancelled",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTimedOutError marks an abandoned run.
func NewTimedOutError(stage string) *PipelineError {
	return &PipelineError{
		Code:      ErrCodeTimedOut,
		Message:   "Run exceeded deadline",
		Details:   fmt.Sprintf("stage: %s", stage),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// Utility Functions
// ==========================

// CodeOf extracts the error code, or empty string for foreign errors.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given pipeline error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the orchestrator may re-invoke the failed stage.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// RetryAfterOf returns the rate-limit wait hint, or zero for other errors.
func RetryAfterOf(err error) time.Duration {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ClarificationOf returns the parser-supplied clarification prompt, if any.
func ClarificationOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Metadata != nil {
		if s, ok := pe.Metadata["clarification"].(string); ok {
			return s
		}
	}
	return ""
}
