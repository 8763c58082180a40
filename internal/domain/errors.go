package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels. Typed dispatch errors below wrap one of these so callers
// can branch with errors.Is without knowing the concrete type.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the dispatch engine.
var (
	ErrUnsafeTemplate     = fmt.Errorf("unsafe template")
	ErrQuotaExceeded      = fmt.Errorf("dispatch quota exceeded")
	ErrCircuitOpen        = fmt.Errorf("circuit open")
	ErrTransient          = fmt.Errorf("transient delegation failure")
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")
	ErrCapabilityNotFound = fmt.Errorf("capability not found")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrCacheStore         = fmt.Errorf("result cache operation failed")
	ErrSinkWrite          = fmt.Errorf("event sink write failed")
	ErrPrivateEndpoint    = fmt.Errorf("endpoint resolves to a private address")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Transport.Delegate")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// UnsafeTemplateError is returned before any work starts when a template
// matches an injection phrase or a dangerous pattern.
type UnsafeTemplateError struct {
	Pattern string
	Reason  string
}

func (e *UnsafeTemplateError) Error() string {
	return fmt.Sprintf("unsafe template: %s (matched %q)", e.Reason, e.Pattern)
}

func (e *UnsafeTemplateError) Unwrap() error { return ErrUnsafeTemplate }

// DispatchQuotaExceeded aborts a whole dispatch call. Partial holds whatever
// results had settled when the breach was detected, in input order.
type DispatchQuotaExceeded struct {
	Reason  string
	Limit   string
	Partial []SubAgentResult
}

func (e *DispatchQuotaExceeded) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("dispatch quota exceeded: %s: %s", e.Limit, e.Reason)
	}
	return "dispatch quota exceeded: " + e.Reason
}

func (e *DispatchQuotaExceeded) Unwrap() error { return ErrQuotaExceeded }

// CircuitOpenError means the endpoint's breaker refused the call without
// performing any network I/O.
type CircuitOpenError struct {
	Endpoint string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for endpoint %q", e.Endpoint)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// AgentTimeoutError is a per-call timeout. It is not retried by default.
type AgentTimeoutError struct {
	Agent   string
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent %q timed out after %s", e.Agent, e.Timeout)
}

func (e *AgentTimeoutError) Unwrap() error { return ErrTimeout }

// TransientDelegationError marks network and 5xx/429-class failures that may
// succeed on retry.
type TransientDelegationError struct {
	StatusCode int
	Err        error
}

func (e *TransientDelegationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient delegation failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient delegation failure: %v", e.Err)
}

// Unwrap exposes both the category sentinel and the underlying cause.
func (e *TransientDelegationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Err}
}

// ValidationError is a 4xx-equivalent rejection. Never retried.
type ValidationError struct {
	StatusCode int
	Detail     string
}

func (e *ValidationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("validation failed (status %d): %s", e.StatusCode, e.Detail)
	}
	return "validation failed: " + e.Detail
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeLimitReached       ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeUnsafeTemplate     ErrorCode = "UNSAFE_TEMPLATE"
	CodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeTransient          ErrorCode = "TRANSIENT"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeCapabilityNotFound ErrorCode = "CAPABILITY_NOT_FOUND"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeCacheStore         ErrorCode = "CACHE_STORE"
	CodeSinkWrite          ErrorCode = "SINK_WRITE"
	CodePrivateEndpoint    ErrorCode = "PRIVATE_ENDPOINT"
)

// errorCodeOrder is checked in order so that specific sentinels win over the
// categories they may also wrap.
var errorCodeOrder = []struct {
	err  error
	code ErrorCode
}{
	{ErrUnsafeTemplate, CodeUnsafeTemplate},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrRateLimit, CodeRateLimit},
	{ErrTransient, CodeTransient},
	{ErrCapabilityNotFound, CodeCapabilityNotFound},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrCacheStore, CodeCacheStore},
	{ErrSinkWrite, CodeSinkWrite},
	{ErrPrivateEndpoint, CodePrivateEndpoint},
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeOrder {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
