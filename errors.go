package resilience

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// CircuitOpenError is returned by Execute and CircuitBreakerWrapper when
// admission is refused because the circuit is open. It carries a status
// snapshot taken at rejection time so callers can explain the rejection
// without a separate Status call.
//
// It matches errors.Is(err, jperrors.ErrCircuitOpen) for interoperability
// with callers that already branch on the sentinel.
type CircuitOpenError struct {
	// Status is the breaker snapshot at the moment the call was rejected.
	Status BreakerStatus
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s: call rejected after %d consecutive failures",
		e.Status.Name, e.Status.State, e.Status.ConsecutiveFailures)
}

// Unwrap makes the error match jperrors.ErrCircuitOpen via errors.Is.
func (e *CircuitOpenError) Unwrap() error {
	return pkgerrors.ErrCircuitOpen
}

// IsCircuitOpen reports whether err is a circuit-open rejection from any
// engine, including the strict engine's wrapped sentinel errors.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, pkgerrors.ErrCircuitOpen)
}

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific
// error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient
	// failure that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should count
// against the circuit breaker. Implement this interface to keep expected
// failures (validation errors, rate limits) from opening the circuit.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure
	// serious enough to count toward opening the circuit.
	ShouldTripCircuit(err error) bool
}

// HTTPError represents an error with an associated HTTP status code. Many
// HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// HTTPStatusClassifier classifies errors by HTTP status code, treating
// certain codes as retryable and others as circuit-trip conditions.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists HTTP status codes that should trigger
	// retries. Defaults to 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int

	// CircuitTripStatuses lists HTTP status codes that should count
	// against the circuit. Defaults to 401, 403, 500, 502, 503, 504 if
	// nil.
	CircuitTripStatuses []int
}

// NewHTTPStatusClassifier creates a classifier with the default status
// code mappings.
// Retryable: 429 (rate limit), 500, 502, 503, 504 (server errors)
// Circuit trip: 401, 403 (auth errors), 500, 502, 503, 504 (server errors)
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses:   []int{429, 500, 502, 503, 504},
		CircuitTripStatuses: []int{401, 403, 500, 502, 503, 504},
	}
}

// IsRetryable implements ErrorClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are never retryable: retrying with the same expired
	// or canceled context fails immediately. Checked before the timeout
	// check because context.DeadlineExceeded also counts as a timeout.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return true
	}
	if pkgerrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Unknown errors might be transient network failures.
		return true
	}

	return containsStatus(c.retryableStatuses(), statusCode)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier for HTTP
// status codes.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	// Rate limits, timeouts and context errors are transient and should
	// not open the circuit.
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return false
	}
	if pkgerrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Unknown errors count against the circuit to be safe.
		return true
	}

	return containsStatus(c.circuitTripStatuses(), statusCode)
}

func (c *HTTPStatusClassifier) retryableStatuses() []int {
	if c.RetryableStatuses != nil {
		return c.RetryableStatuses
	}
	return []int{429, 500, 502, 503, 504}
}

func (c *HTTPStatusClassifier) circuitTripStatuses() []int {
	if c.CircuitTripStatuses != nil {
		return c.CircuitTripStatuses
	}
	return []int{401, 403, 500, 502, 503, 504}
}

// extractStatusCode attempts to extract an HTTP status code from an error.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// containsStatus checks if a status code is in the list.
func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier provides reasonable retry defaults: 5xx errors,
// 429, network errors and timeouts retry.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// DefaultCircuitBreakerErrorClassifier provides reasonable circuit
// defaults: auth errors (401, 403) and server errors (5xx) count against
// the circuit, rate limits and timeouts do not.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewHTTPStatusClassifier()
}

// StatusCodeError wraps an error with an HTTP status code. Use this when
// adding status code information to errors from systems that don't
// provide one.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code. This implements the HTTPError
// interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return resilience.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
