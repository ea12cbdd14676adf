package resilience

import (
	"log/slog"
	"net/http"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and calls flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is probing whether the dependency
	// has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and calls are rejected
	// immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration. The threshold,
// timeout, logger, clock and state-change fields apply to CircuitBreaker
// directly; the classifier and strict half-open fields take effect when
// the configuration is used through CircuitBreakerWrapper.
type CircuitBreakerConfig struct {
	// Name identifies the circuit in logs and status snapshots when the
	// configuration is used through CircuitBreakerWrapper; NewCircuitBreaker
	// takes the name explicitly instead.
	// Default: "resilient-client"
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker from CLOSED.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes that closes
	// the breaker from HALF_OPEN.
	// Default: 2
	SuccessThreshold int

	// HalfOpenTimeout is how long an OPEN breaker waits before the next
	// admission check is allowed to transition it to HALF_OPEN.
	// Default: 30 seconds
	HalfOpenTimeout time.Duration

	// StrictMaxProbes, when nonzero, selects the strict engine in
	// CircuitBreakerWrapper: HALF_OPEN admits at most this many
	// concurrent trial calls. Zero keeps the default engine, which does
	// not cap trial calls.
	StrictMaxProbes uint32

	// ErrorClassifier decides which errors count as failures against the
	// circuit. Used by CircuitBreakerWrapper.
	// Default: HTTPStatusClassifier with standard trip codes
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange, if set, is subscribed to the breaker at construction
	// and called on every state transition.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for breaker diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock supplies the current time. Override in tests to simulate the
	// passage of HalfOpenTimeout without sleeping.
	// Default: time.Now
	Clock func() time.Time
}

// CircuitBreakerOption is a functional option for configuring circuit
// breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// DefaultCircuitBreakerConfig returns circuit breaker configuration with
// the standard defaults: 5 failures to open, 2 successes to close, 30
// second half-open timeout.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "resilient-client",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenTimeout:  30 * time.Second,
		ErrorClassifier:  DefaultCircuitBreakerErrorClassifier(),
		Logger:           slog.Default(),
		Clock:            time.Now,
	}
}

// WithCircuitName sets the circuit name used by CircuitBreakerWrapper in
// logs and status snapshots.
//
// Example:
//
//	resilience.WithCircuitName("agent-api")
func WithCircuitName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithFailureThreshold sets the number of consecutive failures that opens
// the breaker.
//
// Example:
//
//	resilience.WithFailureThreshold(3)
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = threshold
	}
}

// WithSuccessThreshold sets the number of consecutive successes that
// closes the breaker from HALF_OPEN.
//
// Example:
//
//	resilience.WithSuccessThreshold(1)
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.SuccessThreshold = threshold
	}
}

// WithHalfOpenTimeout sets how long the breaker stays OPEN before an
// admission check may move it to HALF_OPEN.
//
// Example:
//
//	resilience.WithHalfOpenTimeout(60 * time.Second)
func WithHalfOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.HalfOpenTimeout = timeout
	}
}

// WithStrictHalfOpen switches CircuitBreakerWrapper to the strict engine,
// which admits at most maxProbes trial calls while HALF_OPEN and counts
// failures over a rolling window. This deviates from the default engine,
// which admits unlimited concurrent trial calls during HALF_OPEN and
// counts strictly consecutive outcomes; the default matches the behavior
// the desktop client shipped with, the strict engine protects a
// recovering dependency from probe floods.
//
// Example:
//
//	resilience.WithStrictHalfOpen(1) // single-flight probing
func WithStrictHalfOpen(maxProbes uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.StrictMaxProbes = maxProbes
	}
}

// WithCircuitBreakerErrorClassifier sets a custom classifier deciding
// which errors count against the circuit.
//
// Example:
//
//	resilience.WithCircuitBreakerErrorClassifier(&MyClassifier{})
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback subscribed at construction and
// invoked on every state transition.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(name string, from, to resilience.CircuitBreakerState) {
//	    log.Printf("circuit %s: %s -> %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for breaker diagnostics.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	resilience.WithCircuitBreakerLogger(logger)
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// WithClock overrides the breaker's time source. Intended for tests that
// need to step past HalfOpenTimeout deterministically.
func WithClock(clock func() time.Time) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Clock = clock
	}
}

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with
	// jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Default: HTTPStatusClassifier with standard retryable codes
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// InitialDelay is the delay before the first retry.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries for the exponential and
	// fibonacci strategies.
	// Default: 30 seconds
	MaxDelay time.Duration

	// MaxAttempts is the maximum number of attempts, including the
	// initial request.
	// Default: 3
	MaxAttempts int
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		Strategy:        RetryStrategyExponential,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		ErrorClassifier: DefaultErrorClassifier(),
		Logger:          slog.Default(),
	}
}

// WithMaxAttempts sets the maximum number of attempts, including the
// initial one.
//
// Example:
//
//	resilience.WithMaxAttempts(5) // try up to 5 times total
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures exponential backoff with jitter,
// doubling the delay each retry up to maxDelay.
//
// Example:
//
//	resilience.WithExponentialBackoff(time.Second, 30*time.Second)
//	// ~1s, ~2s, ~4s, ~8s, ..., 30s (capped)
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithConstantBackoff configures a constant delay between retries with
// jitter.
//
// Example:
//
//	resilience.WithConstantBackoff(2 * time.Second)
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.InitialDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter up to
// maxDelay.
//
// Example:
//
//	resilience.WithFibonacciBackoff(time.Second, 30*time.Second)
//	// ~1s, ~1s, ~2s, ~3s, ~5s, ..., 30s (capped)
func WithFibonacciBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// PollerConfig holds health poller configuration options.
type PollerConfig struct {
	// Interval between polls of the health endpoint.
	// Default: 10 seconds
	Interval time.Duration

	// HTTPClient used to fetch the health report.
	// Default: http.Client with a 5 second timeout
	HTTPClient *http.Client

	// FetchAttempts is the number of fetch attempts per poll tick; values
	// above 1 retry a failed fetch within the tick using constant backoff
	// before the tick is declared failed.
	// Default: 1 (no intra-tick retry)
	FetchAttempts int

	// FetchBackoff is the delay between intra-tick fetch attempts.
	// Default: 500 milliseconds
	FetchBackoff time.Duration

	// MaxReconnectAttempts is surfaced on ConnectionStatus for display
	// composition ("reconnecting 3/10"). It does not stop the poller;
	// polling continues on every tick regardless.
	// Default: 0 (no maximum shown)
	MaxReconnectAttempts int

	// Logger for poller diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger
}

// PollerOption is a functional option for configuring the health poller.
type PollerOption func(*PollerConfig)

// DefaultPollerConfig returns poller configuration with sensible defaults.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		Interval:      10 * time.Second,
		HTTPClient:    &http.Client{Timeout: 5 * time.Second},
		FetchAttempts: 1,
		FetchBackoff:  500 * time.Millisecond,
		Logger:        slog.Default(),
	}
}

// WithPollInterval sets the interval between health polls.
//
// Example:
//
//	resilience.WithPollInterval(5 * time.Second)
func WithPollInterval(interval time.Duration) PollerOption {
	return func(c *PollerConfig) {
		c.Interval = interval
	}
}

// WithHTTPClient sets the HTTP client used to fetch health reports.
func WithHTTPClient(client *http.Client) PollerOption {
	return func(c *PollerConfig) {
		c.HTTPClient = client
	}
}

// WithFetchRetry enables intra-tick fetch retries: up to attempts fetches
// per tick, separated by backoff. The poll interval itself is unchanged.
//
// Example:
//
//	resilience.WithFetchRetry(3, 250*time.Millisecond)
func WithFetchRetry(attempts int, backoff time.Duration) PollerOption {
	return func(c *PollerConfig) {
		c.FetchAttempts = attempts
		c.FetchBackoff = backoff
	}
}

// WithMaxReconnectAttempts sets the maximum shown alongside the reconnect
// attempt counter on ConnectionStatus.
func WithMaxReconnectAttempts(max int) PollerOption {
	return func(c *PollerConfig) {
		c.MaxReconnectAttempts = max
	}
}

// WithPollerLogger sets a custom logger for poller diagnostics.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(c *PollerConfig) {
		c.Logger = logger
	}
}
