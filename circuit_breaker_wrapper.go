package resilience

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerWrapper wraps a ResilientClient with circuit breaker
// admission control, preventing requests from reaching a failing
// downstream service.
//
// By default it drives a CircuitBreaker: consecutive-count thresholds,
// lazy half-open transition, and no cap on concurrent half-open trial
// calls. With WithStrictHalfOpen it drives a gobreaker engine instead,
// which caps half-open admissions; see the option for the behavioral
// differences.
//
// The configured error classifier decides which errors count against the
// circuit. Errors the classifier declines to count (rate limits,
// timeouts) are recorded as successes for admission purposes but are
// still returned to the caller unchanged.
type CircuitBreakerWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	breaker    *CircuitBreaker
	strict     *gobreaker.CircuitBreaker[Resp]
	name       string
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
}

// NewCircuitBreakerWrapper creates a circuit breaker wrapper around a
// ResilientClient.
//
// Example:
//
//	wrapper := resilience.NewCircuitBreakerWrapper(
//	    client,
//	    resilience.WithCircuitName("agent-api"),
//	    resilience.WithFailureThreshold(5),
//	    resilience.WithHalfOpenTimeout(30*time.Second),
//	)
func NewCircuitBreakerWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerWrapper[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}

	w := &CircuitBreakerWrapper[Req, Resp]{
		client:     client,
		name:       config.Name,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
	}

	if config.StrictMaxProbes > 0 {
		w.strict = newStrictEngine[Resp](config)
	} else {
		w.breaker = NewCircuitBreaker(config.Name, func(c *CircuitBreakerConfig) {
			*c = *config
		})
	}

	return w
}

// newStrictEngine maps the configuration onto a gobreaker circuit: the
// consecutive-failure threshold becomes ReadyToTrip, the half-open
// timeout becomes Timeout, and MaxRequests caps half-open trial calls.
func newStrictEngine[Resp any](config *CircuitBreakerConfig) *gobreaker.CircuitBreaker[Resp] {
	classifier := config.ErrorClassifier
	logger := config.Logger
	threshold := config.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.StrictMaxProbes,
		Timeout:     config.HalfOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return gobreaker.NewCircuitBreaker[Resp](settings)
}

// Execute runs the request through the circuit breaker. If the circuit is
// open the request is rejected immediately without calling the underlying
// client; otherwise the client's response and error pass through
// unchanged while the outcome is recorded against the circuit.
//
// Rejections are typed for consistent handling:
//   - default engine: *CircuitOpenError carrying the status snapshot
//   - strict engine: jperrors circuit breaker errors translated from the
//     gobreaker sentinels, matching jperrors.ErrCircuitOpen and
//     jperrors.ErrCircuitTooManyRequests
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	if w.strict != nil {
		return w.executeStrict(ctx, req)
	}

	var zero Resp

	if !w.breaker.IsCallPermitted() {
		status := w.breaker.Status()
		w.logger.Warn("circuit breaker is open, request rejected",
			"name", w.name,
			"state", status.State,
			"consecutive_failures", status.ConsecutiveFailures)
		return zero, &CircuitOpenError{Status: status}
	}

	resp, err := w.client.Execute(ctx, req)
	if err != nil {
		if w.classifier.ShouldTripCircuit(err) {
			w.breaker.OnError()
		} else {
			// Transient by classification: does not count against the
			// circuit.
			w.breaker.OnSuccess()
		}
		w.logger.Debug("request failed through circuit breaker",
			"name", w.name,
			"error", err,
			"should_trip", w.classifier.ShouldTripCircuit(err))
		return zero, err
	}

	w.breaker.OnSuccess()

	return resp, nil
}

func (w *CircuitBreakerWrapper[Req, Resp]) executeStrict(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	resp, err := w.strict.Execute(func() (Resp, error) {
		return w.client.Execute(ctx, req)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			w.logger.Warn("circuit breaker is open, request rejected",
				"name", w.name,
				"error", err)
			return zero, jperrors.NewCircuitBreakerError(
				"request rejected",
				"execute",
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(w.strictCounts()),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			w.logger.Debug("circuit breaker in half-open state, too many requests",
				"name", w.name,
				"error", err)
			return zero, jperrors.NewCircuitBreakerError(
				"too many requests in half-open state",
				"execute",
				"half-open",
				jperrors.WithCause(err),
				jperrors.WithCounts(w.strictCounts()),
			)
		}
		return zero, err
	}

	return resp, nil
}

func (w *CircuitBreakerWrapper[Req, Resp]) strictCounts() jperrors.CircuitCounts {
	counts := w.strict.Counts()
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// State returns the current state of the circuit.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	if w.strict != nil {
		return convertGobreakerState(w.strict.State())
	}
	return w.breaker.State()
}

// Status returns a snapshot of the circuit for display. The strict engine
// does not track per-outcome timestamps, so its snapshots carry counters
// only.
func (w *CircuitBreakerWrapper[Req, Resp]) Status() BreakerStatus {
	if w.strict == nil {
		return w.breaker.Status()
	}

	state := convertGobreakerState(w.strict.State())
	counts := w.strict.Counts()

	return BreakerStatus{
		Name:                 w.name,
		State:                state.String(),
		Healthy:              state == StateClosed,
		ConsecutiveFailures:  int(counts.ConsecutiveFailures),
		ConsecutiveSuccesses: int(counts.ConsecutiveSuccesses),
	}
}

// Breaker returns the underlying CircuitBreaker when the default engine
// is in use, for registration of state-change subscribers or manual
// Reset. It returns nil under the strict engine.
func (w *CircuitBreakerWrapper[Req, Resp]) Breaker() *CircuitBreaker {
	return w.breaker
}

// convertGobreakerState converts gobreaker.State to CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// CombineRetryAndCircuitBreaker layers retry outside a circuit breaker:
// the breaker is the inner layer so its counts reflect every attempt, and
// the retry wrapper is the outer layer handling transient failures.
func CombineRetryAndCircuitBreaker[Req, Resp any](
	client ResilientClient[Req, Resp],
	retryOpts []RetryOption,
	cbOpts []CircuitBreakerOption,
) ResilientClient[Req, Resp] {
	withCB := NewCircuitBreakerWrapper(client, cbOpts...)
	return NewRetryWrapper(withCB, retryOpts...)
}
