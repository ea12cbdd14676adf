package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StateChangeFunc is invoked synchronously whenever a circuit breaker
// transitions between states. It receives the new state first, then the
// state the breaker transitioned from.
type StateChangeFunc func(newState, previousState CircuitBreakerState)

// CircuitBreaker is a consecutive-count failure guard for a single remote
// dependency. It admits calls while CLOSED, rejects them while OPEN, and
// allows trial calls while HALF_OPEN to probe recovery.
//
// Transitions:
//   - CLOSED -> OPEN after FailureThreshold consecutive failures
//   - OPEN -> HALF_OPEN lazily, on the first admission check after
//     HalfOpenTimeout has elapsed (no background timer)
//   - HALF_OPEN -> CLOSED after SuccessThreshold consecutive successes
//   - HALF_OPEN -> OPEN on any single failure
//
// HALF_OPEN places no cap on concurrent trial calls; every admission check
// during HALF_OPEN succeeds. Callers that need capped probing should use
// CircuitBreakerWrapper with WithStrictHalfOpen instead.
//
// All methods are safe for concurrent use. Concurrent callers race to
// update the shared counters; interleaved outcomes resolve last-write-wins.
type CircuitBreaker struct {
	name   string
	config *CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	openedAt             time.Time
	subscribers          map[int]StateChangeFunc
	nextSubscriberID     int
}

// NewCircuitBreaker creates a circuit breaker for the named dependency.
// One breaker per protected dependency is the correct granularity; use a
// Registry to share breakers across call sites.
//
// Example:
//
//	breaker := resilience.NewCircuitBreaker(
//	    "agent-api",
//	    resilience.WithFailureThreshold(5),
//	    resilience.WithHalfOpenTimeout(30*time.Second),
//	)
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.Clock == nil {
		config.Clock = time.Now
	}

	b := &CircuitBreaker{
		name:        name,
		config:      config,
		logger:      config.Logger,
		now:         config.Clock,
		state:       StateClosed,
		subscribers: make(map[int]StateChangeFunc),
	}

	if config.OnStateChange != nil {
		handler := config.OnStateChange
		b.OnStateChange(func(newState, previousState CircuitBreakerState) {
			handler(name, previousState, newState)
		})
	}

	return b
}

// Name returns the dependency name this breaker guards.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current state of the breaker. An OPEN breaker whose
// timeout has elapsed still reports OPEN until the next admission check
// performs the transition.
func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsCallPermitted reports whether a call may proceed. While OPEN it checks
// whether HalfOpenTimeout has elapsed since the breaker opened and, if so,
// transitions to HALF_OPEN before returning true. While HALF_OPEN it
// always returns true; trial calls are not capped.
func (b *CircuitBreaker) IsCallPermitted() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.HalfOpenTimeout {
			notify := b.transitionLocked(StateHalfOpen)
			b.mu.Unlock()
			notify()
			return true
		}
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return false
	}
}

// OnSuccess records a successful call. It zeroes the failure counter,
// increments the success counter, and closes the breaker once
// SuccessThreshold consecutive successes accumulate while HALF_OPEN.
func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()

	b.lastSuccess = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	notify := noNotify
	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.config.SuccessThreshold {
		notify = b.transitionLocked(StateClosed)
	}

	b.mu.Unlock()
	notify()
}

// OnError records a failed call. It zeroes the success counter, increments
// the failure counter, and opens the breaker when FailureThreshold is
// reached while CLOSED. A single failure while HALF_OPEN reopens the
// breaker immediately and restarts the open timer.
func (b *CircuitBreaker) OnError() {
	b.mu.Lock()

	b.lastFailure = b.now()
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	notify := noNotify
	switch {
	case b.state == StateClosed && b.consecutiveFailures >= b.config.FailureThreshold:
		notify = b.transitionLocked(StateOpen)
	case b.state == StateHalfOpen:
		notify = b.transitionLocked(StateOpen)
	}

	b.mu.Unlock()
	notify()
}

// Reset forces the breaker to CLOSED with zeroed counters and no open
// timestamp, regardless of prior state. Intended for manual recovery and
// tests.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()

	notify := noNotify
	if b.state != StateClosed {
		notify = b.transitionLocked(StateClosed)
	}
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = time.Time{}

	b.mu.Unlock()
	notify()
}

// OnStateChange registers a subscriber invoked synchronously on every state
// transition. The returned function unsubscribes; calling it more than
// once, or during a notification, is safe. A panic inside a subscriber is
// logged and swallowed and does not affect the breaker or the remaining
// subscribers.
func (b *CircuitBreaker) OnStateChange(fn StateChangeFunc) func() {
	b.mu.Lock()
	id := b.nextSubscriberID
	b.nextSubscriberID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Status returns a read-only snapshot of the breaker's state, counters and
// timestamps. Healthy is true only while CLOSED.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStatus{
		Name:                 b.name,
		State:                b.state.String(),
		Healthy:              b.state == StateClosed,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          timePtr(b.lastFailure),
		LastSuccess:          timePtr(b.lastSuccess),
		OpenedAt:             timePtr(b.openedAt),
	}
}

// transitionLocked moves the breaker to the given state, applies the
// transition's side effects, and returns a closure that logs the change
// and notifies a snapshot of the current subscribers. The caller must hold
// b.mu and must invoke the returned closure after releasing it, so
// subscribers can safely call back into the breaker.
func (b *CircuitBreaker) transitionLocked(to CircuitBreakerState) func() {
	from := b.state
	if from == to {
		return noNotify
	}

	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	case StateClosed:
		b.openedAt = time.Time{}
	}

	subscribers := make([]StateChangeFunc, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subscribers = append(subscribers, fn)
	}

	return func() {
		b.logger.Warn("circuit breaker state changed",
			"name", b.name,
			"from", from.String(),
			"to", to.String())

		for _, fn := range subscribers {
			b.notifySubscriber(fn, to, from)
		}
	}
}

// notifySubscriber invokes a single subscriber, containing any panic so it
// cannot interrupt the remaining subscribers or the caller of
// OnSuccess/OnError.
func (b *CircuitBreaker) notifySubscriber(fn StateChangeFunc, newState, previousState CircuitBreakerState) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("circuit breaker subscriber panicked",
				"name", b.name,
				"panic", r)
		}
	}()

	fn(newState, previousState)
}

// noNotify is the no-op transition notifier.
func noNotify() {}

// timePtr converts a possibly-unset time into a nullable pointer for
// status snapshots.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Execute runs fn through the breaker. If admission is refused it returns
// a *CircuitOpenError carrying the current status snapshot without
// invoking fn. Otherwise it invokes fn, records the outcome, and on
// failure returns fn's error unchanged; the breaker never wraps or
// re-interprets the underlying error. Cancellation of fn is the caller's
// responsibility via ctx.
//
// Example:
//
//	report, err := resilience.Execute(ctx, breaker, func(ctx context.Context) (*AgentSession, error) {
//	    return api.FetchSession(ctx, sessionID)
//	})
func Execute[T any](ctx context.Context, b *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if !b.IsCallPermitted() {
		status := b.Status()
		b.logger.Warn("circuit breaker rejected call",
			"name", b.name,
			"state", status.State,
			"consecutive_failures", status.ConsecutiveFailures)
		return zero, &CircuitOpenError{Status: status}
	}

	result, err := fn(ctx)
	if err != nil {
		b.OnError()
		return zero, err
	}

	b.OnSuccess()
	return result, nil
}
