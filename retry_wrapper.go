package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryWrapper wraps a ResilientClient with configurable retry logic.
// Retry policy lives outside the circuit breaker: layer this wrapper
// around a CircuitBreakerWrapper so the breaker observes every attempt
// and the retry layer handles transient failures. Backoff strategies
// apply jitter to prevent thundering herd.
type RetryWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	config     *RetryConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	stats      *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryWrapper creates a retry wrapper around a ResilientClient.
//
// Example:
//
//	wrapper := resilience.NewRetryWrapper(
//	    client,
//	    resilience.WithMaxAttempts(5),
//	    resilience.WithExponentialBackoff(time.Second, 30*time.Second),
//	)
func NewRetryWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...RetryOption,
) *RetryWrapper[Req, Resp] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}

	return &RetryWrapper[Req, Resp]{
		client:     client,
		config:     config,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		stats:      &retryStats{},
	}
}

// Execute performs the request, retrying retryable errors up to
// MaxAttempts total attempts using the configured backoff strategy.
// Circuit-open rejections are not retried; a breaker that refused
// admission will refuse the immediate retry too, so the rejection is
// surfaced to the caller at once.
func (w *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if w.config.MaxAttempts <= 0 {
		return zero, errors.New("max attempts must be positive")
	}

	if err := ctx.Err(); err != nil {
		w.logger.Warn("context already done before request", "error", err)
		return zero, err
	}

	var response Resp
	var attempts int

	err := retry.Do(ctx, w.backoff(), func(ctx context.Context) error {
		attempts++
		w.recordAttempt(attempts)

		if err := ctx.Err(); err != nil {
			w.logger.Warn("context done before retry attempt",
				"attempt", attempts,
				"error", err)
			return err
		}

		resp, err := w.client.Execute(ctx, req)
		if err == nil {
			if attempts > 1 {
				w.logger.Info("request succeeded after retry", "attempts", attempts)
			}
			response = resp
			return nil
		}

		if IsCircuitOpen(err) || !w.classifier.IsRetryable(err) {
			w.logger.Debug("non-retryable error, giving up",
				"error", err,
				"attempts", attempts)
			return err
		}

		w.logger.Debug("retrying request after delay",
			"attempt", attempts,
			"error", err)

		return retry.RetryableError(err)
	})
	if err != nil {
		w.logger.Warn("request failed after retries",
			"attempts", attempts,
			"error", err)
		w.recordFailure(err)
		return zero, err
	}

	w.recordSuccess()

	return response, nil
}

// backoff builds the go-retry strategy for the configured settings. Note
// that retry.Do counts the initial attempt, so MaxAttempts-1 is passed as
// the retry cap.
func (w *RetryWrapper[Req, Resp]) backoff() retry.Backoff {
	maxRetries := w.config.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 1000 {
		maxRetries = 1000
	}

	jitter := w.config.InitialDelay / 10
	if jitter <= 0 {
		jitter = time.Millisecond
	}

	var base retry.Backoff
	switch w.config.Strategy {
	case RetryStrategyConstant:
		base = retry.WithJitter(jitter, retry.NewConstant(w.config.InitialDelay))
	case RetryStrategyFibonacci:
		base = retry.WithCappedDuration(w.config.MaxDelay,
			retry.WithJitter(jitter, retry.NewFibonacci(w.config.InitialDelay)))
	default:
		base = retry.WithCappedDuration(w.config.MaxDelay,
			retry.WithJitter(jitter, retry.NewExponential(w.config.InitialDelay)))
	}

	return retry.WithMaxRetries(uint64(maxRetries), base) // #nosec G115 - bounds checked above
}

func (w *RetryWrapper[Req, Resp]) recordAttempt(attempts int) {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()

	w.stats.totalAttempts++
	if attempts > 1 {
		w.stats.totalRetries++
	}
	w.stats.lastAttemptTime = time.Now()
}

func (w *RetryWrapper[Req, Resp]) recordSuccess() {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()

	w.stats.totalSuccesses++
}

func (w *RetryWrapper[Req, Resp]) recordFailure(err error) {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()

	w.stats.totalFailures++
	w.stats.lastError = err
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made, including
	// initial attempts and retries.
	TotalAttempts int64

	// TotalRetries is the number of retry attempts only.
	TotalRetries int64

	// TotalSuccesses is the number of successful operations.
	TotalSuccesses int64

	// TotalFailures is the number of operations that failed after all
	// retries were exhausted.
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastError is the last error encountered, if any.
	LastError error
}

// GetRetryStats returns a snapshot of the current retry statistics.
func (w *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   w.stats.totalAttempts,
		TotalRetries:    w.stats.totalRetries,
		TotalSuccesses:  w.stats.totalSuccesses,
		TotalFailures:   w.stats.totalFailures,
		LastAttemptTime: w.stats.lastAttemptTime,
		LastError:       w.stats.lastError,
	}
}
