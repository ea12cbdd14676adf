package resilience_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/stateset/agent-resilience"
)

var _ = Describe("RetryWrapper", func() {
	var (
		client  *mockClient
		wrapper *resilience.RetryWrapper[string, string]
		ctx     context.Context
	)

	BeforeEach(func() {
		client = &mockClient{
			executeFunc: func(ctx context.Context, req string) (string, error) {
				return "success", nil
			},
		}
		ctx = context.Background()
		wrapper = resilience.NewRetryWrapper(
			client,
			resilience.WithMaxAttempts(3),
			resilience.WithConstantBackoff(5*time.Millisecond),
			resilience.WithRetryLogger(quietLogger()),
		)
	})

	It("succeeds on the first attempt without retrying", func() {
		resp, err := wrapper.Execute(ctx, "list-sessions")

		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("success"))
		Expect(client.getCallCount()).To(Equal(1))

		stats := wrapper.GetRetryStats()
		Expect(stats.TotalAttempts).To(Equal(int64(1)))
		Expect(stats.TotalRetries).To(BeZero())
		Expect(stats.TotalSuccesses).To(Equal(int64(1)))
	})

	It("retries retryable errors until success", func() {
		attempts := 0
		client.setExecuteFunc(func(ctx context.Context, req string) (string, error) {
			attempts++
			if attempts < 3 {
				return "", resilience.NewStatusCodeError(http.StatusServiceUnavailable, errors.New("unavailable"))
			}
			return "recovered", nil
		})

		resp, err := wrapper.Execute(ctx, "list-sessions")

		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("recovered"))
		Expect(client.getCallCount()).To(Equal(3))

		stats := wrapper.GetRetryStats()
		Expect(stats.TotalRetries).To(Equal(int64(2)))
	})

	It("does not retry non-retryable errors", func() {
		callErr := resilience.NewStatusCodeError(http.StatusBadRequest, errors.New("bad request"))
		client.setExecuteFunc(func(ctx context.Context, req string) (string, error) {
			return "", callErr
		})

		_, err := wrapper.Execute(ctx, "list-sessions")

		Expect(err).To(MatchError(callErr))
		Expect(client.getCallCount()).To(Equal(1))
	})

	It("returns the last error after exhausting attempts", func() {
		callErr := resilience.NewStatusCodeError(http.StatusBadGateway, errors.New("bad gateway"))
		client.setExecuteFunc(func(ctx context.Context, req string) (string, error) {
			return "", callErr
		})

		_, err := wrapper.Execute(ctx, "list-sessions")

		Expect(err).To(MatchError(callErr))
		Expect(client.getCallCount()).To(Equal(3))

		stats := wrapper.GetRetryStats()
		Expect(stats.TotalFailures).To(Equal(int64(1)))
		Expect(stats.LastError).To(MatchError(callErr))
	})

	It("rejects non-positive max attempts", func() {
		wrapper = resilience.NewRetryWrapper(
			client,
			resilience.WithMaxAttempts(0),
			resilience.WithRetryLogger(quietLogger()),
		)

		_, err := wrapper.Execute(ctx, "list-sessions")

		Expect(err).To(HaveOccurred())
		Expect(client.getCallCount()).To(BeZero())
	})

	It("fails fast when the context is already done", func() {
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := wrapper.Execute(canceled, "list-sessions")

		Expect(err).To(MatchError(context.Canceled))
		Expect(client.getCallCount()).To(BeZero())
	})

	It("does not retry context cancellation mid-sequence", func() {
		cancelable, cancel := context.WithCancel(ctx)
		client.setExecuteFunc(func(ctx context.Context, req string) (string, error) {
			cancel()
			return "", ctx.Err()
		})

		_, err := wrapper.Execute(cancelable, "list-sessions")

		Expect(err).To(MatchError(context.Canceled))
		Expect(client.getCallCount()).To(Equal(1))
	})

	Describe("backoff strategies", func() {
		It("supports exponential backoff", func() {
			wrapper = resilience.NewRetryWrapper(
				client,
				resilience.WithMaxAttempts(2),
				resilience.WithExponentialBackoff(time.Millisecond, 10*time.Millisecond),
				resilience.WithRetryLogger(quietLogger()),
			)

			attempts := 0
			client.setExecuteFunc(func(ctx context.Context, req string) (string, error) {
				attempts++
				if attempts == 1 {
					return "", resilience.NewStatusCodeError(http.StatusInternalServerError, errors.New("flaky"))
				}
				return "ok", nil
			})

			resp, err := wrapper.Execute(ctx, "list-sessions")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
		})

		It("supports fibonacci backoff", func() {
			wrapper = resilience.NewRetryWrapper(
				client,
				resilience.WithMaxAttempts(2),
				resilience.WithFibonacciBackoff(time.Millisecond, 10*time.Millisecond),
				resilience.WithRetryLogger(quietLogger()),
			)

			resp, err := wrapper.Execute(ctx, "list-sessions")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("success"))
		})
	})

	Describe("custom classification", func() {
		It("consults the configured classifier", func() {
			wrapper = resilience.NewRetryWrapper(
				client,
				resilience.WithMaxAttempts(3),
				resilience.WithConstantBackoff(time.Millisecond),
				resilience.WithRetryLogger(quietLogger()),
				resilience.WithErrorClassifier(&resilience.HTTPStatusClassifier{
					RetryableStatuses: []int{http.StatusTeapot},
				}),
			)

			client.setExecuteFunc(func(ctx context.Context, req string) (string, error) {
				return "", resilience.NewStatusCodeError(http.StatusInternalServerError, errors.New("server error"))
			})

			_, err := wrapper.Execute(ctx, "list-sessions")

			Expect(err).To(HaveOccurred())
			Expect(client.getCallCount()).To(Equal(1), "500 is not retryable under the custom classifier")
		})
	})
})
