// Package resilience is the client-side resilience layer for StateSet
// desktop clients talking to the agent API: per-dependency circuit
// breakers, a retry layer, and a health poller that turns the server's
// composite health report into a single connection indicator signal.
//
// The circuit breakers guard the local call path; the health poller
// reflects server-reported state. The two are decoupled and both map onto
// the same small state vocabulary consumed by the presentation layer.
package resilience

import (
	"context"
)

// ResilientClient defines a generic interface for executing requests with
// retry and circuit breaker support. Type parameters Req and Resp can be
// any types, so any operation against the agent API (HTTP calls, SSE
// subscription setup, webhook delivery) can sit behind the wrappers.
//
// Example:
//
//	type SessionClient struct {
//	    client *http.Client
//	}
//
//	func (c *SessionClient) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
//	    return c.client.Do(req.WithContext(ctx))
//	}
//
//	resilient := resilience.NewRetryWrapper(
//	    resilience.NewCircuitBreakerWrapper(sessionClient, resilience.WithCircuitName("agent-api")),
//	    resilience.WithMaxAttempts(3),
//	)
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error. The
	// context should be used to control timeouts and cancellation; the
	// wrappers add no cancellation hooks of their own.
	Execute(ctx context.Context, req Req) (Resp, error)
}
