package resilience

import "time"

// BreakerStatus is a read-only snapshot of a local circuit breaker. It is
// the only breaker surface exported across the core/UI boundary and is
// safe to serialize for display.
type BreakerStatus struct {
	// Name is the protected dependency's name.
	Name string `json:"name"`

	// State is the string form of the breaker state at snapshot time
	// ("closed", "open", "half-open").
	State string `json:"state"`

	// Healthy is true only while the breaker is closed.
	Healthy bool `json:"healthy"`

	// ConsecutiveFailures is the current run of failures. At most one of
	// the two consecutive counters is nonzero.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the current run of successes.
	ConsecutiveSuccesses int `json:"consecutive_successes"`

	// LastFailure is the time of the most recent failure, if any.
	LastFailure *time.Time `json:"last_failure,omitempty"`

	// LastSuccess is the time of the most recent success, if any.
	LastSuccess *time.Time `json:"last_success,omitempty"`

	// OpenedAt is when the breaker last entered the open state; nil while
	// closed.
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// ReportStatus is the overall status field of a remote health report.
type ReportStatus string

const (
	// ReportHealthy means all remote subsystems passed their checks.
	ReportHealthy ReportStatus = "healthy"

	// ReportDegraded means some remote subsystems are impaired but the
	// service is still serving.
	ReportDegraded ReportStatus = "degraded"

	// ReportUnhealthy means the remote service considers itself down.
	ReportUnhealthy ReportStatus = "unhealthy"
)

// RemoteBreakerState is a circuit breaker state as reported by the remote
// service. These are the server's own breakers, distinct instances from
// any local CircuitBreaker.
type RemoteBreakerState string

const (
	// RemoteBreakerClosed is the remote "closed" state.
	RemoteBreakerClosed RemoteBreakerState = "closed"

	// RemoteBreakerOpen is the remote "open" state.
	RemoteBreakerOpen RemoteBreakerState = "open"

	// RemoteBreakerHalfOpen is the remote "half_open" state.
	RemoteBreakerHalfOpen RemoteBreakerState = "half_open"
)

// CheckResult is the status of a single named subsystem check inside a
// health report.
type CheckResult struct {
	Status ReportStatus `json:"status"`
}

// HealthReport is the composite health document served by the agent API's
// detailed health endpoint. The client parses it and never mutates it; all
// fields reflect server-side state.
type HealthReport struct {
	// Status is the overall service status.
	Status ReportStatus `json:"status"`

	// Version is the server build version.
	Version string `json:"version"`

	// Checks maps subsystem names (database, cache, message bus) to their
	// individual check results.
	Checks map[string]CheckResult `json:"checks"`

	// CircuitBreakers maps the server's breaker names (sandbox, webhook,
	// database, external_api) to their reported states.
	CircuitBreakers map[string]RemoteBreakerState `json:"circuit_breakers"`

	// ResilienceHealthy is the server's single-bit summary of its
	// resilience layer.
	ResilienceHealthy bool `json:"resilience_healthy"`
}

// Healthy reports whether the report should display as connected: the
// resilience summary bit is set and the overall status is not unhealthy.
func (r *HealthReport) Healthy() bool {
	return r.ResilienceHealthy && r.Status != ReportUnhealthy
}

// ConnectionState is the small state vocabulary the presentation layer
// consumes for the connection indicator.
type ConnectionState string

const (
	// ConnectionConnected means the last poll succeeded and the report
	// was healthy.
	ConnectionConnected ConnectionState = "connected"

	// ConnectionConnecting means the initial fetch is in flight.
	ConnectionConnecting ConnectionState = "connecting"

	// ConnectionDisconnected is the default absence-of-data state before
	// the poller has run.
	ConnectionDisconnected ConnectionState = "disconnected"

	// ConnectionError means a poll failed or the report indicated the
	// service is unhealthy.
	ConnectionError ConnectionState = "error"

	// ConnectionReconnecting means a fetch is in flight after a prior
	// failure.
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is the displayable connection signal: a state plus an
// optional message and reconnect-attempt counters for composition into
// indicator text.
type ConnectionStatus struct {
	State ConnectionState `json:"state"`

	// Message is optional human-readable detail, e.g. the fetch error.
	Message string `json:"message,omitempty"`

	// ReconnectAttempt counts consecutive failed polls; zero when not
	// reconnecting.
	ReconnectAttempt int `json:"reconnect_attempt,omitempty"`

	// MaxReconnectAttempts is the configured display maximum, if any.
	MaxReconnectAttempts int `json:"max_reconnect_attempts,omitempty"`
}
