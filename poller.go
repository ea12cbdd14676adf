package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ConnectionStatusFunc is invoked whenever the poller's derived
// ConnectionStatus changes.
type ConnectionStatusFunc func(status ConnectionStatus)

// HealthPoller periodically fetches a composite health report from the
// agent API's detailed health endpoint and derives a single
// ConnectionStatus for the connection indicator.
//
// The poller is decoupled from any local CircuitBreaker: breakers guard
// the local call path while the poller reflects server-reported state. A
// failed poll never stops the loop; it degrades the displayed state and
// the fetch is retried on the next interval tick.
type HealthPoller struct {
	endpoint string
	config   *PollerConfig
	client   *http.Client
	logger   *slog.Logger

	mu               sync.Mutex
	status           ConnectionStatus
	report           *HealthReport
	failures         int
	subscribers      map[int]ConnectionStatusFunc
	nextSubscriberID int
	started          bool
	cancel           context.CancelFunc
	done             chan struct{}
}

// NewHealthPoller creates a poller for the given health endpoint URL.
//
// Example:
//
//	poller := resilience.NewHealthPoller(
//	    "https://api.stateset.com/health/detailed",
//	    resilience.WithPollInterval(5*time.Second),
//	)
func NewHealthPoller(endpoint string, opts ...PollerOption) *HealthPoller {
	config := DefaultPollerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &HealthPoller{
		endpoint:    endpoint,
		config:      config,
		client:      config.HTTPClient,
		logger:      config.Logger,
		status:      ConnectionStatus{State: ConnectionDisconnected},
		subscribers: make(map[int]ConnectionStatusFunc),
	}
}

// Start begins the poll loop in its own goroutine: one immediate fetch,
// then one per interval tick until Stop is called or ctx is canceled.
func (p *HealthPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("health poller already started")
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("health poller started",
		"endpoint", p.endpoint,
		"interval", p.config.Interval)

	go p.loop(ctx)

	return nil
}

// Stop halts the poll loop and waits for it to exit. Stopping a poller
// that was never started, or stopping twice, is safe.
func (p *HealthPoller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.logger.Info("health poller stopped", "endpoint", p.endpoint)
}

// Status returns the most recently derived connection status.
func (p *HealthPoller) Status() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Report returns the last successfully fetched health report, or nil if
// no poll has succeeded yet. The report is read-only input; callers must
// not mutate it.
func (p *HealthPoller) Report() *HealthReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report
}

// OnStatusChange registers a subscriber invoked whenever the derived
// connection status changes. The returned function unsubscribes and is
// safe to call more than once or during a notification. Subscriber panics
// are logged and swallowed.
func (p *HealthPoller) OnStatusChange(fn ConnectionStatusFunc) func() {
	p.mu.Lock()
	id := p.nextSubscriberID
	p.nextSubscriberID++
	p.subscribers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

func (p *HealthPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// Poll immediately so the indicator leaves "disconnected" without
	// waiting a full interval.
	p.poll(ctx)

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// poll performs one fetch cycle and publishes the resulting status.
func (p *HealthPoller) poll(ctx context.Context) {
	p.mu.Lock()
	failures := p.failures
	hasReport := p.report != nil
	p.mu.Unlock()

	// In-flight marker: connecting on the very first fetch, reconnecting
	// when retrying after a prior failure.
	switch {
	case failures > 0:
		p.setStatus(ConnectionStatus{
			State:                ConnectionReconnecting,
			ReconnectAttempt:     failures,
			MaxReconnectAttempts: p.config.MaxReconnectAttempts,
		})
	case !hasReport:
		p.setStatus(ConnectionStatus{State: ConnectionConnecting})
	}

	report, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a health signal.
			return
		}

		p.mu.Lock()
		p.failures++
		failures = p.failures
		p.mu.Unlock()

		p.logger.Warn("health poll failed",
			"endpoint", p.endpoint,
			"attempt", failures,
			"error", err)

		p.setStatus(ConnectionStatus{
			State:                ConnectionError,
			Message:              err.Error(),
			ReconnectAttempt:     failures,
			MaxReconnectAttempts: p.config.MaxReconnectAttempts,
		})

		return
	}

	p.mu.Lock()
	recovered := p.failures > 0
	p.failures = 0
	p.report = report
	p.mu.Unlock()

	if recovered {
		p.logger.Info("health poll recovered", "endpoint", p.endpoint)
	}

	if report.Healthy() {
		p.setStatus(ConnectionStatus{State: ConnectionConnected})
		return
	}

	p.setStatus(ConnectionStatus{
		State:   ConnectionError,
		Message: fmt.Sprintf("service reported status %q", report.Status),
	})
}

// fetch retrieves the health report, retrying within the tick when
// FetchAttempts is above one.
func (p *HealthPoller) fetch(ctx context.Context) (*HealthReport, error) {
	if p.config.FetchAttempts <= 1 {
		return p.fetchOnce(ctx)
	}

	var report *HealthReport

	backoff := retry.WithMaxRetries(
		uint64(p.config.FetchAttempts-1), // #nosec G115 - small configured value
		retry.NewConstant(p.config.FetchBackoff),
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := p.fetchOnce(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return report, nil
}

func (p *HealthPoller) fetchOnce(ctx context.Context) (*HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching health report: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, NewStatusCodeError(resp.StatusCode,
			fmt.Errorf("health endpoint returned %s", resp.Status))
	}

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding health report: %w", err)
	}

	return &report, nil
}

// setStatus publishes a status if it differs from the current one,
// notifying a snapshot of the subscribers outside the lock.
func (p *HealthPoller) setStatus(status ConnectionStatus) {
	p.mu.Lock()
	if p.status == status {
		p.mu.Unlock()
		return
	}
	p.status = status

	subscribers := make([]ConnectionStatusFunc, 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subscribers = append(subscribers, fn)
	}
	p.mu.Unlock()

	p.logger.Debug("connection status changed",
		"endpoint", p.endpoint,
		"state", status.State,
		"message", status.Message)

	for _, fn := range subscribers {
		p.notifySubscriber(fn, status)
	}
}

func (p *HealthPoller) notifySubscriber(fn ConnectionStatusFunc, status ConnectionStatus) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("connection status subscriber panicked",
				"endpoint", p.endpoint,
				"panic", r)
		}
	}()

	fn(status)
}
