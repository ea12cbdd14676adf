package resilience

import (
	"log/slog"
	"sync"
)

// Registry owns one CircuitBreaker per protected dependency, keyed by
// dependency name. Construct it at startup and hand it to call sites;
// there is no package-level default instance. Breakers live for the
// registry's lifetime and need no teardown beyond process exit.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults []CircuitBreakerOption
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. The given options are applied to
// every breaker the registry creates, before any per-breaker options.
//
// Example:
//
//	registry := resilience.NewRegistry(
//	    resilience.WithFailureThreshold(5),
//	    resilience.WithHalfOpenTimeout(30*time.Second),
//	)
//	agentAPI := registry.GetOrCreate("agent-api")
//	sandbox := registry.GetOrCreate("sandbox", resilience.WithFailureThreshold(3))
func NewRegistry(defaults ...CircuitBreakerOption) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   slog.Default(),
	}
}

// GetOrCreate returns the breaker for the named dependency, creating it
// on first use. Per-breaker options only apply on creation; later calls
// for the same name return the existing breaker unchanged.
func (r *Registry) GetOrCreate(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	r.mu.RLock()
	breaker, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if breaker, ok = r.breakers[name]; ok {
		return breaker
	}

	combined := make([]CircuitBreakerOption, 0, len(r.defaults)+len(opts))
	combined = append(combined, r.defaults...)
	combined = append(combined, opts...)

	breaker = NewCircuitBreaker(name, combined...)
	r.breakers[name] = breaker

	r.logger.Info("created circuit breaker", "name", name)

	return breaker
}

// Get returns the breaker for the named dependency, if one exists.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, ok := r.breakers[name]
	return breaker, ok
}

// Names returns the names of all registered breakers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Statuses returns a snapshot of every registered breaker, keyed by
// dependency name, for display alongside the poller's ConnectionStatus.
func (r *Registry) Statuses() map[string]BreakerStatus {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	statuses := make(map[string]BreakerStatus, len(breakers))
	for _, b := range breakers {
		statuses[b.Name()] = b.Status()
	}
	return statuses
}

// ResetAll forces every registered breaker back to CLOSED. Intended for
// manual recovery from the UI.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
}
