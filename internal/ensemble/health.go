package ensemble

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ProviderState is the circuit-breaker status of one provider.
type ProviderState string

const (
	// StateHealthy providers are consulted normally.
	StateHealthy ProviderState = "healthy"
	// StateDegraded means a half-open probe is in flight after cooldown.
	StateDegraded ProviderState = "degraded"
	// StateDisabled providers are skipped until their cooldown elapses.
	StateDisabled ProviderState = "disabled"
)

// providerHealth is the per-provider breaker and cost counter. Cost is kept
// as an atomic bit-pattern so readers never block a round in flight.
type providerHealth struct {
	mu                  sync.Mutex
	state               ProviderState
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time

	costBits atomic.Uint64 // float64 bits, monotonic
	calls    atomic.Int64
}

func (p *providerHealth) addCost(v float64) {
	for {
		old := p.costBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if p.costBits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (p *providerHealth) cost() float64 {
	return math.Float64frombits(p.costBits.Load())
}

// Health is the process-wide provider health registry: circuit-breaker state
// and running cost per provider. It is initialized at process start and
// reset only by explicit operator action.
type Health struct {
	mu        sync.RWMutex
	providers map[string]*providerHealth

	failureThreshold int
	failureWindow    time.Duration
	cooldown         time.Duration

	now func() time.Time // test hook
}

// NewHealth creates a registry. A provider is disabled after
// failureThreshold consecutive failures within failureWindow, and re-probed
// once (half-open) after cooldown.
func NewHealth(failureThreshold int, failureWindow, cooldown time.Duration) *Health {
	return &Health{
		providers:        make(map[string]*providerHealth),
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

func (h *Health) get(name string) *providerHealth {
	h.mu.RLock()
	p, ok := h.providers[name]
	h.mu.RUnlock()
	if ok {
		return p
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok = h.providers[name]; ok {
		return p
	}
	p = &providerHealth{state: StateHealthy}
	h.providers[name] = p
	return p
}

// Allow reports whether the provider may be consulted this round. A disabled
// provider whose cooldown has elapsed transitions to degraded and is allowed
// exactly one probe call; further calls are refused until the probe reports.
func (h *Health) Allow(name string) bool {
	p := h.get(name)
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateHealthy:
		return true
	case StateDegraded:
		// Probe already in flight.
		return false
	default:
		if h.now().Sub(p.openedAt) >= h.cooldown {
			p.state = StateDegraded
			return true
		}
		return false
	}
}

// RecordSuccess closes the breaker.
func (h *Health) RecordSuccess(name string) {
	p := h.get(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateHealthy
	p.consecutiveFailures = 0
}

// RecordFailure counts a failure. A failed half-open probe re-opens the
// breaker immediately; otherwise the breaker opens once the consecutive
// failure count inside the sliding window reaches the threshold.
func (h *Health) RecordFailure(name string) {
	p := h.get(name)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := h.now()
	if p.state == StateDegraded {
		p.state = StateDisabled
		p.openedAt = now
		p.lastFailureAt = now
		return
	}

	if !p.lastFailureAt.IsZero() && now.Sub(p.lastFailureAt) > h.failureWindow {
		p.consecutiveFailures = 0
	}
	p.consecutiveFailures++
	p.lastFailureAt = now

	if p.consecutiveFailures >= h.failureThreshold {
		p.state = StateDisabled
		p.openedAt = now
	}
}

// AddCost accumulates provider spend. Called on every attempt, success or
// failure, so billing visibility never depends on request success.
func (h *Health) AddCost(name string, cost float64) {
	p := h.get(name)
	p.addCost(cost)
	p.calls.Add(1)
}

// State returns the breaker state for one provider.
func (h *Health) State(name string) ProviderState {
	p := h.get(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cost returns the running cost counter for one provider.
func (h *Health) Cost(name string) float64 {
	return h.get(name).cost()
}

// TotalCost returns the sum of all provider cost counters.
func (h *Health) TotalCost() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total float64
	for _, p := range h.providers {
		total += p.cost()
	}
	return total
}

// ProviderStatus is a read-only snapshot row for operators.
type ProviderStatus struct {
	Name  string        `json:"name"`
	State ProviderState `json:"state"`
	Cost  float64       `json:"cost"`
	Calls int64         `json:"calls"`
}

// Snapshot returns the current status of every known provider.
func (h *Health) Snapshot() []ProviderStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(h.providers))
	for name, p := range h.providers {
		p.mu.Lock()
		st := p.state
		p.mu.Unlock()
		out = append(out, ProviderStatus{Name: name, State: st, Cost: p.cost(), Calls: p.calls.Load()})
	}
	return out
}

// Reset restores every provider to healthy with zeroed failure counters.
// Cost counters are preserved; they reset only with the process.
func (h *Health) Reset() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.providers {
		p.mu.Lock()
		p.state = StateHealthy
		p.consecutiveFailures = 0
		p.openedAt = time.Time{}
		p.lastFailureAt = time.Time{}
		p.mu.Unlock()
	}
}
