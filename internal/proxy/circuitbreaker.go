package proxy

import (
	"net/http"
	"sync"
	"time"

	"github.com/mindroute/gateway/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed:   normal operation; all requests pass through.
//	cbOpen:     provider is failing; requests are rejected immediately.
//	cbHalfOpen: recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	defaultCBErrorThreshold  = 5
	defaultCBTimeWindow      = 60 * time.Second
	defaultCBHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values use the
// defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultCBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultCBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultCBHalfOpenTimeout
}

type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker keeps one breaker per provider id, created on first use.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
	now      func() time.Time

	// onChange, when set, observes every state assignment.
	onChange func(providerID string, s cbState)
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether providerID should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout has elapsed, in which
//     case the breaker moves to HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is in flight.
func (cb *CircuitBreaker) Allow(providerID string) bool {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			cb.setLocked(providerID, pcb, cbHalfOpen)
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess(providerID string) {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = cb.now()
	cb.setLocked(providerID, pcb, cbClosed)
}

// RecordFailure counts a failure. Reaching the threshold within the window,
// or failing a half-open probe, opens the breaker.
func (cb *CircuitBreaker) RecordFailure(providerID string) {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := cb.now()
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}
	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.state == cbHalfOpen || pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.openedAt = now
		cb.setLocked(providerID, pcb, cbOpen)
	}
}

// Release frees a half-open probe slot without judging the provider, for
// calls that ended for reasons unrelated to its health.
func (cb *CircuitBreaker) Release(providerID string) {
	pcb := cb.get(providerID)
	pcb.mu.Lock()
	pcb.probeInflight = false
	pcb.mu.Unlock()
}

// Record classifies err and updates the breaker accordingly.
func (cb *CircuitBreaker) Record(providerID string, err error) {
	switch {
	case err == nil:
		cb.RecordSuccess(providerID)
	case countsAgainstProvider(err):
		cb.RecordFailure(providerID)
	default:
		cb.Release(providerID)
	}
}

// countsAgainstProvider is true for failures that indicate an unhealthy
// upstream: 5xx, network errors, timeouts and unparseable payloads. Client
// cancellations, rate limits and per-credential rejections are not.
func countsAgainstProvider(err error) bool {
	pe := providers.Normalize("", err)
	switch pe.Kind {
	case providers.KindTimeout, providers.KindMalformed:
		return true
	case providers.KindUpstreamHTTP:
		return pe.UpstreamStatus == 0 || pe.UpstreamStatus >= http.StatusInternalServerError
	}
	return false
}

func (cb *CircuitBreaker) State(providerID string) cbState {
	cb.mu.RLock()
	pcb, ok := cb.breakers[providerID]
	cb.mu.RUnlock()
	if !ok {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// Snapshot returns the state label of every known breaker.
func (cb *CircuitBreaker) Snapshot() map[string]string {
	cb.mu.RLock()
	ids := make([]string, 0, len(cb.breakers))
	for id := range cb.breakers {
		ids = append(ids, id)
	}
	cb.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = cb.State(id).String()
	}
	return out
}

func (cb *CircuitBreaker) setLocked(providerID string, pcb *providerCB, s cbState) {
	pcb.state = s
	if cb.onChange != nil {
		cb.onChange(providerID, s)
	}
}

func (cb *CircuitBreaker) get(providerID string) *providerCB {
	cb.mu.RLock()
	pcb, ok := cb.breakers[providerID]
	cb.mu.RUnlock()
	if ok {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok := cb.breakers[providerID]; ok {
		return pcb
	}
	pcb = &providerCB{windowStart: cb.now()}
	cb.breakers[providerID] = pcb
	return pcb
}
