package proxy

import (
	"context"
	"sync"
	"time"
)

const (
	healthProbeInterval = 15 * time.Second
	healthProbeTimeout  = 3 * time.Second
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down" | "disabled"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker probes the database and cache in the background and reports
// them together with the circuit breaker state of every provider seen so far.
type HealthChecker struct {
	dbProbe    Probe
	cacheProbe Probe
	breaker    *CircuitBreaker
	baseCtx    context.Context

	cacheStatus componentStatus
	dbStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker runs one probe synchronously, then keeps probing until
// Close. A nil cacheProbe reports the cache as disabled.
func NewHealthChecker(ctx context.Context, dbProbe, cacheProbe Probe, cb *CircuitBreaker) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		dbProbe:    dbProbe,
		cacheProbe: cacheProbe,
		breaker:    cb,
		baseCtx:    ctx,
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Database      string            `json:"database"`
	Cache         string            `json:"cache"`
	Providers     map[string]string `json:"providers"`
}

func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Database:      hc.dbStatus.get(),
		Cache:         hc.cacheStatus.get(),
		Providers:     map[string]string{},
	}
	if hc.breaker != nil {
		snap.Providers = hc.breaker.Snapshot()
	}

	if snap.Database != "ok" {
		snap.Status = "degraded"
	}
	if snap.Cache != "ok" && snap.Cache != "disabled" {
		snap.Status = "degraded"
	}
	for _, st := range snap.Providers {
		if st != cbClosed.String() {
			snap.Status = "degraded"
		}
	}
	return snap
}

// ReadinessOK reports whether the database answered the last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.baseCtx.Done():
			return
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		switch {
		case hc.dbProbe == nil:
			hc.dbStatus.set("ok")
		case hc.dbProbe(ctx) != nil:
			hc.dbStatus.set("down")
		default:
			hc.dbStatus.set("ok")
		}
	}()
	go func() {
		defer wg.Done()
		switch {
		case hc.cacheProbe == nil:
			hc.cacheStatus.set("disabled")
		case hc.cacheProbe(ctx) != nil:
			hc.cacheStatus.set("degraded")
		default:
			hc.cacheStatus.set("ok")
		}
	}()
	wg.Wait()
}
