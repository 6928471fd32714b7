// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every method is safe on a nil *Registry, which records nothing.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// mindroute_inflight_requests
	inFlight prometheus.Gauge

	// mindroute_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// mindroute_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// mindroute_requests_total{provider_type,endpoint,outcome}
	requestsTotal *prometheus.CounterVec

	// mindroute_request_duration_seconds{provider_type,endpoint,cache}
	requestDuration *prometheus.HistogramVec

	// mindroute_upstream_attempts_total{provider_type,outcome}
	upstreamAttempts *prometheus.CounterVec

	// mindroute_upstream_attempt_duration_seconds{provider_type,outcome}
	upstreamDuration *prometheus.HistogramVec

	// mindroute_tokens_total{provider_type,direction}
	tokensTotal *prometheus.CounterVec

	// mindroute_auth_failures_total{reason}
	authFailures *prometheus.CounterVec

	// mindroute_access_denials_total{reason}
	accessDenials *prometheus.CounterVec

	// mindroute_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// mindroute_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// mindroute_circuit_breaker_state{provider_id}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// mindroute_circuit_breaker_transitions_total{provider_id,to_state}
	cbTransitions *prometheus.CounterVec

	// mindroute_circuit_breaker_rejections_total{provider_id}
	cbRejections *prometheus.CounterVec

	// mindroute_streams_active
	streamsActive prometheus.Gauge

	// mindroute_streams_total{outcome}
	streamsTotal *prometheus.CounterVec

	// mindroute_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindroute_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_http_requests_total",
				Help: "HTTP requests handled, by route and status",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mindroute_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_requests_total",
				Help: "Gateway requests that passed access resolution, by outcome",
			},
			[]string{"provider_type", "endpoint", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mindroute_request_duration_seconds",
				Help:    "Gateway request duration after access resolution in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider_type", "endpoint", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_upstream_attempts_total",
				Help: "Upstream provider calls by outcome",
			},
			[]string{"provider_type", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mindroute_upstream_attempt_duration_seconds",
				Help:    "Upstream provider call duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider_type", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_tokens_total",
				Help: "Tokens reported by upstreams",
			},
			[]string{"provider_type", "direction"},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_auth_failures_total",
				Help: "Rejected gateway API keys by reason",
			},
			[]string{"reason"},
		),

		accessDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_access_denials_total",
				Help: "Requests refused during access resolution by reason",
			},
			[]string{"reason"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mindroute_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider_id"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider_id", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_circuit_breaker_rejections_total",
				Help: "Requests rejected by an open circuit breaker",
			},
			[]string{"provider_id"},
		),

		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindroute_streams_active",
			Help: "SSE streams currently being relayed",
		}),

		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroute_streams_total",
				Help: "Finished SSE streams by outcome",
			},
			[]string{"outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mindroute_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.tokensTotal,
		r.authFailures,
		r.accessDenials,
		r.rateLimitTotal,
		r.cacheOps,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.streamsActive,
		r.streamsTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// RegisterUsageSink exports the usage logger's drop and failure counters.
func (r *Registry) RegisterUsageSink(dropped, failed func() int64) {
	if r == nil {
		return
	}
	r.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mindroute_usage_events_dropped_total",
			Help: "Usage events dropped because the export buffer was full",
		}, func() float64 { return float64(dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mindroute_usage_batches_failed_total",
			Help: "Usage event batches the analytics store rejected",
		}, func() float64 { return float64(failed()) }),
	)
}

// RegisterAuthTouches exports the authenticator's dropped last-used updates.
func (r *Registry) RegisterAuthTouches(dropped func() int64) {
	if r == nil {
		return
	}
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mindroute_api_key_touches_dropped_total",
		Help: "API key last_used_at updates dropped because the queue was full",
	}, func() float64 { return float64(dropped()) }))
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRequest records one accounted gateway request.
func (r *Registry) ObserveRequest(providerType, endpoint, outcome string, cached bool, dur time.Duration) {
	if r == nil {
		return
	}
	cache := "miss"
	if cached {
		cache = "hit"
	}
	r.requestsTotal.WithLabelValues(providerType, endpoint, outcome).Inc()
	r.requestDuration.WithLabelValues(providerType, endpoint, cache).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream call.
func (r *Registry) ObserveUpstreamAttempt(providerType, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(providerType, outcome).Inc()
	r.upstreamDuration.WithLabelValues(providerType, outcome).Observe(dur.Seconds())
}

func (r *Registry) AddTokens(providerType string, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(providerType, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(providerType, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordAuthFailure(reason string) {
	if r != nil {
		r.authFailures.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) RecordAccessDenied(reason string) {
	if r != nil {
		r.accessDenials.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

// RecordCache counts a cache operation, e.g. ("get", "hit").
func (r *Registry) RecordCache(op, result string) {
	if r != nil {
		r.cacheOps.WithLabelValues(op, result).Inc()
	}
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(providerID string, state int64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(providerID).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[providerID]
	if !ok || prev != float64(state) {
		r.lastCBState[providerID] = float64(state)
		r.cbTransitions.WithLabelValues(providerID, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(providerID string) {
	if r != nil {
		r.cbRejections.WithLabelValues(providerID).Inc()
	}
}

// StreamStarted returns a func that must be called once with the outcome.
func (r *Registry) StreamStarted() func(outcome string) {
	if r == nil {
		return func(string) {}
	}
	r.streamsActive.Inc()
	var once sync.Once
	return func(outcome string) {
		once.Do(func() {
			r.streamsActive.Dec()
			r.streamsTotal.WithLabelValues(outcome).Inc()
		})
	}
}

func (r *Registry) SetBuildInfo(version string) {
	if r != nil {
		r.buildInfo.WithLabelValues(version).Set(1)
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
