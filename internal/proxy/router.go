package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional routes registered alongside the provider
// routes.
type ManagementRoutes struct {
	Metrics RouteHandler

	// Admin, when set, registers the admin API on the router.
	Admin func(r *router.Router)
}

// Server timeouts. The write timeout grows with the router's stream limit so
// a stream is ended by the router, never by the server.
const (
	serverReadTimeout  = 60 * time.Second
	serverWriteTimeout = 15 * time.Minute
	serverWriteGrace   = time.Minute
	serverIdleTimeout  = 2 * time.Minute
	maxRequestBodySize = 8 << 20
)

// Handler returns the full middleware-wrapped handler. mgmt may be nil.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.POST("/providers/{providerId}/chat", g.handleChat)
	r.POST("/providers/{providerId}/completion", g.handleCompletion)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil {
		if mgmt.Metrics != nil {
			r.GET("/metrics", mgmt.Metrics)
		}
		if mgmt.Admin != nil {
			mgmt.Admin(r)
		}
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		observe(g.metrics),
		accessLog(g.log),
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// NewServer returns a server for Handler(mgmt). The caller owns its
// lifecycle.
func (g *Gateway) NewServer(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Name:               "mindroute",
		Handler:            g.Handler(mgmt),
		ReadTimeout:        serverReadTimeout,
		WriteTimeout:       g.writeTimeout(),
		IdleTimeout:        serverIdleTimeout,
		MaxRequestBodySize: maxRequestBodySize,
	}
}

func (g *Gateway) writeTimeout() time.Duration {
	if g.router == nil {
		return serverWriteTimeout
	}
	return max(serverWriteTimeout, g.router.StreamMaxDuration()+serverWriteGrace)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
