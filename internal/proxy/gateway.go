// Package proxy is the HTTP front of the gateway.
//
// A request to /providers/{providerId}/chat or /completion is authenticated,
// rate limited, checked against the caller's provider grants, recorded as a
// pending log row, and dispatched to the provider's adapter. Every request
// that passes access resolution ends with exactly one terminal log update,
// whether it succeeds, fails upstream, is served from cache or is cut short
// by the client.
//
// Key design constraints:
//   - Limiter, cache, metrics and the health checker are optional and nil-safe.
//   - Streaming responses are relayed as SSE; they are never cached.
//   - Upstream keys are decrypted only after access has been granted.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/mindroute/gateway/internal/access"
	"github.com/mindroute/gateway/internal/auth"
	"github.com/mindroute/gateway/internal/cache"
	"github.com/mindroute/gateway/internal/metrics"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/ratelimit"
	"github.com/mindroute/gateway/internal/routing"
	"github.com/mindroute/gateway/internal/usage"
	"github.com/mindroute/gateway/pkg/apierr"
	"github.com/mindroute/gateway/pkg/validation"
)

const (
	xCacheHIT    = "HIT"
	xCacheMISS   = "MISS"
	xCacheBYPASS = "BYPASS"

	defaultCacheTTL = time.Hour
)

type (
	// Authenticator resolves a raw gateway key to its owner.
	Authenticator interface {
		Authenticate(ctx context.Context, rawKey string) (auth.Identity, error)
	}

	// Resolver decides whether a user may call a provider's model.
	Resolver interface {
		Resolve(ctx context.Context, userID, providerID, model string, opts access.Options) (*access.Resolved, error)
	}

	// Decrypter opens stored upstream credentials.
	Decrypter interface {
		Decrypt(ctx context.Context, sealed string) (string, error)
	}

	// Limiter is the per-user request rate limiter.
	Limiter interface {
		Allow(ctx context.Context, userID string) (ratelimit.Decision, error)
	}
)

// Deps are the collaborators every Gateway needs.
type Deps struct {
	Auth   Authenticator
	Access Resolver
	Vault  Decrypter
	Usage  *usage.Recorder
	Router *routing.Router
}

// GatewayOptions holds optional collaborators and tuning. All fields may be
// left zero.
type GatewayOptions struct {
	// Logger defaults to a discarding logger when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// CBConfig configures the per-provider circuit breaker thresholds.
	CBConfig CBConfig

	// Cache stores unary chat replies. Nil disables caching.
	Cache cache.Cache

	// CacheTTL defaults to 1h.
	CacheTTL time.Duration

	// CacheExclusions lists models that are never cached.
	CacheExclusions *cache.ExclusionList

	// Limiter enforces the per-user RPM limit. Nil disables it.
	Limiter Limiter

	// CORSOrigins lists allowed origins; nil or ["*"] allows any.
	CORSOrigins []string
}

// Gateway serves the provider routes. All dependencies are injected so they
// can be replaced in tests.
type Gateway struct {
	auth     Authenticator
	access   Resolver
	vault    Decrypter
	usage    *usage.Recorder
	router   *routing.Router
	validate *validation.Validator

	cb      *CircuitBreaker
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	// Optional dependencies, nil-safe when not configured.
	limiter         Limiter
	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList

	corsOrigins []string
}

// NewGateway builds a Gateway. baseCtx outlives individual requests and
// parents every stream, so canceling it aborts in-flight streams.
func NewGateway(baseCtx context.Context, deps Deps, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	gw := &Gateway{
		auth:            deps.Auth,
		access:          deps.Access,
		vault:           deps.Vault,
		usage:           deps.Usage,
		router:          deps.Router,
		validate:        validation.New(),
		cb:              NewCircuitBreaker(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		limiter:         opts.Limiter,
		cache:           opts.Cache,
		cacheTTL:        ttl,
		cacheExclusions: opts.CacheExclusions,
		corsOrigins:     opts.CORSOrigins,
	}

	if gw.metrics != nil {
		m := gw.metrics
		gw.cb.onChange = func(providerID string, s cbState) {
			m.SetCircuitBreaker(providerID, int64(s))
		}
	}

	return gw
}

// Breaker exposes the circuit breaker so the health checker can report it.
func (g *Gateway) Breaker() *CircuitBreaker { return g.cb }

// SetHealthChecker attaches the checker behind /health and /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	g.serve(ctx, decodeChat)
}

func (g *Gateway) handleCompletion(ctx *fasthttp.RequestCtx) {
	g.serve(ctx, decodeCompletion)
}

type decodeFunc func(*validation.Validator, []byte) (*inbound, error)

// serve runs the request pipeline: authenticate, rate limit, validate,
// resolve access, record start, decrypt, cache, circuit breaker, dispatch,
// record end. Rejections before access resolution are not logged as rows.
func (g *Gateway) serve(ctx *fasthttp.RequestCtx, decode decodeFunc) {
	start := time.Now()
	reqID := requestIDFrom(ctx)
	providerID, _ := ctx.UserValue("providerId").(string)

	// 1. Authenticate.
	id, err := g.auth.Authenticate(ctx, parseBearerToken(string(ctx.Request.Header.Peek("Authorization"))))
	if err != nil {
		g.metrics.RecordAuthFailure(authReason(err))
		if !isAuthError(err) {
			g.log.ErrorContext(ctx, "authentication failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		apierr.WriteError(ctx, err)
		return
	}

	// 2. Rate limit. The limiter fails open.
	if g.limiter != nil {
		d, err := g.limiter.Allow(ctx, id.UserID)
		switch {
		case err != nil:
			g.metrics.RecordRateLimit("error")
			g.log.WarnContext(ctx, "rate limiter unavailable",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		case !d.Allowed:
			g.metrics.RecordRateLimit("blocked")
			g.log.WarnContext(ctx, "rate limit exceeded",
				slog.String("request_id", reqID),
				slog.String("user_id", id.UserID),
			)
			setRateLimitHeaders(ctx, d)
			apierr.WriteRateLimit(ctx, d.RetryAfter)
			return
		default:
			g.metrics.RecordRateLimit("allowed")
			setRateLimitHeaders(ctx, d)
		}
	}

	// 3. Parse and validate.
	in, err := decode(g.validate, ctx.PostBody())
	if err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}

	// 4. Resolve access. Reads only; nothing has been recorded yet.
	res, err := g.access.Resolve(ctx, id.UserID, providerID, in.model, access.Options{UserAPIKeyID: in.userAPIKeyID})
	if err != nil {
		var ae *access.Error
		if errors.As(err, &ae) {
			g.metrics.RecordAccessDenied(string(ae.Kind))
		} else {
			g.log.ErrorContext(ctx, "access resolution failed",
				slog.String("request_id", reqID),
				slog.String("provider_id", providerID),
				slog.String("error", err.Error()),
			)
		}
		apierr.WriteError(ctx, err)
		return
	}

	// 5. Record start.
	entry, err := g.usage.Start(ctx, usage.Input{
		UserID:      id.UserID,
		APIKeyID:    id.APIKeyID,
		ProviderID:  res.ProviderID,
		RequestID:   reqID,
		Endpoint:    in.endpoint,
		Model:       res.Model,
		Streaming:   in.streaming,
		RequestBody: ctx.PostBody(),
		InputPrice:  res.InputPrice,
		OutputPrice: res.OutputPrice,
	})
	if err != nil {
		g.log.ErrorContext(ctx, "usage start failed",
			slog.String("request_id", reqID),
			slog.String("provider_id", res.ProviderID),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, err)
		return
	}

	// From here on exactly one terminal update is owed. A stream hands the
	// entry to its body writer.
	handedOff := false
	defer func() {
		if !handedOff {
			entry.Finish(ctx, nil)
		}
	}()

	fail := func(err error) {
		entry.Fail(ctx, err, providers.Usage{})
		g.finishRequest(ctx, reqID, res, in, err, false, start)
		apierr.WriteError(ctx, err)
	}

	// 6. Decrypt the upstream key.
	cred := providers.Credential{BaseURL: res.EndpointURL}
	if res.SealedCredential != "" {
		key, err := g.vault.Decrypt(ctx, res.SealedCredential)
		if err != nil {
			fail(err)
			return
		}
		cred.APIKey = key
	}

	// 7. Cache lookup: unary chat only.
	rreq := in.routingRequest(reqID)
	cacheKey := ""
	if g.cacheable(in) {
		cacheKey = cache.Key(in.cacheScope(id.UserID, res.ProviderID, routing.ClampMaxTokens(in.maxTokens, res.EffectiveMaxTokens)))
		if hit, ok := cache.Lookup(ctx, g.cache, cacheKey); ok {
			g.metrics.RecordCache("get", "hit")
			u := providers.Usage{InputTokens: hit.PromptTokens, OutputTokens: hit.CompletionTokens}
			entry.Succeed(ctx, usage.Outcome{Content: hit.Content, Role: hit.Role, Usage: u, Cached: true})
			g.finishRequest(ctx, reqID, res, in, nil, true, start)

			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			writeSuccess(ctx, entry.ID(), res.ProviderID, hit.Model, hit.Role, hit.Content, u)
			return
		}
		g.metrics.RecordCache("get", "miss")
	} else if in.endpoint == endpointChat && !in.streaming {
		g.metrics.RecordCache("get", "bypass")
	}

	// 8. Circuit breaker.
	if !g.cb.Allow(res.ProviderID) {
		g.metrics.RecordCircuitBreakerRejection(res.ProviderID)
		fail(providers.UnavailableError(res.ProviderType))
		return
	}

	// 9. Dispatch.
	if in.streaming {
		handedOff = g.stream(ctx, entry, res, cred, in, rreq, start)
		return
	}

	upStart := time.Now()
	result, err := g.router.Dispatch(ctx, res, cred, rreq)
	g.cb.Record(res.ProviderID, err)
	g.metrics.ObserveUpstreamAttempt(res.ProviderType, outcomeLabel(err), time.Since(upStart))
	if err != nil {
		fail(err)
		return
	}

	// 10. Record end.
	entry.Succeed(ctx, usage.Outcome{Content: result.Content, Role: result.Role, Usage: result.Usage})
	g.metrics.AddTokens(res.ProviderType, result.Usage.InputTokens, result.Usage.OutputTokens)
	g.finishRequest(ctx, reqID, res, in, nil, false, start)

	if cacheKey != "" {
		g.storeInCache(ctx, cacheKey, result)
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheBYPASS)
	}
	writeSuccess(ctx, entry.ID(), res.ProviderID, result.Model, result.Role, result.Content, result.Usage)
}

func (g *Gateway) cacheable(in *inbound) bool {
	return g.cache != nil &&
		in.endpoint == endpointChat &&
		!in.streaming &&
		!g.cacheExclusions.Matches(in.model)
}

func (g *Gateway) storeInCache(ctx context.Context, key string, r *routing.Result) {
	e := cache.Entry{
		ID:               r.ID,
		Model:            r.Model,
		Role:             r.Role,
		Content:          r.Content,
		PromptTokens:     r.Usage.InputTokens,
		CompletionTokens: r.Usage.OutputTokens,
	}
	if err := g.cache.Set(ctx, key, e.Marshal(), g.cacheTTL); err != nil {
		g.metrics.RecordCache("set", "error")
		return
	}
	g.metrics.RecordCache("set", "ok")
}

// finishRequest emits the per-request log line and request metrics.
func (g *Gateway) finishRequest(
	ctx context.Context,
	reqID string,
	res *access.Resolved,
	in *inbound,
	err error,
	cached bool,
	start time.Time,
) {
	dur := time.Since(start)
	outcome := outcomeLabel(err)
	g.metrics.ObserveRequest(res.ProviderType, in.endpoint, outcome, cached, dur)

	status := fasthttp.StatusOK
	if err != nil {
		status, _ = apierr.From(err)
	}
	attrs := []slog.Attr{
		slog.String("request_id", reqID),
		slog.String("provider_id", res.ProviderID),
		slog.String("model", res.Model),
		slog.String("endpoint", in.endpoint),
		slog.Bool("streaming", in.streaming),
		slog.Bool("cached", cached),
		slog.Int("status", status),
		slog.Int64("latency_ms", dur.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		g.log.LogAttrs(ctx, slog.LevelWarn, "provider request failed", attrs...)
		return
	}
	g.log.LogAttrs(ctx, slog.LevelInfo, "provider request", attrs...)
}

func writeSuccess(ctx *fasthttp.RequestCtx, id, providerID, model, role, content string, u providers.Usage) {
	writeJSON(ctx, successEnvelope{
		Success: true,
		Data: responseData{
			ID:         id,
			ProviderID: providerID,
			Model:      model,
			Response:   responseMessage{Content: content, Role: role},
			Usage:      newUsage(u),
		},
	})
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func isAuthError(err error) bool {
	var ae *auth.Error
	return errors.As(err, &ae)
}

func authReason(err error) string {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return string(ae.Kind)
	}
	return "error"
}

// outcomeLabel is the metrics label for a request or upstream result.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		if pe.Kind == providers.KindUpstreamHTTP && pe.UpstreamStatus == fasthttp.StatusTooManyRequests {
			return "rate_limited"
		}
		return string(pe.Kind)
	}
	return "error"
}
