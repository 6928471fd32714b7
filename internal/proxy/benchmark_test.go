package proxy

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/mindroute/gateway/internal/cache"
)

// BenchmarkChat measures the gateway's own overhead: authentication, access
// resolution, usage rows and dispatch to an adapter that answers instantly.
// Handlers are invoked directly, without a network round trip.
//
// Run: go test -bench=BenchmarkChat -benchtime=10s -benchmem ./internal/proxy/
func BenchmarkChat(b *testing.B) {
	b.Run("unary/sequential", func(b *testing.B) {
		env := newTestEnv(b)
		benchChat(b, env, 1)
	})

	b.Run("unary/parallel_16", func(b *testing.B) {
		env := newTestEnv(b)
		benchChat(b, env, 16)
	})

	b.Run("cache_hit/sequential", func(b *testing.B) {
		mem := cache.NewMemoryCache(context.Background(), 100)
		b.Cleanup(mem.Close)
		env := newTestEnv(b, func(o *GatewayOptions) { o.Cache = mem })
		benchChat(b, env, 1)
	})
}

func benchChat(b *testing.B, env *testEnv, parallelism int) {
	b.Helper()

	handler := env.gw.Handler(nil)
	path := env.chatPath()
	body := []byte(chatBody)
	bearer := "Bearer " + env.key

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)

	b.ReportAllocs()
	b.ResetTimer()
	b.SetParallelism(parallelism)
	b.RunParallel(func(pb *testing.PB) {
		local := make([]time.Duration, 0, 1024)
		for pb.Next() {
			var req fasthttp.Request
			req.Header.SetMethod(fasthttp.MethodPost)
			req.SetRequestURI(path)
			req.Header.Set("Authorization", bearer)
			req.Header.SetContentType("application/json")
			req.SetBody(body)

			// Init attaches a server so the ctx works as a context.Context.
			var ctx fasthttp.RequestCtx
			ctx.Init(&req, nil, nil)

			start := time.Now()
			handler(&ctx)
			local = append(local, time.Since(start))

			if code := ctx.Response.StatusCode(); code != fasthttp.StatusOK {
				b.Errorf("status = %d: %s", code, ctx.Response.Body())
				return
			}
		}
		mu.Lock()
		latencies = append(latencies, local...)
		mu.Unlock()
	})
	b.StopTimer()

	reportPercentiles(b, latencies)
}

func reportPercentiles(b *testing.B, latencies []time.Duration) {
	b.Helper()
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) float64 {
		idx := int(p * float64(len(latencies)-1))
		return float64(latencies[idx].Microseconds())
	}
	b.ReportMetric(pct(0.50), "p50_µs")
	b.ReportMetric(pct(0.99), "p99_µs")
}
