package routing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mindroute/gateway/internal/access"
	"github.com/mindroute/gateway/internal/providers"
)

// fakeProvider records the last request and replays a scripted response.
type fakeProvider struct {
	mu   sync.Mutex
	last *providers.ProxyRequest

	resp   *providers.ProxyResponse
	err    error
	block  bool
	script func(ctx context.Context, ch chan<- providers.StreamChunk)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) HealthCheck(context.Context, providers.Credential) error { return nil }

func (f *fakeProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if req.Stream {
		ch := make(chan providers.StreamChunk)
		go func() {
			defer close(ch)
			f.script(ctx, ch)
		}()
		return &providers.ProxyResponse{Stream: ch}, nil
	}
	return f.resp, nil
}

func (f *fakeProvider) lastRequest() *providers.ProxyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newRouter(p providers.Provider, opts Options) *Router {
	reg := providers.NewRegistry()
	reg.Register("fake", p)
	return New(reg, opts)
}

func resolved(ceiling int) *access.Resolved {
	return &access.Resolved{
		ProviderID:         "p1",
		ProviderType:       "fake",
		EndpointURL:        "https://upstream.test/v1",
		Model:              "gpt-3.5-turbo",
		EffectiveMaxTokens: ceiling,
	}
}

func intPtr(v int) *int { return &v }

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestClampMaxTokens(t *testing.T) {
	cases := []struct {
		name      string
		requested *int
		ceiling   int
		want      int
	}{
		{"clamped to model ceiling", intPtr(8000), 4096, 4096},
		{"clamped to override", intPtr(2000), 1000, 1000},
		{"below ceiling kept", intPtr(500), 4096, 500},
		{"omitted uses ceiling", nil, 4096, 4096},
		{"zero uses ceiling", intPtr(0), 4096, 4096},
		{"unlimited keeps request", intPtr(8000), 0, 8000},
		{"unlimited and omitted", nil, 0, 0},
	}
	for _, c := range cases {
		if got := ClampMaxTokens(c.requested, c.ceiling); got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}
}

func TestDispatch_ClampsAndUsesEndpoint(t *testing.T) {
	fp := &fakeProvider{resp: &providers.ProxyResponse{
		ID:      "r1",
		Content: "hi",
		Usage:   providers.Usage{InputTokens: 3, OutputTokens: 1},
	}}
	r := newRouter(fp, Options{})

	res, err := r.Dispatch(context.Background(), resolved(4096),
		providers.Credential{APIKey: "sk-test"},
		Request{Model: "gpt-3.5-turbo", MaxTokens: intPtr(8000)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	sent := fp.lastRequest()
	if sent.MaxTokens != 4096 {
		t.Errorf("expected clamped max tokens 4096, got %d", sent.MaxTokens)
	}
	if sent.BaseURL != "https://upstream.test/v1" || sent.APIKey != "sk-test" {
		t.Errorf("unexpected credential %+v", sent.Credential)
	}
	if sent.Stream {
		t.Error("unary dispatch must not request a stream")
	}
	if res.Role != "assistant" || res.Model != "gpt-3.5-turbo" || res.Usage.InputTokens != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	r := newRouter(&fakeProvider{block: true}, Options{UnaryTimeout: 20 * time.Millisecond})

	_, err := r.Dispatch(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	var pe *providers.ProviderError
	if !errors.As(err, &pe) || pe.Kind != providers.KindTimeout || pe.HTTPStatus() != http.StatusGatewayTimeout {
		t.Fatalf("expected timeout ProviderError, got %v", err)
	}
}

func TestDispatch_UnknownType(t *testing.T) {
	r := New(providers.NewRegistry(), Options{})
	_, err := r.Dispatch(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	var pe *providers.ProviderError
	if !errors.As(err, &pe) || pe.Kind != providers.KindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestDispatch_NoRetry(t *testing.T) {
	calls := 0
	fp := &countingProvider{calls: &calls, err: providers.UpstreamError("fake", 503, "down")}
	r := newRouter(fp, Options{})

	_, err := r.Dispatch(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream attempt, got %d", calls)
	}
}

type countingProvider struct {
	calls *int
	err   error
}

func (c *countingProvider) Name() string { return "fake" }

func (c *countingProvider) HealthCheck(context.Context, providers.Credential) error { return nil }

func (c *countingProvider) Request(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	*c.calls++
	return nil, c.err
}

func TestStream_Success(t *testing.T) {
	fp := &fakeProvider{script: func(ctx context.Context, ch chan<- providers.StreamChunk) {
		providers.Send(ctx, ch, providers.StreamChunk{Content: "Hello"})
		providers.Send(ctx, ch, providers.StreamChunk{Content: " world", FinishReason: "stop"})
		providers.Send(ctx, ch, providers.StreamChunk{Usage: &providers.Usage{InputTokens: 7, OutputTokens: 2}})
	}}
	r := newRouter(fp, Options{})

	s, err := r.Stream(context.Background(), resolved(100), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, s)

	if len(events) != 3 {
		t.Fatalf("expected 2 content events and 1 terminal, got %+v", events)
	}
	last := events[2]
	if !last.Done || last.Err != nil || last.Usage == nil || last.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if !fp.lastRequest().Stream || fp.lastRequest().MaxTokens != 100 {
		t.Errorf("unexpected upstream request %+v", fp.lastRequest())
	}

	out := s.Wait()
	if out.Err != nil || out.Chunks != 2 || out.Usage.InputTokens != 7 {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestStream_DropAfterTwoChunks(t *testing.T) {
	fp := &fakeProvider{script: func(ctx context.Context, ch chan<- providers.StreamChunk) {
		providers.Send(ctx, ch, providers.StreamChunk{Content: "a"})
		providers.Send(ctx, ch, providers.StreamChunk{Content: "b"})
		providers.Send(ctx, ch, providers.StreamChunk{Err: errors.New("unexpected EOF")})
	}}
	r := newRouter(fp, Options{})

	s, err := r.Stream(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, s)

	terminals := 0
	for _, ev := range events {
		if ev.Done {
			terminals++
		}
	}
	if len(events) != 3 || terminals != 1 {
		t.Fatalf("expected 2 chunks plus exactly one terminal, got %+v", events)
	}
	last := events[2]
	if last.Err == nil || last.Usage != nil {
		t.Fatalf("terminal event should carry an error and null usage, got %+v", last)
	}
	if out := s.Wait(); out.Err == nil || out.Chunks != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestStream_SilentCloseIsAnError(t *testing.T) {
	tests := map[string][]providers.StreamChunk{
		"content only": {
			{Content: "partial"},
		},
		"cumulative usage on every chunk": {
			{Content: "a", Usage: &providers.Usage{InputTokens: 5, OutputTokens: 1}},
			{Content: "b", Usage: &providers.Usage{InputTokens: 5, OutputTokens: 2}},
		},
		"trailing usage without finish reason": {
			{Content: "a"},
			{Usage: &providers.Usage{InputTokens: 5, OutputTokens: 1}},
		},
	}

	for name, chunks := range tests {
		t.Run(name, func(t *testing.T) {
			fp := &fakeProvider{script: func(ctx context.Context, ch chan<- providers.StreamChunk) {
				for _, c := range chunks {
					providers.Send(ctx, ch, c)
				}
			}}
			r := newRouter(fp, Options{})

			s, _ := r.Stream(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
			events := collect(t, s)
			if last := events[len(events)-1]; !last.Done || last.Err == nil || last.Usage != nil {
				t.Fatalf("expected error terminal without usage, got %+v", last)
			}
			if out := s.Wait(); out.Err == nil {
				t.Fatalf("silent close recorded as success: %+v", out)
			}
		})
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	aborted := make(chan struct{})
	fp := &fakeProvider{script: func(ctx context.Context, ch chan<- providers.StreamChunk) {
		providers.Send(ctx, ch, providers.StreamChunk{Content: "first"})
		<-ctx.Done()
		close(aborted)
	}}
	r := newRouter(fp, Options{StreamIdleTimeout: 30 * time.Millisecond, StreamMaxDuration: time.Minute})

	s, _ := r.Stream(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	events := collect(t, s)

	last := events[len(events)-1]
	if last.Err == nil || last.Err.Kind != providers.KindTimeout {
		t.Fatalf("expected idle timeout, got %+v", last)
	}
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("upstream context was not canceled after idle timeout")
	}
}

func TestStream_MaxDuration(t *testing.T) {
	fp := &fakeProvider{script: func(ctx context.Context, ch chan<- providers.StreamChunk) {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if !providers.Send(ctx, ch, providers.StreamChunk{Content: "."}) {
					return
				}
			}
		}
	}}
	r := newRouter(fp, Options{StreamIdleTimeout: time.Second, StreamMaxDuration: 50 * time.Millisecond})

	s, _ := r.Stream(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	events := collect(t, s)

	last := events[len(events)-1]
	if last.Err == nil || last.Err.Kind != providers.KindTimeout {
		t.Fatalf("expected max duration timeout, got %+v", last)
	}
}

func TestStream_CloseCancelsUpstream(t *testing.T) {
	aborted := make(chan struct{})
	fp := &fakeProvider{script: func(ctx context.Context, ch chan<- providers.StreamChunk) {
		providers.Send(ctx, ch, providers.StreamChunk{Content: "first"})
		<-ctx.Done()
		close(aborted)
	}}
	r := newRouter(fp, Options{StreamIdleTimeout: time.Minute})

	s, _ := r.Stream(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	<-s.Events()
	s.Close()
	s.Close()

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("Close did not abort the upstream")
	}
	out := s.Wait()
	if out.Err == nil || out.Err.Kind != providers.KindCanceled {
		t.Fatalf("expected canceled outcome, got %+v", out)
	}
}

func TestStream_OpenError(t *testing.T) {
	fp := &fakeProvider{err: providers.UpstreamError("fake", 429, "slow down")}
	r := newRouter(fp, Options{})

	_, err := r.Stream(context.Background(), resolved(0), providers.Credential{APIKey: "k"}, Request{Model: "m"})
	var pe *providers.ProviderError
	if !errors.As(err, &pe) || pe.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("expected 429 ProviderError, got %v", err)
	}
}
