package usage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/mindroute/gateway/internal/db"
	"github.com/mindroute/gateway/internal/logger"
	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := db.Open(db.DialectSQLite, "file:"+filepath.Join(t.TempDir(), "usage.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	return store.New(conn)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []logger.UsageEvent
}

func (s *sinkRecorder) Log(e logger.UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sinkRecorder) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func baseInput() Input {
	return Input{
		RequestID:   "req-1",
		Endpoint:    "chat",
		Model:       "gpt-4o",
		RequestBody: []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
		InputPrice:  decimal.RequireFromString("0.01"),
		OutputPrice: decimal.RequireFromString("0.03"),
	}
}

func TestStart_WritesPendingRow(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, nil)
	ctx := context.Background()

	e, err := rec.Start(ctx, baseInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	row, err := st.FindLog(ctx, e.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != models.LogStatusPending {
		t.Errorf("status = %q, want pending", row.Status)
	}
	if row.UserID != nil {
		t.Errorf("user id = %v, want nil for empty input", *row.UserID)
	}
	if !json.Valid(row.RequestBody) {
		t.Errorf("request body is not valid JSON: %s", row.RequestBody)
	}
}

func TestSucceed_RecordsUsageAndCost(t *testing.T) {
	st := newTestStore(t)
	sink := &sinkRecorder{}
	rec := New(st, nil, WithSink(sink))
	ctx := context.Background()

	e, err := rec.Start(ctx, baseInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Succeed(ctx, Outcome{
		Content: "hello",
		Role:    "assistant",
		Usage:   providers.Usage{InputTokens: 1000, OutputTokens: 500},
	})

	row, err := st.FindLog(ctx, e.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != models.LogStatusSuccess {
		t.Fatalf("status = %q, want success", row.Status)
	}
	if row.PromptTokens != 1000 || row.CompletionTokens != 500 || row.TotalTokens != 1500 {
		t.Errorf("tokens = %d/%d/%d", row.PromptTokens, row.CompletionTokens, row.TotalTokens)
	}
	// 1000/1000*0.01 + 500/1000*0.03
	if want := decimal.RequireFromString("0.025"); !row.Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", row.Cost, want)
	}
	if row.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if !strings.Contains(string(row.ResponseBody), `"content":"hello"`) {
		t.Errorf("response body = %s", row.ResponseBody)
	}
	if sink.len() != 1 {
		t.Fatalf("sink events = %d, want 1", sink.len())
	}
	if got := sink.events[0]; got.Status != models.LogStatusSuccess || got.PromptTokens != 1000 || got.LogID != e.ID() {
		t.Errorf("sink event = %+v", got)
	}
}

func TestFail_KeepsPartialUsage(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, nil)
	ctx := context.Background()

	e, err := rec.Start(ctx, baseInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Fail(ctx, providers.UpstreamError("openai", 0, "upstream closed the stream before completion"),
		providers.Usage{InputTokens: 7, OutputTokens: 2})

	row, err := st.FindLog(ctx, e.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != models.LogStatusError {
		t.Fatalf("status = %q, want error", row.Status)
	}
	if row.PromptTokens != 7 || row.CompletionTokens != 2 {
		t.Errorf("tokens = %d/%d, want 7/2", row.PromptTokens, row.CompletionTokens)
	}
	if !strings.Contains(row.Error, "upstream closed the stream") {
		t.Errorf("error = %q", row.Error)
	}
}

func TestTerminal_OnlyFirstCallWins(t *testing.T) {
	st := newTestStore(t)
	sink := &sinkRecorder{}
	rec := New(st, nil, WithSink(sink))
	ctx := context.Background()

	e, err := rec.Start(ctx, baseInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				e.Succeed(ctx, Outcome{Content: "ok", Role: "assistant"})
			} else {
				e.Fail(ctx, errors.New("boom"), providers.Usage{})
			}
		}(i)
	}
	wg.Wait()
	e.Finish(ctx, nil)

	if sink.len() != 1 {
		t.Errorf("sink events = %d, want exactly 1", sink.len())
	}
}

func TestFinish_WithoutOutcomeRecordsError(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, nil)
	ctx := context.Background()

	e, err := rec.Start(ctx, baseInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	func() {
		defer e.Finish(ctx, nil)
	}()

	row, err := st.FindLog(ctx, e.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != models.LogStatusError || row.Error != ErrNoOutcome.Error() {
		t.Errorf("row = %q / %q", row.Status, row.Error)
	}
}

func TestFinish_UsesDetachedContext(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, nil)

	e, err := rec.Start(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Fail(ctx, context.Canceled, providers.Usage{})

	row, err := st.FindLog(context.Background(), e.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != models.LogStatusError {
		t.Errorf("status = %q, want error after caller cancel", row.Status)
	}
}

func TestFinishLog_StatusGuard(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, nil)
	ctx := context.Background()

	e, err := rec.Start(ctx, baseInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Succeed(ctx, Outcome{Content: "ok", Role: "assistant"})

	// A second entry pointing at the same row must not overwrite it.
	again := &Entry{rec: rec, row: e.row, in: e.in, started: e.started}
	again.Fail(ctx, errors.New("late"), providers.Usage{})

	row, err := st.FindLog(ctx, e.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != models.LogStatusSuccess {
		t.Errorf("status = %q, want success to stick", row.Status)
	}
}

func TestCost(t *testing.T) {
	tests := []struct {
		name    string
		usage   providers.Usage
		in, out string
		want    string
	}{
		{"zero", providers.Usage{}, "0.01", "0.03", "0"},
		{"prompt only", providers.Usage{InputTokens: 250}, "0.002", "0", "0.0005"},
		{"both", providers.Usage{InputTokens: 1200, OutputTokens: 300}, "0.0025", "0.01", "0.006"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(tt.usage, decimal.RequireFromString(tt.in), decimal.RequireFromString(tt.out))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Cost = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResponseSnapshot_TruncatesToLimit(t *testing.T) {
	content := strings.Repeat("héllo \"wörld\" ", 200)
	out := responseSnapshot(content, "assistant", 256)

	if len(out) > 256 {
		t.Fatalf("snapshot is %d bytes, limit 256", len(out))
	}
	var body responseBody
	if err := json.Unmarshal(out, &body); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if !body.Truncated {
		t.Error("truncated flag not set")
	}
	if !utf8.ValidString(body.Content) || !strings.HasPrefix(content, body.Content) {
		t.Errorf("content is not a clean prefix: %q", body.Content)
	}
}

func TestRequestSnapshot(t *testing.T) {
	if got := requestSnapshot([]byte(`{"a":1}`), 64); string(got) != `{"a":1}` {
		t.Errorf("small body = %s", got)
	}
	got := requestSnapshot([]byte(strings.Repeat("x", 100)), 64)
	if string(got) != `{"truncated":true,"bytes":100}` {
		t.Errorf("oversized body = %s", got)
	}
	if got := requestSnapshot(nil, 64); got != nil {
		t.Errorf("empty body = %s, want nil", got)
	}
}
