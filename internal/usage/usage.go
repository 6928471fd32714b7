// Package usage records one audit row per gateway request. A row is inserted
// as pending before the upstream call and moved to success or error exactly
// once afterwards.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/mindroute/gateway/internal/logger"
	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/store"
)

const (
	DefaultMaxBodyBytes = 64 << 10

	finishTimeout = 5 * time.Second
)

var thousand = decimal.NewFromInt(1000)

// ErrNoOutcome is recorded when an entry is finished without a terminal call.
var ErrNoOutcome = errors.New("request ended without an outcome")

// Store is the persistence the recorder needs.
type Store interface {
	CreateLog(ctx context.Context, l *models.Log) error
	FinishLog(ctx context.Context, id string, r store.LogResult) (bool, error)
}

// Sink receives a copy of every finished entry.
type Sink interface {
	Log(e logger.UsageEvent)
}

// Input describes a request at the moment it is accepted for dispatch.
type Input struct {
	UserID     string
	APIKeyID   string
	ProviderID string
	RequestID  string
	Endpoint   string
	Model      string
	Streaming  bool
	// RequestBody is the raw JSON body; it is truncated before storage.
	RequestBody []byte

	InputPrice  decimal.Decimal
	OutputPrice decimal.Decimal
}

// Outcome is a successful result.
type Outcome struct {
	Content string
	Role    string
	Usage   providers.Usage
	Cached  bool
}

type Recorder struct {
	store   Store
	sink    Sink
	log     *slog.Logger
	maxBody int
	now     func() time.Time
}

type Option func(*Recorder)

// WithSink mirrors finished entries to s.
func WithSink(s Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

// WithMaxBodyBytes caps stored request and response snapshots.
func WithMaxBodyBytes(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.maxBody = n
		}
	}
}

func New(st Store, log *slog.Logger, opts ...Option) *Recorder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Recorder{
		store:   st,
		log:     log,
		maxBody: DefaultMaxBodyBytes,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start inserts the pending row. The request must not be dispatched when it
// fails.
func (r *Recorder) Start(ctx context.Context, in Input) (*Entry, error) {
	row := &models.Log{
		UserID:      optional(in.UserID),
		APIKeyID:    optional(in.APIKeyID),
		ProviderID:  optional(in.ProviderID),
		RequestID:   in.RequestID,
		Endpoint:    in.Endpoint,
		Model:       in.Model,
		Streaming:   in.Streaming,
		RequestBody: requestSnapshot(in.RequestBody, r.maxBody),
		Status:      models.LogStatusPending,
		CreatedAt:   r.now(),
	}
	if err := r.store.CreateLog(ctx, row); err != nil {
		return nil, err
	}
	return &Entry{rec: r, row: row, in: in, started: row.CreatedAt}, nil
}

// Entry is one pending row. Its terminal methods are safe to call from
// multiple goroutines; only the first has any effect.
type Entry struct {
	rec     *Recorder
	row     *models.Log
	in      Input
	started time.Time

	once sync.Once
}

func (e *Entry) ID() string { return e.row.ID }

// Succeed records a successful outcome.
func (e *Entry) Succeed(ctx context.Context, out Outcome) {
	e.once.Do(func() {
		e.finish(ctx, models.LogStatusSuccess, out.Usage, "",
			responseSnapshot(out.Content, out.Role, e.rec.maxBody), out.Cached)
	})
}

// Fail records err together with any usage observed before the failure.
func (e *Entry) Fail(ctx context.Context, err error, partial providers.Usage) {
	e.once.Do(func() {
		e.finish(ctx, models.LogStatusError, partial, errorMessage(err), nil, false)
	})
}

// Finish is meant for defer. It records err, or ErrNoOutcome when err is
// nil, unless a terminal call already happened.
func (e *Entry) Finish(ctx context.Context, err error) {
	if err == nil {
		err = ErrNoOutcome
	}
	e.Fail(ctx, err, providers.Usage{})
}

func (e *Entry) finish(
	ctx context.Context,
	status string,
	u providers.Usage,
	msg string,
	response []byte,
	cached bool,
) {
	r := e.rec
	now := r.now()
	cost := Cost(u, e.in.InputPrice, e.in.OutputPrice)

	res := store.LogResult{
		Status:           status,
		ExecutionTime:    now.Sub(e.started).Milliseconds(),
		PromptTokens:     int64(u.InputTokens),
		CompletionTokens: int64(u.OutputTokens),
		TotalTokens:      int64(u.InputTokens + u.OutputTokens),
		Cost:             cost,
		Error:            msg,
		ResponseBody:     response,
		Cached:           cached,
		CompletedAt:      now,
	}

	// The caller may already be gone; the terminal write must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	updated, err := r.store.FinishLog(ctx, e.row.ID, res)
	switch {
	case err != nil:
		r.log.ErrorContext(ctx, "usage finish failed",
			slog.String("log_id", e.row.ID),
			slog.String("request_id", e.in.RequestID),
			slog.String("error", err.Error()),
		)
		return
	case !updated:
		r.log.WarnContext(ctx, "usage row already terminal",
			slog.String("log_id", e.row.ID),
			slog.String("request_id", e.in.RequestID),
		)
		return
	}

	if r.sink != nil {
		costF, _ := cost.Float64()
		r.sink.Log(logger.UsageEvent{
			LogID:            e.row.ID,
			RequestID:        e.in.RequestID,
			UserID:           e.in.UserID,
			APIKeyID:         e.in.APIKeyID,
			ProviderID:       e.in.ProviderID,
			Model:            e.in.Model,
			Endpoint:         e.in.Endpoint,
			Status:           status,
			Streaming:        e.in.Streaming,
			Cached:           cached,
			PromptTokens:     uint32(max(u.InputTokens, 0)),
			CompletionTokens: uint32(max(u.OutputTokens, 0)),
			Cost:             costF,
			LatencyMs:        uint32(max(res.ExecutionTime, 0)),
			CreatedAt:        e.started,
		})
	}
}

// Cost prices usage per thousand tokens.
func Cost(u providers.Usage, inputPrice, outputPrice decimal.Decimal) decimal.Decimal {
	in := decimal.NewFromInt(int64(u.InputTokens)).Div(thousand).Mul(inputPrice)
	out := decimal.NewFromInt(int64(u.OutputTokens)).Div(thousand).Mul(outputPrice)
	return in.Add(out)
}

func errorMessage(err error) string {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return string(pe.Kind) + ": " + pe.Message
	}
	return err.Error()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type truncatedBody struct {
	Truncated bool `json:"truncated"`
	Bytes     int  `json:"bytes"`
}

// requestSnapshot keeps body verbatim when it is valid JSON within limit.
func requestSnapshot(body []byte, limit int) []byte {
	if len(body) == 0 {
		return nil
	}
	if len(body) <= limit && json.Valid(body) {
		return body
	}
	out, _ := json.Marshal(truncatedBody{Truncated: true, Bytes: len(body)})
	return out
}

type responseBody struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// responseSnapshot encodes the reply, cutting content on a rune boundary so
// the encoding fits in limit bytes.
func responseSnapshot(content, role string, limit int) []byte {
	out, _ := json.Marshal(responseBody{Role: role, Content: content})
	if len(out) <= limit {
		return out
	}

	// Escaping can grow the content, so shrink until it fits.
	cut := len(content)
	for len(out) > limit && cut > 0 {
		cut -= len(out) - limit
		if cut < 0 {
			cut = 0
		}
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		out, _ = json.Marshal(responseBody{Role: role, Content: content[:cut], Truncated: true})
	}
	return out
}
