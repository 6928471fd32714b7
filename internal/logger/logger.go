// Package logger implements a non-blocking, batched usage-event logger.
//
// Finished request records are written to an internal buffered channel and
// flushed in batches by a background goroutine, so logging never blocks the
// proxy hot path. Every batch goes to the structured log; when a Writer is
// attached (ClickHouse) it receives the same batch. If the channel fills up,
// new events are dropped and counted in DroppedEvents.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second
)

// UsageEvent is the analytics view of one finished log row.
type UsageEvent struct {
	LogID            string
	RequestID        string
	UserID           string
	APIKeyID         string
	ProviderID       string
	Model            string
	Endpoint         string
	Status           string
	Streaming        bool
	Cached           bool
	PromptTokens     uint32
	CompletionTokens uint32
	Cost             float64
	LatencyMs        uint32
	CreatedAt        time.Time
}

// Writer persists a batch of events to an external store.
type Writer interface {
	WriteBatch(ctx context.Context, events []UsageEvent) error
	Close() error
}

type Logger struct {
	ch        chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64
	failedBatches int64

	baseCtx context.Context
	log     *slog.Logger
	writer  Writer
}

// New starts the background flusher. writer may be nil.
func New(ctx context.Context, slogger *slog.Logger, writer Writer) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}

	l := &Logger{
		ch:      make(chan UsageEvent, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		writer:  writer,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues e without blocking.
func (l *Logger) Log(e UsageEvent) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedEvents, 1)
	}
}

func (l *Logger) DroppedEvents() int64 {
	return atomic.LoadInt64(&l.droppedEvents)
}

// FailedBatches counts batches the Writer rejected.
func (l *Logger) FailedBatches() int64 {
	return atomic.LoadInt64(&l.failedBatches)
}

// Close flushes buffered events and closes the Writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.writer != nil {
		return l.writer.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(l.baseCtx, "usage",
				slog.String("log_id", e.LogID),
				slog.String("request_id", e.RequestID),
				slog.String("user_id", e.UserID),
				slog.String("provider_id", e.ProviderID),
				slog.String("model", e.Model),
				slog.String("endpoint", e.Endpoint),
				slog.String("status", e.Status),
				slog.Bool("streaming", e.Streaming),
				slog.Bool("cached", e.Cached),
				slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
				slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
				slog.Float64("cost", e.Cost),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			)
		}
		if l.writer != nil {
			// The base context may already be canceled during shutdown.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), writeTimeout)
			if err := l.writer.WriteBatch(ctx, batch); err != nil {
				atomic.AddInt64(&l.failedBatches, 1)
				l.log.WarnContext(ctx, "usage batch write failed",
					slog.Int("events", len(batch)),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, normalize(e))
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, normalize(e))
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalize(e UsageEvent) UsageEvent {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e
}
