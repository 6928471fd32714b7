package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/mindroute/gateway/internal/access"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/routing"
	"github.com/mindroute/gateway/internal/usage"
	"github.com/mindroute/gateway/pkg/apierr"
)

// stream opens the upstream stream and installs the SSE body writer. It
// reports whether the usage entry was handed to the writer. An upstream that
// fails before the first byte gets a plain JSON error reply instead.
func (g *Gateway) stream(
	ctx *fasthttp.RequestCtx,
	entry *usage.Entry,
	res *access.Resolved,
	cred providers.Credential,
	in *inbound,
	rreq routing.Request,
	start time.Time,
) bool {
	reqID := requestIDFrom(ctx)
	upStart := time.Now()

	// The stream outlives the handler, so it hangs off the gateway context.
	// Client disconnects surface as write errors in the body writer.
	st, err := g.router.Stream(g.baseCtx, res, cred, rreq)
	if err != nil {
		g.cb.Record(res.ProviderID, err)
		g.metrics.ObserveUpstreamAttempt(res.ProviderType, outcomeLabel(err), time.Since(upStart))
		entry.Fail(ctx, err, providers.Usage{})
		g.finishRequest(ctx, reqID, res, in, err, false, start)
		apierr.WriteError(ctx, err)
		return false
	}

	streamDone := g.metrics.StreamStarted()

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("stream writer panic",
					slog.Any("panic", r),
					slog.String("request_id", reqID),
				)
			}
			st.Close()
			// No-op unless the writer panicked before recording.
			entry.Finish(g.baseCtx, nil)
		}()

		content, clientGone := relay(w, st)
		outcome := st.Wait()

		var streamErr error
		if outcome.Err != nil {
			streamErr = outcome.Err
		}
		g.cb.Record(res.ProviderID, streamErr)
		g.metrics.ObserveUpstreamAttempt(res.ProviderType, outcomeLabel(streamErr), time.Since(upStart))
		g.metrics.AddTokens(res.ProviderType, outcome.Usage.InputTokens, outcome.Usage.OutputTokens)

		if streamErr != nil {
			entry.Fail(g.baseCtx, streamErr, outcome.Usage)
		} else {
			entry.Succeed(g.baseCtx, usage.Outcome{Content: content, Role: "assistant", Usage: outcome.Usage})
		}
		streamDone(outcomeLabel(streamErr))
		g.finishRequest(g.baseCtx, reqID, res, in, streamErr, false, start)

		if clientGone {
			g.log.Debug("stream client disconnected",
				slog.String("request_id", reqID),
				slog.Int("chunks", outcome.Chunks),
			)
		}
	})
	return true
}

// relay forwards stream events as SSE frames until the terminal event. A
// failed write means the client is gone: the stream is closed and the rest
// of its events are drained without writing. It returns the relayed text.
func relay(w *bufio.Writer, st *routing.Stream) (string, bool) {
	var (
		sb         strings.Builder
		clientGone bool
	)
	for ev := range st.Events() {
		if clientGone {
			continue
		}
		var frame any
		if ev.Done {
			frame = terminalFrame(ev)
		} else {
			sb.WriteString(ev.Content)
			frame = sseChunk{Content: ev.Content}
		}
		if err := writeFrame(w, frame); err != nil {
			clientGone = true
			st.Close()
		}
	}
	return sb.String(), clientGone
}

func terminalFrame(ev routing.Event) sseDone {
	f := sseDone{Done: true}
	if ev.Err != nil {
		_, e := apierr.From(ev.Err)
		f.Error = &sseError{Message: e.Message, Type: e.Type, Code: e.Code}
		return f
	}
	if ev.Usage != nil {
		u := newUsage(*ev.Usage)
		f.Usage = &u
	}
	return f
}

func writeFrame(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
