package admin

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/store"
	"github.com/mindroute/gateway/pkg/apierr"
)

const maxLogPage = 500

// listLogs serves GET /admin/logs. Filters come from the query string:
// userId, providerId, status, model, from, to (RFC 3339), limit and offset.
func (h *Handler) listLogs(ctx *fasthttp.RequestCtx) {
	f, msg := parseLogFilter(ctx.QueryArgs())
	if msg != "" {
		apierr.WriteInvalid(ctx, msg)
		return
	}
	rows, total, err := h.store.ListLogs(ctx, f)
	if err != nil {
		h.writeStoreError(ctx, err, "log")
		return
	}
	out := make([]logView, 0, len(rows))
	for i := range rows {
		out = append(out, newLogView(&rows[i]))
	}
	writeList(ctx, out, total)
}

func parseLogFilter(args *fasthttp.Args) (store.LogFilter, string) {
	f := store.LogFilter{
		UserID:     string(args.Peek("userId")),
		ProviderID: string(args.Peek("providerId")),
		Status:     string(args.Peek("status")),
		Model:      string(args.Peek("model")),
	}

	switch f.Status {
	case "", models.LogStatusPending, models.LogStatusSuccess, models.LogStatusError:
	default:
		return f, "status must be one of: pending, success, error"
	}

	var err error
	if v := args.Peek("from"); len(v) > 0 {
		if f.From, err = time.Parse(time.RFC3339, string(v)); err != nil {
			return f, "from must be an RFC 3339 timestamp"
		}
	}
	if v := args.Peek("to"); len(v) > 0 {
		if f.To, err = time.Parse(time.RFC3339, string(v)); err != nil {
			return f, "to must be an RFC 3339 timestamp"
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, "from must be before to"
	}

	if v := args.Peek("limit"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n < 1 || n > maxLogPage {
			return f, "limit must be between 1 and " + strconv.Itoa(maxLogPage)
		}
		f.Limit = n
	}
	if v := args.Peek("offset"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n < 0 {
			return f, "offset must be a non-negative integer"
		}
		f.Offset = n
	}
	return f, ""
}
