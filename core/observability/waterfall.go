package observability

import (
	"sort"
	"time"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/core/middleware"
	"github.com/ramapi/ramapi/core/router"
	ramlog "github.com/ramapi/ramapi/log"
)

// Profile returns middleware that opens a root span per request and
// commits the finished trace to the recorder. While the recorder is
// disabled the middleware degrades to a plain passthrough.
func Profile(rec *Recorder) middleware.Middleware {
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			root := rec.StartTrace(ctx.TraceID(), ctx.Method(), ctx.Path())
			if root == nil {
				return next(ctx)
			}
			if ctx.TraceID() == "" {
				ctx.SetTraceID(root.trace.id)
			}
			ctx.WithContext(ramlog.ContextWithTraceID(ctx.Context(), root.trace.id))
			ctx.SetSpan(root)
			ctx.SetHeader("X-Trace-Id", root.trace.id)

			err := next(ctx)

			status := ctx.Status()
			if err != nil {
				status = ramhttp.ErrorFrom(err).Status
			}
			rec.FinishTrace(root, ctx.Route(), status)
			return err
		}
	}
}

// SpanFrom returns the request's root profiling span, or nil when
// profiling is off. Handlers use it to open children:
//
//	span := observability.SpanFrom(ctx).Child("db.query")
//	defer span.End()
func SpanFrom(ctx *ramhttp.Context) *Span {
	if s, ok := ctx.Span().(*Span); ok {
		return s
	}
	return nil
}

// WaterfallEntry is one bar in the waterfall view: a span positioned
// relative to the trace start, with its nesting depth.
type WaterfallEntry struct {
	Name       string         `json:"name"`
	Depth      int            `json:"depth"`
	OffsetNs   time.Duration  `json:"offsetNs"`
	DurationNs time.Duration  `json:"durationNs"`
	Percent    float64        `json:"percent"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Waterfall flattens a trace's span tree into depth-annotated entries
// ordered by start time.
func Waterfall(tr *Trace) []WaterfallEntry {
	depth := make(map[string]int, len(tr.Spans))
	byID := make(map[string]*Span, len(tr.Spans))
	for _, s := range tr.Spans {
		byID[s.ID] = s
	}
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		s := byID[id]
		d := 0
		if s.ParentID != "" {
			if _, ok := byID[s.ParentID]; ok {
				d = depthOf(s.ParentID) + 1
			}
		}
		depth[id] = d
		return d
	}

	spans := append([]*Span(nil), tr.Spans...)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })

	total := tr.Duration
	out := make([]WaterfallEntry, 0, len(spans))
	for _, s := range spans {
		e := WaterfallEntry{
			Name:       s.Name,
			Depth:      depthOf(s.ID),
			OffsetNs:   s.Start.Sub(tr.Start),
			DurationNs: s.Duration(),
			Meta:       s.Meta,
		}
		if total > 0 {
			e.Percent = float64(e.DurationNs) / float64(total) * 100
		}
		out = append(out, e)
	}
	return out
}

// Handler serves the profiling HTTP surface.
type Handler struct {
	rec *Recorder
}

// NewHandler wraps a recorder for HTTP exposure.
func NewHandler(rec *Recorder) *Handler {
	return &Handler{rec: rec}
}

// Register mounts the profiling routes on a router group.
func (h *Handler) Register(g *router.Group) {
	g.GET("/traces", h.ListTraces)
	g.GET("/stats", h.Stats)
	g.GET("/:traceId/waterfall", h.GetWaterfall)
	g.POST("/enable", h.Enable)
	g.POST("/disable", h.Disable)
	g.DELETE("/traces", h.ClearTraces)
}

type traceSummary struct {
	TraceID    string        `json:"traceId"`
	Method     string        `json:"method"`
	Route      string        `json:"route"`
	Status     int           `json:"status"`
	Start      time.Time     `json:"start"`
	DurationNs time.Duration `json:"durationNs"`
	SpanCount  int           `json:"spanCount"`
}

// ListTraces returns summaries of retained traces, newest first.
func (h *Handler) ListTraces(ctx *ramhttp.Context) error {
	traces := h.rec.Traces()
	out := make([]traceSummary, 0, len(traces))
	for _, tr := range traces {
		out = append(out, traceSummary{
			TraceID:    tr.TraceID,
			Method:     tr.Method,
			Route:      tr.Route,
			Status:     tr.Status,
			Start:      tr.Start,
			DurationNs: tr.Duration,
			SpanCount:  len(tr.Spans),
		})
	}
	return ctx.JSON(200, map[string]any{
		"enabled": h.rec.Enabled(),
		"count":   len(out),
		"traces":  out,
	})
}

// GetWaterfall returns the waterfall view of one trace.
func (h *Handler) GetWaterfall(ctx *ramhttp.Context) error {
	id := ctx.Param("traceId")
	tr, ok := h.rec.Trace(id)
	if !ok {
		return ramhttp.NotFound("trace not found").WithDetails(map[string]any{"traceId": id})
	}
	return ctx.JSON(200, map[string]any{
		"traceId":      tr.TraceID,
		"method":       tr.Method,
		"route":        tr.Route,
		"status":       tr.Status,
		"durationNs":   tr.Duration,
		"droppedSpans": tr.Dropped,
		"waterfall":    Waterfall(tr),
	})
}

// Stats returns per-route latency aggregates.
func (h *Handler) Stats(ctx *ramhttp.Context) error {
	return ctx.JSON(200, map[string]any{
		"enabled": h.rec.Enabled(),
		"routes":  h.rec.Stats(),
	})
}

// Enable switches trace recording on.
func (h *Handler) Enable(ctx *ramhttp.Context) error {
	h.rec.SetEnabled(true)
	return ctx.JSON(200, map[string]any{"enabled": true})
}

// Disable switches trace recording off. Retained traces stay queryable.
func (h *Handler) Disable(ctx *ramhttp.Context) error {
	h.rec.SetEnabled(false)
	return ctx.JSON(200, map[string]any{"enabled": false})
}

// ClearTraces drops retained traces.
func (h *Handler) ClearTraces(ctx *ramhttp.Context) error {
	h.rec.Clear()
	return ctx.NoContent(204)
}
