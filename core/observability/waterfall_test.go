package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/core/router"
	ramlog "github.com/ramapi/ramapi/log"
)

func profiledRouter(rec *Recorder) *router.Router {
	r := router.New()
	r.Use(Profile(rec))
	r.GET("/users/:id", func(ctx *ramhttp.Context) error {
		span := SpanFrom(ctx).Child("db.query")
		span.End()
		return ctx.JSON(200, map[string]string{"id": ctx.Param("id")})
	})
	NewHandler(rec).Register(r.Group("/profile"))
	return r
}

func do(t *testing.T, r *router.Router, method, path string) (*bytes.Buffer, error) {
	t.Helper()
	var buf bytes.Buffer
	req := ramhttp.AcquireRequest()
	req.Method = method
	req.Path = path
	ctx := ramhttp.AcquireContextForWriter(&buf, req)
	defer ramhttp.ReleaseContext(ctx)
	err := r.Dispatch(ctx)
	if err != nil {
		ramhttp.Respond(ctx, err)
	}
	return &buf, err
}

// bodyJSON strips the raw HTTP response down to its JSON body.
func bodyJSON(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()
	raw := buf.String()
	idx := strings.Index(raw, "\r\n\r\n")
	require.NotEqual(t, -1, idx, "no header terminator in response")
	require.NoError(t, json.Unmarshal([]byte(raw[idx+4:]), v))
}

func TestProfileMiddlewareRecordsTrace(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := profiledRouter(rec)

	buf, err := do(t, r, "GET", "/users/42")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "X-Trace-Id:")

	traces := rec.Traces()
	require.Len(t, traces, 1)
	tr := traces[0]
	assert.Equal(t, "/users/:id", tr.Route)
	assert.Equal(t, 200, tr.Status)
	require.Len(t, tr.Spans, 2)
	assert.Equal(t, "db.query", tr.Spans[1].Name)
}

func TestProfileCorrelatesContext(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := router.New()
	r.Use(Profile(rec))
	var traceID string
	r.GET("/traced", func(ctx *ramhttp.Context) error {
		traceID = ramlog.TraceIDFromContext(ctx.Context())
		return ctx.NoContent(204)
	})

	_, err := do(t, r, "GET", "/traced")
	require.NoError(t, err)

	traces := rec.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, traces[0].TraceID, traceID)
}

func TestProfileMiddlewareDisabled(t *testing.T) {
	rec := NewRecorder(8)
	r := profiledRouter(rec)

	_, err := do(t, r, "GET", "/users/1")
	require.NoError(t, err)
	assert.Empty(t, rec.Traces())
}

func TestProfileRecordsErrorStatus(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := router.New()
	r.Use(Profile(rec))
	r.GET("/boom", func(ctx *ramhttp.Context) error {
		return ramhttp.Unavailable("down")
	})

	_, err := do(t, r, "GET", "/boom")
	require.Error(t, err)

	traces := rec.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, 503, traces[0].Status)
}

func TestListTracesEndpoint(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := profiledRouter(rec)

	_, err := do(t, r, "GET", "/users/7")
	require.NoError(t, err)

	buf, err := do(t, r, "GET", "/profile/traces")
	require.NoError(t, err)

	var resp struct {
		Enabled bool `json:"enabled"`
		Count   int  `json:"count"`
		Traces  []struct {
			TraceID string `json:"traceId"`
			Route   string `json:"route"`
		} `json:"traces"`
	}
	bodyJSON(t, buf, &resp)
	assert.True(t, resp.Enabled)
	// The /profile/traces request itself is profiled too.
	require.GreaterOrEqual(t, resp.Count, 1)
	assert.Equal(t, "/users/:id", resp.Traces[len(resp.Traces)-1].Route)
}

func TestWaterfallEndpoint(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := profiledRouter(rec)

	_, err := do(t, r, "GET", "/users/7")
	require.NoError(t, err)
	traceID := rec.Traces()[0].TraceID

	buf, err := do(t, r, "GET", "/profile/"+traceID+"/waterfall")
	require.NoError(t, err)

	var resp struct {
		TraceID   string `json:"traceId"`
		Route     string `json:"route"`
		Waterfall []struct {
			Name  string `json:"name"`
			Depth int    `json:"depth"`
		} `json:"waterfall"`
	}
	bodyJSON(t, buf, &resp)
	assert.Equal(t, traceID, resp.TraceID)
	assert.Equal(t, "/users/:id", resp.Route)
	require.Len(t, resp.Waterfall, 2)
	assert.Equal(t, "request", resp.Waterfall[0].Name)
	assert.Equal(t, "db.query", resp.Waterfall[1].Name)
	assert.Equal(t, 1, resp.Waterfall[1].Depth)
}

func TestWaterfallEndpointUnknownTrace(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := profiledRouter(rec)

	buf, err := do(t, r, "GET", "/profile/nope/waterfall")
	require.Error(t, err)
	var httpErr *ramhttp.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 404, httpErr.Status)
	assert.Contains(t, buf.String(), "trace not found")
}

func TestStatsEndpoint(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := profiledRouter(rec)

	for i := 0; i < 3; i++ {
		_, err := do(t, r, "GET", "/users/7")
		require.NoError(t, err)
	}

	buf, err := do(t, r, "GET", "/profile/stats")
	require.NoError(t, err)

	var resp struct {
		Routes []struct {
			Route string `json:"route"`
			Count int64  `json:"count"`
		} `json:"routes"`
	}
	bodyJSON(t, buf, &resp)
	var found bool
	for _, rt := range resp.Routes {
		if rt.Route == "GET /users/:id" {
			found = true
			assert.Equal(t, int64(3), rt.Count)
		}
	}
	assert.True(t, found)
}

func TestEnableDisableEndpoints(t *testing.T) {
	rec := NewRecorder(8)
	r := profiledRouter(rec)

	_, err := do(t, r, "POST", "/profile/enable")
	require.NoError(t, err)
	assert.True(t, rec.Enabled())

	_, err = do(t, r, "POST", "/profile/disable")
	require.NoError(t, err)
	assert.False(t, rec.Enabled())
}

func TestClearTracesEndpoint(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	r := profiledRouter(rec)

	_, err := do(t, r, "GET", "/users/1")
	require.NoError(t, err)
	require.NotEmpty(t, rec.Traces())

	_, err = do(t, r, "DELETE", "/profile/traces")
	require.NoError(t, err)
	// Only the DELETE itself remains.
	traces := rec.Traces()
	require.Len(t, traces, 1)
}
