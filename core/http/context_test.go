package http

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, raw string) (*Context, *bytes.Buffer) {
	t.Helper()
	req, err := ParseRequest([]byte(raw))
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx := AcquireContextForWriter(&buf, req)
	t.Cleanup(func() {
		ReleaseContext(ctx)
		ReleaseRequest(req)
	})
	return ctx, &buf
}

func TestContextParams(t *testing.T) {
	ctx, _ := newTestContext(t, "GET /users/42 HTTP/1.1\r\n\r\n")

	ctx.SetParam("id", "42")
	assert.Equal(t, "42", ctx.Param("id"))
	assert.Empty(t, ctx.Param("missing"))
}

func TestContextParamOverflow(t *testing.T) {
	ctx, _ := newTestContext(t, "GET / HTTP/1.1\r\n\r\n")

	// Exceed the fixed array so values spill into the overflow map.
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for i, k := range keys {
		ctx.SetParam(k, strings.Repeat("v", i+1))
	}
	for i, k := range keys {
		assert.Equal(t, strings.Repeat("v", i+1), ctx.Param(k))
	}
}

func TestContextJSONResponse(t *testing.T) {
	ctx, buf := newTestContext(t, "GET / HTTP/1.1\r\n\r\n")

	err := ctx.JSON(200, map[string]string{"ok": "yes"})
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	assert.Contains(t, out, "Content-Type: application/json")
	assert.Contains(t, out, `{"ok":"yes"}`)
	assert.True(t, ctx.Written())
	assert.Equal(t, 200, ctx.Status())
}

func TestContextStringResponse(t *testing.T) {
	ctx, buf := newTestContext(t, "GET / HTTP/1.1\r\n\r\n")

	require.NoError(t, ctx.String(404, "nope"))

	out := buf.String()
	assert.Contains(t, out, "HTTP/1.1 404 Not Found")
	assert.Contains(t, out, "Content-Length: 4")
	assert.True(t, strings.HasSuffix(out, "nope"))
}

func TestContextResponseHeaders(t *testing.T) {
	ctx, buf := newTestContext(t, "GET / HTTP/1.1\r\n\r\n")

	ctx.SetHeader("X-Request-ID", "abc")
	require.NoError(t, ctx.NoContent(204))

	out := buf.String()
	assert.Contains(t, out, "HTTP/1.1 204 No Content")
	assert.Contains(t, out, "X-Request-ID: abc")
}

func TestContextBind(t *testing.T) {
	ctx, _ := newTestContext(t, "POST /api/tasks HTTP/1.1\r\nContent-Length: 16\r\n\r\n{\"title\":\"demo\"}")

	var body struct {
		Title string `json:"title"`
	}
	require.NoError(t, ctx.Bind(&body))
	assert.Equal(t, "demo", body.Title)
}

func TestContextBindInvalid(t *testing.T) {
	ctx, _ := newTestContext(t, "POST / HTTP/1.1\r\nContent-Length: 4\r\n\r\nnope")

	var body map[string]any
	err := ctx.Bind(&body)
	require.Error(t, err)

	httpErr := ErrorFrom(err)
	assert.Equal(t, 400, httpErr.Status)
	assert.Equal(t, "bad_request", httpErr.Code)
}

type createTask struct {
	Title string `json:"title"`
}

func (c *createTask) Validate() error {
	if c.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

func TestContextBindValidates(t *testing.T) {
	ctx, _ := newTestContext(t, "POST /api/tasks HTTP/1.1\r\nContent-Length: 12\r\n\r\n{\"title\":\"\"}")

	var body createTask
	err := ctx.Bind(&body)
	require.Error(t, err)

	httpErr := ErrorFrom(err)
	assert.Equal(t, 400, httpErr.Status)
	assert.Equal(t, "title is required", httpErr.Details)

	ok, _ := newTestContext(t, "POST /api/tasks HTTP/1.1\r\nContent-Length: 16\r\n\r\n{\"title\":\"demo\"}")
	require.NoError(t, ok.Bind(&body))
	assert.Equal(t, "demo", body.Title)
}

func TestContextKeys(t *testing.T) {
	ctx, _ := newTestContext(t, "GET / HTTP/1.1\r\n\r\n")

	ctx.Set("user", "alice")
	v, ok := ctx.Get("user")
	assert.True(t, ok)
	assert.Equal(t, "alice", v)

	_, ok = ctx.Get("absent")
	assert.False(t, ok)
}

func TestContextResetClearsEverything(t *testing.T) {
	ctx, _ := newTestContext(t, "GET / HTTP/1.1\r\n\r\n")

	ctx.SetParam("id", "1")
	ctx.Set("k", "v")
	ctx.SetRequestID("rid")
	ctx.SetHeader("X", "y")
	_ = ctx.NoContent(204)

	ctx.Reset(-1, nil)

	assert.Empty(t, ctx.Param("id"))
	_, ok := ctx.Get("k")
	assert.False(t, ok)
	assert.Empty(t, ctx.RequestID())
	assert.False(t, ctx.Written())
	assert.Zero(t, ctx.Status())
}
