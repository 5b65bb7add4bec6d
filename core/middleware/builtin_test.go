package middleware

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/log"
)

func TestRecoveryConvertsPanic(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		panic("boom")
	}, Recovery())

	ctx, _ := newCtx(t, "GET / HTTP/1.1\r\n\r\n")
	err := h(ctx)

	require.Error(t, err)
	httpErr := ramhttp.ErrorFrom(err)
	assert.Equal(t, 500, httpErr.Status)
	assert.Equal(t, "internal server error", httpErr.Message)
}

func TestRecoveryPassesThrough(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		return ramhttp.NotFound("gone")
	}, Recovery())

	ctx, _ := newCtx(t, "GET / HTTP/1.1\r\n\r\n")
	err := h(ctx)
	assert.Equal(t, 404, ramhttp.ErrorFrom(err).Status)
}

func TestRequestIDGenerated(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		assert.NotEmpty(t, ctx.RequestID())
		return ctx.NoContent(204)
	}, RequestID())

	ctx, buf := newCtx(t, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, h(ctx))
	assert.Contains(t, buf.String(), "X-Request-ID: ")
}

func TestRequestIDPropagated(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		assert.Equal(t, "client-id-1", ctx.RequestID())
		return nil
	}, RequestID())

	ctx, _ := newCtx(t, "GET / HTTP/1.1\r\nX-Request-ID: client-id-1\r\n\r\n")
	require.NoError(t, h(ctx))
}

func TestRequestIDInRequestContext(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		assert.Equal(t, ctx.RequestID(), log.RequestIDFromContext(ctx.Context()))
		return nil
	}, RequestID())

	ctx, _ := newCtx(t, "GET / HTTP/1.1\r\nX-Request-ID: client-id-2\r\n\r\n")
	require.NoError(t, h(ctx))
}

func TestCORSPreflight(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		t.Fatal("handler must not run on preflight")
		return nil
	}, CORS(CORSConfig{}))

	ctx, buf := newCtx(t, "OPTIONS /api HTTP/1.1\r\nOrigin: https://example.com\r\n\r\n")
	require.NoError(t, h(ctx))

	out := buf.String()
	assert.Contains(t, out, "HTTP/1.1 204 No Content")
	assert.Contains(t, out, "Access-Control-Allow-Origin: *")
	assert.Contains(t, out, "Access-Control-Allow-Methods: ")
}

func TestCORSExplicitOrigin(t *testing.T) {
	mw := CORS(CORSConfig{AllowOrigins: []string{"https://app.example.com"}})

	h := Compose(func(ctx *ramhttp.Context) error {
		return ctx.NoContent(204)
	}, mw)

	ctx, buf := newCtx(t, "GET /api HTTP/1.1\r\nOrigin: https://app.example.com\r\n\r\n")
	require.NoError(t, h(ctx))
	assert.Contains(t, buf.String(), "Access-Control-Allow-Origin: https://app.example.com")

	ctx2, buf2 := newCtx(t, "GET /api HTTP/1.1\r\nOrigin: https://evil.example.com\r\n\r\n")
	require.NoError(t, h(ctx2))
	assert.NotContains(t, buf2.String(), "Access-Control-Allow-Origin")
}

func TestRateLimit(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		return nil
	}, RateLimit(1, 2))

	ctx, _ := newCtx(t, "GET / HTTP/1.1\r\n\r\n")

	// Burst of 2 passes, third is rejected.
	require.NoError(t, h(ctx))
	require.NoError(t, h(ctx))
	err := h(ctx)
	require.Error(t, err)
	assert.Equal(t, 429, ramhttp.ErrorFrom(err).Status)
}

func TestTimeout(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		select {
		case <-ctx.Context().Done():
			return nil
		case <-time.After(5 * time.Second):
			return nil
		}
	}, Timeout(20*time.Millisecond))

	ctx, _ := newCtx(t, "GET /slow HTTP/1.1\r\n\r\n")
	start := time.Now()
	err := h(ctx)

	require.Error(t, err)
	assert.Equal(t, 503, ramhttp.ErrorFrom(err).Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTimeoutExpiredHandlerCannotReachConnection(t *testing.T) {
	finished := make(chan error, 1)
	h := Compose(func(ctx *ramhttp.Context) error {
		time.Sleep(50 * time.Millisecond)
		err := ctx.JSON(200, map[string]string{"leak": "late-payload"})
		finished <- err
		return err
	}, Timeout(10*time.Millisecond))

	ctxA, bufA := newCtx(t, "GET /slow HTTP/1.1\r\n\r\n")
	err := h(ctxA)
	require.Error(t, err)
	assert.Equal(t, 503, ramhttp.ErrorFrom(err).Status)
	assert.False(t, ctxA.Written())
	assert.Empty(t, bufA.String())

	// Recycle the context for a second request while the abandoned
	// handler is still running.
	ramhttp.ReleaseContext(ctxA)
	reqB, perr := ramhttp.ParseRequest([]byte("GET /fast HTTP/1.1\r\n\r\n"))
	require.NoError(t, perr)
	var bufB bytes.Buffer
	ctxB := ramhttp.AcquireContextForWriter(&bufB, reqB)
	t.Cleanup(func() {
		ramhttp.ReleaseContext(ctxB)
		ramhttp.ReleaseRequest(reqB)
	})

	require.NoError(t, <-finished)
	require.NoError(t, ctxB.NoContent(204))
	out := bufB.String()
	assert.NotContains(t, out, "late-payload")
	assert.Contains(t, out, "HTTP/1.1 204 No Content")
}

func TestTimeoutFastHandler(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		return ctx.NoContent(204)
	}, Timeout(time.Second))

	ctx, _ := newCtx(t, "GET / HTTP/1.1\r\n\r\n")
	assert.NoError(t, h(ctx))
}

func TestBodyLimit(t *testing.T) {
	h := Compose(func(ctx *ramhttp.Context) error {
		return nil
	}, BodyLimit(4))

	ok, _ := newCtx(t, "POST / HTTP/1.1\r\nContent-Length: 4\r\n\r\nabcd")
	assert.NoError(t, h(ok))

	big, _ := newCtx(t, "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nabcde")
	err := h(big)
	require.Error(t, err)
	assert.Equal(t, 413, ramhttp.ErrorFrom(err).Status)
}
