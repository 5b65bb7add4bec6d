package middleware

import (
	"bytes"
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/log"
)

// Recovery converts handler panics into a 500 error after logging the
// stack. It belongs at the head of every chain.
func Recovery() Middleware {
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := ctx.Logger()
					logger.Error().
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Str("path", ctx.Path()).
						Msg("handler panic recovered")
					err = ramhttp.Internal("internal server error")
				}
			}()
			return next(ctx)
		}
	}
}

// RequestID assigns a UUID to each request, exposes it as X-Request-ID,
// stores it on the request's context.Context and attaches a correlated
// logger.
func RequestID() Middleware {
	base := log.WithComponent("http")
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			id := ctx.Header("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			ctx.SetRequestID(id)
			ctx.SetHeader("X-Request-ID", id)
			ctx.WithContext(log.ContextWithRequestID(ctx.Context(), id))
			ctx.SetLogger(base.With().Str("request_id", id).Logger())
			return next(ctx)
		}
	}
}

// AccessLog emits one structured line per request.
func AccessLog() Middleware {
	fallback := log.WithComponent("http")
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.Status()
			if err != nil {
				status = ramhttp.ErrorFrom(err).Status
			}

			logger := ctx.Logger()
			if logger.GetLevel() == zerolog.Disabled {
				// No RequestID middleware ran ahead of us.
				logger = fallback
			}
			evt := logger.Info()
			if status >= 500 {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("method", ctx.Method()).
				Str("path", ctx.Path()).
				Str("route", ctx.Route()).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("trace_id", ctx.TraceID()).
				Msg("request")
			return err
		}
	}
}

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	AllowOrigins     []string // "*" or explicit origins
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// CORS handles cross-origin headers and short-circuits OPTIONS preflight
// requests with 204.
func CORS(cfg CORSConfig) Middleware {
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowHeaders) == 0 {
		cfg.AllowHeaders = []string{"Content-Type", "Authorization"}
	}
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	maxAge := ""
	if secs := int(cfg.MaxAge.Seconds()); secs > 0 {
		maxAge = strconv.Itoa(secs)
	}

	allowAll := len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*"

	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			origin := ctx.Header("Origin")
			allowed := ""
			switch {
			case allowAll:
				allowed = "*"
			case origin != "":
				for _, o := range cfg.AllowOrigins {
					if o == origin {
						allowed = origin
						break
					}
				}
			}

			if allowed != "" {
				ctx.SetHeader("Access-Control-Allow-Origin", allowed)
				if cfg.AllowCredentials {
					ctx.SetHeader("Access-Control-Allow-Credentials", "true")
				}
			}

			if ctx.Method() == "OPTIONS" {
				ctx.SetHeader("Access-Control-Allow-Methods", methods)
				ctx.SetHeader("Access-Control-Allow-Headers", headers)
				if maxAge != "" {
					ctx.SetHeader("Access-Control-Max-Age", maxAge)
				}
				return ctx.NoContent(204)
			}

			return next(ctx)
		}
	}
}

// RateLimit rejects requests above the given per-second rate with 429.
// The token bucket allows bursts up to burst.
func RateLimit(perSecond float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			if !limiter.Allow() {
				return ramhttp.TooManyRequests("rate limit exceeded")
			}
			return next(ctx)
		}
	}
}

// Timeout bounds handler execution. The request context carries the
// deadline; handlers doing real work should honor ctx.Context(). When the
// deadline passes before the handler returns, the client gets 503 and the
// handler's eventual result is discarded. The handler runs on a detached
// context writing to a private buffer, so an expired handler can never
// touch the live connection or a recycled pooled context. Streaming
// handlers (SSE, WebSocket) must not sit behind Timeout.
func Timeout(d time.Duration) Middleware {
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			tctx, cancel := context.WithTimeout(ctx.Context(), d)
			defer cancel()
			ctx.WithContext(tctx)

			var buf bytes.Buffer
			shadow := ramhttp.AcquireContextForWriter(&buf, ctx.Request())
			ctx.CopyTo(shadow)

			done := make(chan error, 1)
			go func() {
				done <- next(shadow)
			}()

			select {
			case err := <-done:
				if shadow.Written() {
					ctx.SetStatus(shadow.Status())
					if werr := ctx.WriteRaw(buf.Bytes()); werr != nil {
						ramhttp.ReleaseContext(shadow)
						return werr
					}
				}
				ramhttp.ReleaseContext(shadow)
				return err
			case <-tctx.Done():
				// The abandoned goroutine still owns shadow and buf;
				// neither returns to a pool.
				return ramhttp.Unavailable("request timed out")
			}
		}
	}
}

// BodyLimit rejects request bodies larger than max bytes with 413.
func BodyLimit(max int) Middleware {
	return func(next ramhttp.Handler) ramhttp.Handler {
		return func(ctx *ramhttp.Context) error {
			if len(ctx.Body()) > max {
				return ramhttp.PayloadTooLarge("request body too large")
			}
			return next(ctx)
		}
	}
}
