package http

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"golang.org/x/sys/unix"
)

// Handler is the framework's handler contract. A returned error is mapped
// through Respond; returning nil means the handler wrote its own response.
type Handler func(*Context) error

const maxFixedParams = 8

// Context is the pooled per-request context. It carries path parameters,
// the parsed request, response state, correlation IDs, the active profiling
// span and a request-scoped key/value store.
//
// A Context is only valid for the duration of the handler chain. Handlers
// that need data beyond that must copy it out.
type Context struct {
	fd int
	w  io.Writer // overrides fd writes when set (tests, protocol adapters)

	request *Request

	// Path parameters: fixed arrays cover the common case, map overflow
	// the rest.
	paramKeys   [maxFixedParams]string
	paramValues [maxFixedParams]string
	paramCount  int
	paramMap    map[string]string

	// Response state
	responseBuf []byte
	headers     map[string]string
	status      int
	written     bool

	// Correlation and instrumentation
	route     string
	requestID string
	traceID   string
	span      any
	logger    zerolog.Logger
	hasLogger bool

	// Request-scoped values (middleware to handler)
	keys map[string]any

	ctx context.Context
}

var contextPool = sync.Pool{
	New: func() any {
		return &Context{
			responseBuf: make([]byte, 0, 4096),
		}
	},
}

// AcquireContext returns a pooled context bound to a connection fd.
func AcquireContext(fd int, req *Request) *Context {
	ctx := contextPool.Get().(*Context)
	ctx.fd = fd
	ctx.request = req
	return ctx
}

// AcquireContextForWriter returns a pooled context writing to w.
func AcquireContextForWriter(w io.Writer, req *Request) *Context {
	ctx := contextPool.Get().(*Context)
	ctx.fd = -1
	ctx.w = w
	ctx.request = req
	return ctx
}

// ReleaseContext resets the context and returns it to the pool.
func ReleaseContext(ctx *Context) {
	ctx.Reset(-1, nil)
	contextPool.Put(ctx)
}

// Reset clears the context for reuse without freeing memory.
func (c *Context) Reset(fd int, req *Request) {
	c.fd = fd
	c.w = nil
	c.request = req

	c.paramCount = 0
	if c.paramMap != nil {
		for k := range c.paramMap {
			delete(c.paramMap, k)
		}
	}
	if c.headers != nil {
		for k := range c.headers {
			delete(c.headers, k)
		}
	}
	if c.keys != nil {
		for k := range c.keys {
			delete(c.keys, k)
		}
	}

	c.responseBuf = c.responseBuf[:0]
	c.status = 0
	c.written = false
	c.route = ""
	c.requestID = ""
	c.traceID = ""
	c.span = nil
	c.hasLogger = false
	c.ctx = nil
}

// Request information

func (c *Context) Method() string { return c.request.Method }
func (c *Context) Path() string   { return c.request.Path }
func (c *Context) Proto() string  { return c.request.Proto }
func (c *Context) Body() []byte   { return c.request.Body }

// Request returns the underlying parsed request.
func (c *Context) Request() *Request { return c.request }

// Param returns a path parameter extracted by the router.
func (c *Context) Param(key string) string {
	for i := 0; i < c.paramCount; i++ {
		if c.paramKeys[i] == key {
			return c.paramValues[i]
		}
	}
	if c.paramMap != nil {
		return c.paramMap[key]
	}
	return ""
}

// SetParam stores a path parameter (called by the router).
func (c *Context) SetParam(key, value string) {
	if c.paramCount < maxFixedParams {
		c.paramKeys[c.paramCount] = key
		c.paramValues[c.paramCount] = value
		c.paramCount++
		return
	}
	if c.paramMap == nil {
		c.paramMap = make(map[string]string)
	}
	c.paramMap[key] = value
}

// Query returns a query parameter, or "".
func (c *Context) Query(key string) string {
	if c.request.Query == nil {
		return ""
	}
	return c.request.Query[key]
}

// Header returns a request header value.
func (c *Context) Header(key string) string {
	return c.request.Header(key)
}

// Validatable is implemented by request payloads that check their own
// invariants after decoding. Bind calls it when present.
type Validatable interface {
	Validate() error
}

// Bind unmarshals the JSON request body into v. A decode failure maps to
// 400 with the decoder's message in details; so does a Validate failure
// when v implements Validatable.
func (c *Context) Bind(v any) error {
	if err := json.Unmarshal(c.request.Body, v); err != nil {
		return BadRequest("invalid JSON body").WithDetails(err.Error()).WithCause(err)
	}
	if val, ok := v.(Validatable); ok {
		if err := val.Validate(); err != nil {
			return BadRequest("validation failed").WithDetails(err.Error()).WithCause(err)
		}
	}
	return nil
}

// CopyTo copies the request, path parameters, correlation state and
// request-scoped values into dst. Response state is not copied; dst
// writes its own response. The Timeout middleware uses it to hand
// handlers a detached context that never touches the live connection.
func (c *Context) CopyTo(dst *Context) {
	dst.request = c.request
	dst.paramKeys = c.paramKeys
	dst.paramValues = c.paramValues
	dst.paramCount = c.paramCount
	for k, v := range c.paramMap {
		if dst.paramMap == nil {
			dst.paramMap = make(map[string]string, len(c.paramMap))
		}
		dst.paramMap[k] = v
	}
	for k, v := range c.headers {
		dst.SetHeader(k, v)
	}
	for k, v := range c.keys {
		dst.Set(k, v)
	}
	dst.route = c.route
	dst.requestID = c.requestID
	dst.traceID = c.traceID
	dst.span = c.span
	dst.logger = c.logger
	dst.hasLogger = c.hasLogger
	dst.ctx = c.ctx
}

// Request-scoped values

// Set stores a value for downstream middleware and the handler.
func (c *Context) Set(key string, value any) {
	if c.keys == nil {
		c.keys = make(map[string]any, 4)
	}
	c.keys[key] = value
}

// Get retrieves a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	if c.keys == nil {
		return nil, false
	}
	v, ok := c.keys[key]
	return v, ok
}

// Correlation and instrumentation

// Route returns the matched route pattern (e.g. "/users/:id"), set by the
// router. Metrics and profiling key on it to avoid unbounded cardinality.
func (c *Context) Route() string           { return c.route }
func (c *Context) SetRoute(pattern string) { c.route = pattern }

func (c *Context) RequestID() string      { return c.requestID }
func (c *Context) SetRequestID(id string) { c.requestID = id }
func (c *Context) TraceID() string        { return c.traceID }
func (c *Context) SetTraceID(id string)   { c.traceID = id }

// Span returns the profiling span attached by the observability middleware,
// or nil. Stored as any to keep this package free of higher-level imports.
func (c *Context) Span() any        { return c.span }
func (c *Context) SetSpan(span any) { c.span = span }

// Logger returns the request logger. Falls back to a disabled logger when
// none was attached.
func (c *Context) Logger() zerolog.Logger {
	if c.hasLogger {
		return c.logger
	}
	return zerolog.Nop()
}

// SetLogger attaches a request-scoped logger.
func (c *Context) SetLogger(logger zerolog.Logger) {
	c.logger = logger
	c.hasLogger = true
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// WithContext replaces the request's context.Context.
func (c *Context) WithContext(ctx context.Context) {
	c.ctx = ctx
}

// Response state

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) {
	if c.headers == nil {
		c.headers = make(map[string]string, 8)
	}
	c.headers[key] = value
}

// Status returns the response status, or 0 before a response is written.
func (c *Context) Status() int { return c.status }

// SetStatus records the response status without writing anything. Used
// when the response bytes were produced elsewhere and replayed via
// WriteRaw.
func (c *Context) SetStatus(code int) { c.status = code }

// Written reports whether a response has been sent.
func (c *Context) Written() bool { return c.written }

// Response writers

// String sends a plain text response.
func (c *Context) String(code int, s string) error {
	return c.send(code, "text/plain; charset=utf-8", []byte(s))
}

// JSON sends a JSON response.
func (c *Context) JSON(code int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return Internal("response serialization failed").WithCause(err)
	}
	return c.send(code, "application/json", data)
}

// Data sends a response with an explicit content type.
func (c *Context) Data(code int, contentType string, data []byte) error {
	return c.send(code, contentType, data)
}

// NoContent sends a bodyless response.
func (c *Context) NoContent(code int) error {
	return c.send(code, "", nil)
}

// WriteRaw writes bytes straight to the connection, bypassing response
// building. Streaming protocols (SSE, WebSocket) use it after sending
// their own preamble.
func (c *Context) WriteRaw(p []byte) error {
	c.written = true
	if c.w != nil {
		_, err := c.w.Write(p)
		return err
	}
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return err
		}
		written += n
	}
	return nil
}

// Hijack detaches the connection from the engine's response handling and
// returns the file descriptor, or -1 when the context writes to an
// io.Writer instead.
func (c *Context) Hijack() int {
	c.written = true
	return c.fd
}

// send builds the raw HTTP/1.1 response in the pooled buffer and writes it.
func (c *Context) send(code int, contentType string, body []byte) error {
	c.status = code
	c.written = true

	buf := c.responseBuf[:0]
	buf = append(buf, "HTTP/1.1 "...)
	buf = appendInt(buf, code)
	buf = append(buf, ' ')
	buf = append(buf, statusText(code)...)
	buf = append(buf, "\r\n"...)

	if contentType != "" {
		buf = append(buf, "Content-Type: "...)
		buf = append(buf, contentType...)
		buf = append(buf, "\r\n"...)
	}
	buf = append(buf, "Content-Length: "...)
	buf = appendInt(buf, len(body))
	buf = append(buf, "\r\n"...)

	for k, v := range c.headers {
		buf = append(buf, k...)
		buf = append(buf, ": "...)
		buf = append(buf, v...)
		buf = append(buf, "\r\n"...)
	}

	buf = append(buf, "\r\n"...)
	buf = append(buf, body...)
	c.responseBuf = buf

	return c.writeResponse()
}

// writeResponse flushes the response buffer, handling partial writes.
func (c *Context) writeResponse() error {
	if c.w != nil {
		_, err := c.w.Write(c.responseBuf)
		return err
	}

	written := 0
	for written < len(c.responseBuf) {
		n, err := unix.Write(c.fd, c.responseBuf[written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return err
		}
		written += n
	}
	return nil
}

// appendInt appends the decimal representation of i.
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}
	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	var digits [20]byte
	n := 0
	for i > 0 {
		digits[n] = byte('0' + i%10)
		i /= 10
		n++
	}
	for n > 0 {
		n--
		b = append(b, digits[n])
	}
	return b
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 413:
		return "Payload Too Large"
	case 415:
		return "Unsupported Media Type"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}
