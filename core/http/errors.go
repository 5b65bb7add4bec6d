package http

import (
	"errors"
	"fmt"
)

// HTTPError is the framework's error contract. Handlers return it (directly
// or wrapped); the engine renders it as a JSON envelope:
//
//	{"error": {"code": "...", "message": "...", "details": ..., "requestId": "..."}}
//
// Any non-HTTPError reaching the responder becomes a 500 with a generic
// message so internal errors never leak to clients.
type HTTPError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	cause error
}

func (e *HTTPError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%d %s: %s: %v", e.Status, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.cause
}

// WithDetails attaches a JSON-marshalable details value.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// WithCause records the underlying error for logs without exposing it.
func (e *HTTPError) WithCause(err error) *HTTPError {
	e.cause = err
	return e
}

// NewHTTPError builds an error with an explicit status and code.
func NewHTTPError(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

func BadRequest(message string) *HTTPError {
	return NewHTTPError(400, "bad_request", message)
}

func Unauthorized(message string) *HTTPError {
	return NewHTTPError(401, "unauthorized", message)
}

func Forbidden(message string) *HTTPError {
	return NewHTTPError(403, "forbidden", message)
}

func NotFound(message string) *HTTPError {
	return NewHTTPError(404, "not_found", message)
}

func MethodNotAllowed(message string) *HTTPError {
	return NewHTTPError(405, "method_not_allowed", message)
}

func Conflict(message string) *HTTPError {
	return NewHTTPError(409, "conflict", message)
}

func PayloadTooLarge(message string) *HTTPError {
	return NewHTTPError(413, "payload_too_large", message)
}

func TooManyRequests(message string) *HTTPError {
	return NewHTTPError(429, "too_many_requests", message)
}

func Internal(message string) *HTTPError {
	return NewHTTPError(500, "internal_error", message)
}

func Unavailable(message string) *HTTPError {
	return NewHTTPError(503, "service_unavailable", message)
}

// ErrorFrom coerces err into an *HTTPError. Non-HTTP errors become an
// opaque 500 carrying the original as cause.
func ErrorFrom(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return Internal("internal server error").WithCause(err)
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Respond renders err on ctx, unless the handler already wrote a response.
// Returns the status that was (or would have been) sent, for logging and
// metrics.
func Respond(ctx *Context, err error) int {
	httpErr := ErrorFrom(err)
	if ctx.Written() {
		return ctx.Status()
	}

	_ = ctx.JSON(httpErr.Status, errorEnvelope{Error: errorBody{
		Code:      httpErr.Code,
		Message:   httpErr.Message,
		Details:   httpErr.Details,
		RequestID: ctx.RequestID(),
	}})
	return httpErr.Status
}
