package observability

import (
	"bytes"
	"net/http"
	"net/url"
)

// expositionWriter adapts promhttp's net/http handler to RamAPI's raw
// response path by capturing the rendered body.
type expositionWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newExpositionWriter() *expositionWriter {
	return &expositionWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *expositionWriter) Header() http.Header { return w.header }

func (w *expositionWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

func (w *expositionWriter) WriteHeader(code int) { w.status = code }

func (w *expositionWriter) contentType() string {
	if ct := w.header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "text/plain; charset=utf-8"
}

func (w *expositionWriter) request() *http.Request {
	return &http.Request{Method: "GET", URL: &url.URL{Path: "/metrics"}, Header: make(http.Header)}
}
