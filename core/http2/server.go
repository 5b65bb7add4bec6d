// Package http2 serves the router over HTTP/2: h2c for cleartext
// clients and h2 via ALPN when a TLS config is provided.
package http2

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/core/router"
	ramlog "github.com/ramapi/ramapi/log"
)

const maxBodyBytes = 4 << 20

// Config tunes the HTTP/2 server. Zero values get defaults from New.
type Config struct {
	Addr                 string
	TLSConfig            *tls.Config
	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	IdleTimeout          time.Duration
}

// Server terminates HTTP/2 and dispatches requests through the shared
// Router, so handlers behave identically on both protocol stacks.
type Server struct {
	server *http.Server
	tls    bool
	log    zerolog.Logger
}

// New builds a server around r.
func New(r *router.Router, cfg Config) *Server {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}

	h2 := &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxReadFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
	}

	s := &Server{log: ramlog.WithComponent("http2")}
	handler := http.Handler(&bridge{router: r, log: s.log})

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	if cfg.TLSConfig != nil {
		s.tls = true
		s.server.TLSConfig = cfg.TLSConfig.Clone()
		s.server.TLSConfig.NextProtos = []string{"h2", "http/1.1"}
		if err := http2.ConfigureServer(s.server, h2); err != nil {
			s.log.Warn().Err(err).Msg("http2 configure failed, serving http/1.1 only")
		}
	} else {
		s.server.Handler = h2c.NewHandler(handler, h2)
	}

	return s
}

// ListenAndServe blocks serving until Shutdown or Close.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Bool("tls", s.tls).Msg("http2 server listening")
	if s.tls {
		return s.server.ListenAndServeTLS("", "")
	}
	return s.server.ListenAndServe()
}

// Serve accepts cleartext connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown drains in-flight streams until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Close closes the server immediately.
func (s *Server) Close() error { return s.server.Close() }

// bridge adapts net/http requests to pooled Contexts. The handler
// writes an HTTP/1.1 response into a buffer; the bridge re-emits status,
// headers and body through the ResponseWriter so HTTP/2 framing stays
// with the standard library.
type bridge struct {
	router *router.Router
	log    zerolog.Logger
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := ramhttp.AcquireRequest()
	defer ramhttp.ReleaseRequest(req)
	if err := fillRequest(req, r); err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var buf bytes.Buffer
	ctx := ramhttp.AcquireContextForWriter(&buf, req)
	defer ramhttp.ReleaseContext(ctx)
	ctx.WithContext(r.Context())

	if err := b.router.Dispatch(ctx); err != nil {
		ramhttp.Respond(ctx, err)
	}

	if err := replay(w, buf.Bytes()); err != nil {
		b.log.Debug().Err(err).Str("path", r.URL.Path).Msg("response relay failed")
	}
}

func fillRequest(req *ramhttp.Request, r *http.Request) error {
	req.Method = r.Method
	req.Path = r.URL.Path
	req.Proto = r.Proto
	req.Host = r.Host
	req.ContentType = r.Header.Get("Content-Type")
	req.UserAgent = r.Header.Get("User-Agent")
	req.Accept = r.Header.Get("Accept")
	req.Authorization = r.Header.Get("Authorization")

	for key, values := range r.Header {
		switch key {
		case "Content-Type", "User-Agent", "Accept", "Authorization", "Host":
			continue
		}
		if req.ExtraHeaders == nil {
			req.ExtraHeaders = make(map[string]string, len(r.Header))
		}
		req.ExtraHeaders[key] = values[0]
	}

	query := r.URL.Query()
	if len(query) > 0 {
		req.Query = make(map[string]string, len(query))
		for key, values := range query {
			req.Query[key] = values[0]
		}
	}

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return err
		}
		if len(body) > maxBodyBytes {
			return errors.New("http2: body too large")
		}
		req.Body = body
	}
	return nil
}

// replay parses a buffered HTTP/1.1 response and writes it through w.
func replay(w http.ResponseWriter, raw []byte) error {
	head, body, found := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !found {
		return errors.New("http2: malformed buffered response")
	}

	sc := bufio.NewScanner(bytes.NewReader(head))
	if !sc.Scan() {
		return errors.New("http2: empty buffered response")
	}
	status, err := parseStatusLine(sc.Text())
	if err != nil {
		return err
	}

	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok || name == "Content-Length" || name == "Connection" {
			continue
		}
		w.Header().Set(name, value)
	}

	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

func parseStatusLine(line string) (int, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, errors.New("http2: bad status line")
	}
	return strconv.Atoi(fields[1])
}
