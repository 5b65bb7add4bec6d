package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	ramlog "github.com/ramapi/ramapi/log"
)

var ErrServerClosed = errors.New("rpc: server closed")

const connReadTimeout = 5 * time.Minute

// callMeta is the frame metadata for request frames, JSON encoded.
type callMeta struct {
	Service string `json:"service"`
	Method  string `json:"method"`
}

// Server serves framed RPC over TCP. Each request frame is dispatched on
// its own goroutine so a slow method does not stall the connection.
type Server struct {
	registry *Registry
	codec    Codec
	log      zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	inflight sync.WaitGroup
	closing  atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCodec sets the default payload codec for frames that do not name
// one.
func WithCodec(c Codec) ServerOption {
	return func(s *Server) { s.codec = c }
}

// WithRegistry serves an externally built registry, shared for example
// with an HTTP JSON-RPC route.
func WithRegistry(reg *Registry) ServerOption {
	return func(s *Server) { s.registry = reg }
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		registry: NewRegistry(),
		codec:    JSON,
		log:      ramlog.WithComponent("rpc"),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register publishes a service on the server's registry.
func (s *Server) Register(name string, receiver any) error {
	return s.registry.Register(name, receiver)
}

// Registry returns the server's service registry.
func (s *Server) Registry() *Registry { return s.registry }

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown closes it.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("rpc server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.trackConn(conn, true)
		go s.serveConn(conn)
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.trackConn(conn, false)
	}()

	// Writes from concurrent handlers must not interleave frames.
	wc := &lockedWriter{w: conn}

	for {
		conn.SetReadDeadline(time.Now().Add(connReadTimeout))

		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closing.Load() {
				s.log.Debug().Err(err).Msg("connection read failed")
			}
			return
		}

		switch frame.Type {
		case TypeRequest:
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.handleRequest(wc, frame)
			}()
		case TypePing:
			pong := NewFrame(TypePong, frame.RequestID)
			if _, err := pong.WriteTo(wc); err != nil {
				return
			}
		default:
			s.log.Warn().Uint8("type", frame.Type).Msg("unexpected frame type")
		}
	}
}

func (s *Server) handleRequest(w io.Writer, frame *Frame) {
	var meta callMeta
	if err := json.Unmarshal(frame.Metadata, &meta); err != nil {
		s.reply(w, frame, fmt.Errorf("%w: metadata: %v", ErrBadArgument, err))
		return
	}

	codec := s.codec
	if frame.Codec != 0 {
		var err error
		if codec, err = CodecByID(frame.Codec); err != nil {
			s.reply(w, frame, err)
			return
		}
	}

	m, err := s.registry.Method(meta.Service, meta.Method)
	if err != nil {
		s.reply(w, frame, err)
		return
	}

	arg := m.NewArg()
	if err := codec.Unmarshal(frame.Payload, arg); err != nil {
		s.reply(w, frame, fmt.Errorf("%w: %v", ErrBadArgument, err))
		return
	}

	result, err := s.registry.Call(context.Background(), meta.Service, meta.Method, arg)
	if err != nil {
		s.reply(w, frame, err)
		return
	}
	if frame.HasFlag(FlagOneWay) {
		return
	}

	payload, err := codec.Marshal(result)
	if err != nil {
		s.reply(w, frame, fmt.Errorf("rpc: encode reply: %w", err))
		return
	}

	resp := NewFrame(TypeResponse, frame.RequestID)
	resp.Codec = frame.Codec
	resp.Payload = payload
	if _, err := resp.WriteTo(w); err != nil {
		s.log.Debug().Err(err).Msg("response write failed")
	}
}

// reply sends an error frame unless the request was one-way. The payload
// is a JSON-RPC error object regardless of the call codec.
func (s *Server) reply(w io.Writer, req *Frame, callErr error) {
	if req.HasFlag(FlagOneWay) {
		s.log.Debug().Err(callErr).Msg("one-way call failed")
		return
	}
	payload, err := json.Marshal(wireError(callErr))
	if err != nil {
		payload = []byte(`{"code":-32603,"message":"internal error"}`)
	}
	errFrame := NewFrame(TypeError, req.RequestID)
	errFrame.Payload = payload
	if _, err := errFrame.WriteTo(w); err != nil {
		s.log.Debug().Err(err).Msg("error write failed")
	}
}

// Shutdown stops accepting, closes idle connections and waits for
// in-flight calls until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closing.Swap(true) {
		return nil
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, conn := range conns {
		conn.Close()
	}
	return err
}

// Stats reports connection and service counts.
func (s *Server) Stats() map[string]any {
	s.mu.Lock()
	numConns := len(s.conns)
	s.mu.Unlock()
	return map[string]any{
		"connections": numConns,
		"services":    len(s.registry.Services()),
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
