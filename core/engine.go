// Package core runs the event-loop HTTP engine: accept, poll, parse,
// dispatch through the router, write, keep-alive.
package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/core/poller"
	"github.com/ramapi/ramapi/core/pools"
	"github.com/ramapi/ramapi/core/router"
	ramlog "github.com/ramapi/ramapi/log"
)

// Connection states.
const (
	stateReading = iota
	stateProcessing
	stateKeepalive
)

// connection is the per-socket state kept between poll events.
type connection struct {
	fd         int
	state      int
	readBuf    []byte
	readOffset int
	lastActive time.Time
}

func (c *connection) Reset() {
	c.fd = -1
	c.state = stateReading
	c.readBuf = nil
	c.readOffset = 0
	c.lastActive = time.Time{}
}

// Options tunes the engine. The zero value gets sane defaults from
// NewEngine.
type Options struct {
	MaxConnections int
	ReadBufferSize int
	IdleTimeout    time.Duration
	// Workers sizes the handler pool; 0 means one per CPU, negative
	// disables the pool and runs handlers on the event loop.
	Workers int
}

// Engine drives the poller loop and dispatches parsed requests through
// the router.
type Engine struct {
	router *router.Router
	poller poller.Poller
	opts   Options
	log    zerolog.Logger

	connMu      sync.RWMutex
	connections map[int]*connection

	bytePool   *pools.BytePool
	connPool   *pools.ConnPool
	workerPool *pools.WorkerPool

	baseCtx   context.Context
	closing   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	wakeR     int
	wakeW     int

	active atomic.Int64
}

// NewEngine creates an engine serving the given router.
func NewEngine(r *router.Router, opts Options) *Engine {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100000
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 16384
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}

	e := &Engine{
		router:      r,
		opts:        opts,
		log:         ramlog.WithComponent("engine"),
		connections: make(map[int]*connection, 1024),
		bytePool:    pools.NewBytePool(),
		baseCtx:     context.Background(),
		closed:      make(chan struct{}),
	}
	e.connPool = pools.NewConnPool(func() any {
		return &connection{fd: -1}
	})
	if opts.Workers >= 0 {
		e.workerPool = pools.NewWorkerPool(opts.Workers)
	}
	return e
}

// SetBaseContext sets the context propagated into request contexts.
func (e *Engine) SetBaseContext(ctx context.Context) { e.baseCtx = ctx }

// Router returns the engine's router.
func (e *Engine) Router() *router.Router { return e.router }

// ActiveConnections reports currently open connections.
func (e *Engine) ActiveConnections() int64 { return e.active.Load() }

// Run binds addr and serves until Shutdown. It owns the calling
// goroutine.
func (e *Engine) Run(addr string) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	lnFile, err := ln.File()
	if err != nil {
		return err
	}
	defer lnFile.Close()
	lfd := int(lnFile.Fd())
	if err := poller.SetNonblock(lfd); err != nil {
		return err
	}

	e.poller, err = poller.New()
	if err != nil {
		return err
	}
	defer e.poller.Close()

	if err := e.poller.Add(lfd); err != nil {
		return err
	}

	// Self-pipe so Shutdown can interrupt a blocked Wait.
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		return err
	}
	e.wakeR, e.wakeW = pipeFds[0], pipeFds[1]
	defer unix.Close(e.wakeR)
	defer unix.Close(e.wakeW)
	poller.SetNonblock(e.wakeR)
	if err := e.poller.Add(e.wakeR); err != nil {
		return err
	}

	e.router.Freeze()
	e.log.Info().Str("addr", addr).Msg("engine listening")

	idleDone := make(chan struct{})
	go e.reapIdle(idleDone)
	defer close(idleDone)

	for {
		events, err := e.poller.Wait(100)
		if err != nil {
			e.log.Error().Err(err).Msg("poller wait")
			continue
		}
		if e.closing.Load() {
			break
		}
		for _, ev := range events {
			switch ev.FD {
			case lfd:
				e.accept(lfd)
			case e.wakeR:
				drainPipe(e.wakeR)
			default:
				if ev.Hup {
					e.closeConn(ev.FD)
					continue
				}
				e.handleEvent(ev.FD)
			}
		}
	}

	e.drain()
	close(e.closed)
	e.log.Info().Msg("engine stopped")
	return nil
}

// Shutdown stops accepting work and waits for the loop to drain, up to
// the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		if e.wakeW != 0 {
			unix.Write(e.wakeW, []byte{0})
		}
	})
	select {
	case <-e.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) drain() {
	e.connMu.Lock()
	fds := make([]int, 0, len(e.connections))
	for fd := range e.connections {
		fds = append(fds, fd)
	}
	e.connMu.Unlock()
	for _, fd := range fds {
		e.closeConn(fd)
	}
	if e.workerPool != nil {
		e.workerPool.Close()
	}
}

func (e *Engine) accept(lfd int) {
	for {
		nfd, _, err := unix.Accept(lfd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			e.log.Warn().Err(err).Msg("accept")
			return
		}

		if e.active.Load() >= int64(e.opts.MaxConnections) {
			unix.Close(nfd)
			continue
		}
		if err := poller.SetNonblock(nfd); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

		conn := e.connPool.Get().(*connection)
		conn.fd = nfd
		conn.state = stateReading
		conn.readBuf = e.bytePool.Get(e.opts.ReadBufferSize)
		conn.readOffset = 0
		conn.lastActive = time.Now()

		if err := e.poller.Add(nfd); err != nil {
			e.bytePool.Put(conn.readBuf)
			e.connPool.Put(conn)
			unix.Close(nfd)
			continue
		}

		e.connMu.Lock()
		e.connections[nfd] = conn
		e.connMu.Unlock()
		e.active.Add(1)
	}
}

func (e *Engine) handleEvent(fd int) {
	e.connMu.RLock()
	conn, ok := e.connections[fd]
	e.connMu.RUnlock()
	if !ok {
		return
	}

	conn.lastActive = time.Now()
	if conn.state == stateProcessing {
		return
	}
	e.read(conn)
}

func (e *Engine) read(conn *connection) {
	n, err := unix.Read(conn.fd, conn.readBuf[conn.readOffset:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		e.closeConn(conn.fd)
		return
	}
	if n == 0 {
		e.closeConn(conn.fd)
		return
	}
	conn.readOffset += n

	req, err := ramhttp.ParseRequest(conn.readBuf[:conn.readOffset])
	if err != nil {
		if errors.Is(err, ramhttp.ErrIncompleteRequest) {
			if conn.readOffset >= len(conn.readBuf) {
				conn.readBuf = e.growBuffer(conn.readBuf, conn.readOffset)
			}
			return
		}
		e.rejectMalformed(conn)
		return
	}

	conn.readOffset = 0
	conn.state = stateProcessing

	if e.workerPool != nil {
		fd := conn.fd
		e.workerPool.Submit(func() { e.serve(fd, conn, req) })
		return
	}
	e.serve(conn.fd, conn, req)
}

// growBuffer doubles into the next pool tier, preserving buffered bytes.
func (e *Engine) growBuffer(old []byte, used int) []byte {
	bigger := e.bytePool.Get(2 * cap(old))
	copy(bigger, old[:used])
	e.bytePool.Put(old)
	return bigger
}

func (e *Engine) serve(fd int, conn *connection, req *ramhttp.Request) {
	ctx := ramhttp.AcquireContext(fd, req)
	ctx.WithContext(e.baseCtx)

	if err := e.router.Dispatch(ctx); err != nil {
		ramhttp.Respond(ctx, err)
	}

	keepAlive := req.Proto != "HTTP/1.0" && req.Connection != "close"
	ramhttp.ReleaseContext(ctx)
	ramhttp.ReleaseRequest(req)
	e.afterServe(conn, keepAlive)
}

func (e *Engine) afterServe(conn *connection, keepAlive bool) {
	if e.closing.Load() || !keepAlive {
		e.closeConn(conn.fd)
		return
	}
	conn.state = stateReading
	conn.readOffset = 0
	conn.lastActive = time.Now()
}

func (e *Engine) rejectMalformed(conn *connection) {
	unix.Write(conn.fd, []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	e.closeConn(conn.fd)
}

func (e *Engine) closeConn(fd int) {
	e.connMu.Lock()
	conn, ok := e.connections[fd]
	if ok {
		delete(e.connections, fd)
	}
	e.connMu.Unlock()
	if !ok {
		return
	}

	e.poller.Remove(fd)
	if conn.readBuf != nil {
		e.bytePool.Put(conn.readBuf)
		conn.readBuf = nil
	}
	unix.Close(fd)
	e.connPool.Put(conn)
	e.active.Add(-1)
}

func (e *Engine) reapIdle(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		now := time.Now()
		var stale []int
		e.connMu.RLock()
		for fd, conn := range e.connections {
			if conn.state != stateProcessing && now.Sub(conn.lastActive) > e.opts.IdleTimeout {
				stale = append(stale, fd)
			}
		}
		e.connMu.RUnlock()
		for _, fd := range stale {
			e.closeConn(fd)
		}
	}
}

func drainPipe(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}
