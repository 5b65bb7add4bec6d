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
)

var (
	ErrClientClosed = errors.New("rpc: client closed")
	ErrPingTimeout  = errors.New("rpc: ping timeout")
)

// Client is a connection to an RPC server. Calls are pipelined: many
// may be in flight at once, matched to responses by request ID.
type Client struct {
	conn  net.Conn
	codec Codec

	nextID  atomic.Uint32
	pending sync.Map // uint32 -> *Call

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	recvDone  chan struct{}
}

// Call tracks one in-flight request. Done receives the call once it
// completes.
type Call struct {
	Service string
	Method  string
	Args    any
	Reply   any
	Error   error
	Done    chan *Call
}

func (c *Call) finish() {
	select {
	case c.Done <- c:
	default:
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCodec sets the payload codec for outgoing calls.
func WithClientCodec(codec Codec) ClientOption {
	return func(c *Client) { c.codec = codec }
}

// Dial connects to an RPC server.
func Dial(addr string, opts ...ClientOption) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:     conn,
		codec:    JSON,
		recvDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.receive()
	return c
}

// Call invokes service.method and decodes the reply into reply. It
// returns when the server responds or ctx is done.
func (c *Client) Call(ctx context.Context, service, method string, args, reply any) error {
	call := &Call{
		Service: service,
		Method:  method,
		Args:    args,
		Reply:   reply,
		Done:    make(chan *Call, 1),
	}
	id := c.Go(call)

	select {
	case <-ctx.Done():
		c.pending.Delete(id)
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

// Go starts an asynchronous call and returns its request ID. Completion
// is signalled on call.Done.
func (c *Client) Go(call *Call) uint32 {
	if c.closed.Load() {
		call.Error = ErrClientClosed
		call.finish()
		return 0
	}

	id := c.nextID.Add(1)
	c.pending.Store(id, call)

	frame, err := c.buildRequest(id, call, 0)
	if err != nil {
		c.pending.Delete(id)
		call.Error = err
		call.finish()
		return id
	}

	if err := c.send(frame); err != nil {
		c.pending.Delete(id)
		call.Error = err
		call.finish()
	}
	return id
}

// Notify sends a one-way call. No response is expected and server-side
// errors are dropped.
func (c *Client) Notify(service, method string, args any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	frame, err := c.buildRequest(c.nextID.Add(1), &Call{Service: service, Method: method, Args: args}, FlagOneWay)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Client) buildRequest(id uint32, call *Call, flags byte) (*Frame, error) {
	meta, err := json.Marshal(callMeta{Service: call.Service, Method: call.Method})
	if err != nil {
		return nil, err
	}
	payload, err := c.codec.Marshal(call.Args)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode args: %w", err)
	}

	frame := NewFrame(TypeRequest, id)
	frame.Flags = flags
	frame.Codec = CodecID(c.codec)
	frame.Metadata = meta
	frame.Payload = payload
	return frame, nil
}

func (c *Client) send(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrClientClosed
	}
	_, err := frame.WriteTo(c.conn)
	return err
}

func (c *Client) receive() {
	defer close(c.recvDone)
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}

		call, ok := c.loadPending(frame.RequestID)
		if !ok {
			continue
		}

		switch frame.Type {
		case TypeResponse:
			if err := c.codec.Unmarshal(frame.Payload, call.Reply); err != nil {
				call.Error = fmt.Errorf("rpc: decode reply: %w", err)
			}
		case TypeError:
			var rpcErr RPCError
			if json.Unmarshal(frame.Payload, &rpcErr) == nil && rpcErr.Message != "" {
				call.Error = &rpcErr
			} else {
				call.Error = errors.New(string(frame.Payload))
			}
		case TypePong:
		default:
			call.Error = fmt.Errorf("rpc: unexpected frame type 0x%02x", frame.Type)
		}
		call.finish()
	}
}

func (c *Client) loadPending(id uint32) (*Call, bool) {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*Call), true
}

// Ping round-trips a keepalive frame.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	id := c.nextID.Add(1)
	call := &Call{Done: make(chan *Call, 1)}
	c.pending.Store(id, call)

	if err := c.send(NewFrame(TypePing, id)); err != nil {
		c.pending.Delete(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.pending.Delete(id)
		return ErrPingTimeout
	case <-call.Done:
		return call.Error
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()

		if cause == nil || errors.Is(cause, io.EOF) {
			cause = ErrClientClosed
		}
		c.pending.Range(func(key, value any) bool {
			call := value.(*Call)
			call.Error = cause
			call.finish()
			c.pending.Delete(key)
			return true
		})
	})
}

// Close closes the connection and fails all pending calls. It waits for
// the receive loop to stop.
func (c *Client) Close() error {
	c.shutdown(nil)
	<-c.recvDone
	return nil
}
