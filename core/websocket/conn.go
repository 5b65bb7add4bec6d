// Package websocket implements the server side of RFC 6455: the upgrade
// handshake, frame codec, and a hub for fan-out messaging.
package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// OpCode is a WebSocket frame opcode.
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

// Close codes sent in close frames.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseMessageTooBig = 1009
	CloseInternalError = 1011
)

// ErrMessageTooLarge is returned when a frame exceeds the size limit.
var ErrMessageTooLarge = errors.New("websocket: message exceeds size limit")

// wsGUID is the handshake key suffix fixed by RFC 6455.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Message is a complete, defragmented message.
type Message struct {
	OpCode  OpCode
	Payload []byte
}

type frame struct {
	fin     bool
	opcode  OpCode
	payload []byte
}

// Conn is a server-side WebSocket connection. Reads must come from a
// single goroutine; writes are internally serialized.
type Conn struct {
	rwc     io.ReadWriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex

	maxMessageSize int64

	closed    bool
	closeMu   sync.Mutex
	closeOnce sync.Once
}

// NewConn wraps an established connection that has already completed the
// upgrade handshake.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:            rwc,
		reader:         bufio.NewReader(rwc),
		maxMessageSize: 1 << 20,
	}
}

// SetMaxMessageSize bounds incoming message size. Larger frames close the
// connection with code 1009.
func (c *Conn) SetMaxMessageSize(n int64) { c.maxMessageSize = n }

// ReadMessage returns the next text or binary message, transparently
// answering pings and handling fragmentation.
func (c *Conn) ReadMessage() (*Message, error) {
	if c.IsClosed() {
		return nil, io.EOF
	}

	var msg Message
	var fragments [][]byte

	for {
		f, err := c.readFrame()
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				c.CloseWithCode(CloseMessageTooBig, "message too large")
			}
			return nil, err
		}

		switch f.opcode {
		case OpText, OpBinary:
			if len(fragments) > 0 {
				c.CloseWithCode(CloseProtocolError, "interleaved message")
				return nil, errors.New("websocket: new message before continuation finished")
			}
			msg.OpCode = f.opcode
			if f.fin {
				msg.Payload = f.payload
				return &msg, nil
			}
			fragments = append(fragments, f.payload)

		case OpContinuation:
			if len(fragments) == 0 {
				c.CloseWithCode(CloseProtocolError, "unexpected continuation")
				return nil, errors.New("websocket: continuation without initial frame")
			}
			fragments = append(fragments, f.payload)
			if f.fin {
				total := 0
				for _, frag := range fragments {
					total += len(frag)
				}
				msg.Payload = make([]byte, 0, total)
				for _, frag := range fragments {
					msg.Payload = append(msg.Payload, frag...)
				}
				return &msg, nil
			}

		case OpPing:
			if err := c.writeFrame(OpPong, f.payload); err != nil {
				return nil, err
			}

		case OpPong:
			// Unsolicited pongs are legal and ignored.

		case OpClose:
			c.Close()
			return nil, io.EOF

		default:
			c.CloseWithCode(CloseProtocolError, "unknown opcode")
			return nil, fmt.Errorf("websocket: unknown opcode 0x%x", byte(f.opcode))
		}
	}
}

func (c *Conn) readFrame() (*frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}

	f := &frame{
		fin:    header[0]&0x80 != 0,
		opcode: OpCode(header[0] & 0x0F),
	}
	masked := header[1]&0x80 != 0

	length := int64(header[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			return nil, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			return nil, err
		}
		length = int64(binary.BigEndian.Uint64(ext[:]))
	}

	if length > c.maxMessageSize {
		return nil, ErrMessageTooLarge
	}

	// RFC 6455 5.1: clients must mask every frame.
	if !masked && f.opcode != OpClose {
		c.CloseWithCode(CloseProtocolError, "unmasked client frame")
		return nil, errors.New("websocket: unmasked client frame")
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(c.reader, mask[:]); err != nil {
			return nil, err
		}
	}

	if length > 0 {
		f.payload = make([]byte, length)
		if _, err := io.ReadFull(c.reader, f.payload); err != nil {
			return nil, err
		}
		if masked {
			for i := range f.payload {
				f.payload[i] ^= mask[i&3]
			}
		}
	}
	return f, nil
}

// WriteMessage sends a single-frame message.
func (c *Conn) WriteMessage(opcode OpCode, payload []byte) error {
	if c.IsClosed() {
		return io.EOF
	}
	return c.writeFrame(opcode, payload)
}

// WriteText sends a text message.
func (c *Conn) WriteText(s string) error { return c.WriteMessage(OpText, []byte(s)) }

// WriteBinary sends a binary message.
func (c *Conn) WriteBinary(p []byte) error { return c.WriteMessage(OpBinary, p) }

// Ping sends a ping frame.
func (c *Conn) Ping() error { return c.WriteMessage(OpPing, nil) }

// writeFrame writes one unmasked fin frame. Server frames are never
// masked.
func (c *Conn) writeFrame(opcode OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n := len(payload)
	buf := make([]byte, 0, 10+n)
	buf = append(buf, 0x80|byte(opcode))

	switch {
	case n < 126:
		buf = append(buf, byte(n))
	case n < 1<<16:
		buf = append(buf, 126, byte(n>>8), byte(n))
	default:
		buf = append(buf, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		buf = append(buf, ext[:]...)
	}
	buf = append(buf, payload...)

	_, err := c.rwc.Write(buf)
	return err
}

// CloseWithCode sends a close frame with a status code and closes. The
// close frame is best effort: a peer that stopped reading only delays us
// by the write deadline.
func (c *Conn) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		payload := make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		copy(payload[2:], reason)
		if d, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
			d.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		}
		c.writeFrame(OpClose, payload)

		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()
		err = c.rwc.Close()
	})
	return err
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormal, "")
}

// IsClosed reports whether Close has run.
func (c *Conn) IsClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
