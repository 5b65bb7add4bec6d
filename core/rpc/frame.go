package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format, 16-byte header followed by metadata and payload:
//
//	0      4      5      6       7       8          12        14          16
//	+------+------+------+-------+-------+----------+---------+-----------+
//	| magic| ver  | type | flags | codec | requestID| metaLen | payloadLen|
//	+------+------+------+-------+-------+----------+---------+-----------+
//
// magic and requestID are big-endian uint32, the length fields big-endian
// uint16. The codec byte selects the payload codec; zero means the
// receiver's default.
const (
	frameMagic   uint32 = 0x52504300 // "RPC\0"
	frameVersion byte   = 0x01

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 16

	// MaxFrameSize bounds metadata plus payload, both capped by their
	// uint16 length fields.
	MaxFrameSize = HeaderSize + 2*(1<<16-1)
)

// Frame types.
const (
	TypeRequest     byte = 0x01
	TypeResponse    byte = 0x02
	TypeStreamOpen  byte = 0x03
	TypeStreamChunk byte = 0x04
	TypeStreamClose byte = 0x05
	TypeError       byte = 0x06
	TypePing        byte = 0x07
	TypePong        byte = 0x08
)

// Frame flags.
const (
	FlagCompressed byte = 1 << 0
	FlagPriority   byte = 1 << 1
	FlagOneWay     byte = 1 << 2
)

var (
	ErrBadMagic      = errors.New("rpc: bad frame magic")
	ErrBadVersion    = errors.New("rpc: unsupported protocol version")
	ErrFrameTooLarge = errors.New("rpc: frame exceeds size limit")
	ErrShortFrame    = errors.New("rpc: short frame")
)

// Frame is one protocol message. Metadata carries routing information
// (service, method), Payload the codec-encoded argument or reply.
type Frame struct {
	Type      byte
	Flags     byte
	Codec     byte
	RequestID uint32
	Metadata  []byte
	Payload   []byte
}

// NewFrame returns a frame of the given type.
func NewFrame(typ byte, requestID uint32) *Frame {
	return &Frame{Type: typ, RequestID: requestID}
}

func (f *Frame) SetFlag(flag byte)      { f.Flags |= flag }
func (f *Frame) HasFlag(flag byte) bool { return f.Flags&flag != 0 }

// Encode serializes the frame including its header.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Metadata) > 1<<16-1 || len(f.Payload) > 1<<16-1 {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Metadata)+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	buf[4] = frameVersion
	buf[5] = f.Type
	buf[6] = f.Flags
	buf[7] = f.Codec
	binary.BigEndian.PutUint32(buf[8:12], f.RequestID)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(f.Metadata)))
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(f.Payload)))

	copy(buf[HeaderSize:], f.Metadata)
	copy(buf[HeaderSize+len(f.Metadata):], f.Payload)
	return buf, nil
}

// WriteTo writes the encoded frame to w in a single Write call so
// concurrent writers never interleave frames.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	buf, err := f.Encode()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// DecodeFrame parses a complete frame from buf.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	f, metaLen, payloadLen, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < HeaderSize+metaLen+payloadLen {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrShortFrame, HeaderSize+metaLen+payloadLen, len(buf))
	}

	if metaLen > 0 {
		f.Metadata = append([]byte(nil), buf[HeaderSize:HeaderSize+metaLen]...)
	}
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), buf[HeaderSize+metaLen:HeaderSize+metaLen+payloadLen]...)
	}
	return f, nil
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	f, metaLen, payloadLen, err := decodeHeader(header[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, metaLen+payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if metaLen > 0 {
		f.Metadata = body[:metaLen]
	}
	if payloadLen > 0 {
		f.Payload = body[metaLen:]
	}
	return f, nil
}

func decodeHeader(buf []byte) (*Frame, int, int, error) {
	if binary.BigEndian.Uint32(buf[0:4]) != frameMagic {
		return nil, 0, 0, ErrBadMagic
	}
	if buf[4] != frameVersion {
		return nil, 0, 0, fmt.Errorf("%w: 0x%02x", ErrBadVersion, buf[4])
	}

	f := &Frame{
		Type:      buf[5],
		Flags:     buf[6],
		Codec:     buf[7],
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
	}
	metaLen := int(binary.BigEndian.Uint16(buf[12:14]))
	payloadLen := int(binary.BigEndian.Uint16(buf[14:16]))
	return f, metaLen, payloadLen, nil
}
