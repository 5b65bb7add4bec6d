// Package rpc implements a length-prefixed binary RPC protocol over TCP:
// framed requests and responses, pluggable payload codecs, a reflection
// based service registry, and a pipelined client.
package rpc

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

var ErrUnknownCodec = errors.New("rpc: unknown codec")

// Codec serializes call arguments and replies. Implementations must be
// safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Codec identifiers carried in the frame header. Zero means the peer's
// default codec.
const (
	CodecJSON     byte = 0x01
	CodecGob      byte = 0x02
	CodecProtobuf byte = 0x03
)

// CodecByID returns the codec for a wire identifier.
func CodecByID(id byte) (Codec, error) {
	switch id {
	case CodecJSON:
		return jsonCodec{}, nil
	case CodecGob:
		return gobCodec{}, nil
	case CodecProtobuf:
		return protoCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCodec, id)
	}
}

// CodecID returns the wire identifier for a codec, or 0 if it is not a
// built-in one.
func CodecID(c Codec) byte {
	switch c.(type) {
	case jsonCodec:
		return CodecJSON
	case gobCodec:
		return CodecGob
	case protoCodec:
		return CodecProtobuf
	default:
		return 0
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }

type protoCodec struct{}

func (protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("rpc: protobuf codec needs proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("rpc: protobuf codec needs proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (protoCodec) Name() string { return "protobuf" }

// Default codecs ready for use.
var (
	JSON     Codec = jsonCodec{}
	Gob      Codec = gobCodec{}
	Protobuf Codec = protoCodec{}
)
