package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(TypeRequest, 12345)
	f.Codec = CodecJSON
	f.SetFlag(FlagPriority)
	f.Metadata = []byte(`{"service":"Calc","method":"Add"}`)
	f.Payload = []byte(`{"a":1,"b":2}`)

	buf, err := f.Encode()
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize+len(f.Metadata)+len(f.Payload))

	got, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, got.Type)
	assert.Equal(t, uint32(12345), got.RequestID)
	assert.Equal(t, CodecJSON, got.Codec)
	assert.True(t, got.HasFlag(FlagPriority))
	assert.False(t, got.HasFlag(FlagCompressed))
	assert.Equal(t, f.Metadata, got.Metadata)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestFrameEmptyBody(t *testing.T) {
	f := NewFrame(TypePing, 7)
	buf, err := f.Encode()
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)

	got, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, TypePing, got.Type)
	assert.Nil(t, got.Metadata)
	assert.Nil(t, got.Payload)
}

func TestDecodeFrameRejectsBadMagic(t *testing.T) {
	f := NewFrame(TypeRequest, 1)
	buf, err := f.Encode()
	require.NoError(t, err)
	buf[0] = 0xFF

	_, err = DecodeFrame(buf)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeFrameRejectsBadVersion(t *testing.T) {
	f := NewFrame(TypeRequest, 1)
	buf, err := f.Encode()
	require.NoError(t, err)
	buf[4] = 0x7F

	_, err = DecodeFrame(buf)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	f := NewFrame(TypeRequest, 1)
	f.Payload = []byte("payload")
	buf, err := f.Encode()
	require.NoError(t, err)

	_, err = DecodeFrame(buf[:HeaderSize+2])
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeFrame(buf[:4])
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := NewFrame(TypeRequest, 1)
	f.Payload = make([]byte, 1<<16)

	_, err := f.Encode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameFromStream(t *testing.T) {
	var stream bytes.Buffer
	for i := uint32(1); i <= 3; i++ {
		f := NewFrame(TypeRequest, i)
		f.Payload = []byte{byte(i)}
		_, err := f.WriteTo(&stream)
		require.NoError(t, err)
	}

	for i := uint32(1); i <= 3; i++ {
		f, err := ReadFrame(&stream)
		require.NoError(t, err)
		assert.Equal(t, i, f.RequestID)
		assert.Equal(t, []byte{byte(i)}, f.Payload)
	}
}

func TestCodecByID(t *testing.T) {
	for _, id := range []byte{CodecJSON, CodecGob, CodecProtobuf} {
		c, err := CodecByID(id)
		require.NoError(t, err)
		assert.Equal(t, id, CodecID(c))
	}

	_, err := CodecByID(0x7F)
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestGobCodecRoundTrip(t *testing.T) {
	type point struct{ X, Y int }

	data, err := Gob.Marshal(&point{X: 3, Y: 4})
	require.NoError(t, err)

	var got point
	require.NoError(t, Gob.Unmarshal(data, &got))
	assert.Equal(t, point{X: 3, Y: 4}, got)
}

func TestProtobufCodecRejectsPlainStruct(t *testing.T) {
	type plain struct{ A int }

	_, err := Protobuf.Marshal(&plain{A: 1})
	assert.Error(t, err)
	assert.Error(t, Protobuf.Unmarshal([]byte{}, &plain{}))
}

func BenchmarkFrameEncode(b *testing.B) {
	f := NewFrame(TypeRequest, 1)
	f.Metadata = []byte(`{"service":"Calc","method":"Add"}`)
	f.Payload = make([]byte, 1024)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := f.Encode(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFrameDecode(b *testing.B) {
	f := NewFrame(TypeRequest, 1)
	f.Metadata = []byte(`{"service":"Calc","method":"Add"}`)
	f.Payload = make([]byte, 1024)
	buf, err := f.Encode()
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeFrame(buf); err != nil {
			b.Fatal(err)
		}
	}
}
