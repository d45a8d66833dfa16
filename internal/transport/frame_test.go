package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramer_ByteOrder(t *testing.T) {
	var gate, native bytes.Buffer
	require.NoError(t, GateFramer.WriteFrame(&gate, []byte("hi!")))
	require.NoError(t, NativeFramer.WriteFrame(&native, []byte("hi!")))

	require.Equal(t, []byte{0, 0, 0, 3, 'h', 'i', '!'}, gate.Bytes())
	require.Equal(t, []byte{3, 0, 0, 0, 'h', 'i', '!'}, native.Bytes())
}

func TestFramer_RoundTripMany(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, GateFramer.WriteJSON(&buf, Request{Type: TypePing, CorrelationID: "a"}))
	require.NoError(t, GateFramer.WriteJSON(&buf, Request{Type: TypeSyncNow, CorrelationID: "b"}))

	first, err := GateFramer.ReadFrame(&buf)
	require.NoError(t, err)
	req, err := ParseRequest(first)
	require.NoError(t, err)
	require.Equal(t, "a", req.CorrelationID)

	second, err := GateFramer.ReadFrame(&buf)
	require.NoError(t, err)
	req, err = ParseRequest(second)
	require.NoError(t, err)
	require.Equal(t, TypeSyncNow, req.Type)

	_, err = GateFramer.ReadFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestFramer_TooLarge(t *testing.T) {
	header := []byte{0, 0x10, 0, 1} // 1 MiB + 1
	_, err := GateFramer.ReadFrame(bytes.NewReader(header))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	err = GateFramer.WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFramer_Truncated(t *testing.T) {
	_, err := GateFramer.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 5, 'a'}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
