package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message body.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for bodies over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds 1 MiB")

// Framer reads and writes length-prefixed frames in one byte order.
type Framer struct {
	order binary.ByteOrder
}

var (
	// GateFramer is the gate's TCP framing: 4-byte big-endian length.
	GateFramer = Framer{order: binary.BigEndian}

	// NativeFramer is browser native-messaging framing: 4-byte little-endian length.
	NativeFramer = Framer{order: binary.LittleEndian}
)

// ReadFrame reads one frame body. io.EOF is returned only at a frame boundary.
func (f Framer) ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := f.order.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body with its length prefix in a single write.
func (f Framer) WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4+len(body))
	f.order.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// WriteJSON encodes v and writes it as one frame.
func (f Framer) WriteJSON(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return f.WriteFrame(w, body)
}
