package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen is the hard cap on a single framed message body. Frames
// advertising a larger length are a protocol violation; the connection must
// be closed rather than read further.
const MaxFrameLen = 10 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the advertised length
// exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum length")

// ReadFrame reads one `u32 length || body` frame from r. It never reads past
// the frame boundary, so r can be reused for the next frame on the same
// connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body, nil
}

// WriteFrame writes one `u32 length || body` frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadPacket reads one frame from r and decodes it as a Packet.
func ReadPacket(r io.Reader) (Packet, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return Packet{}, err
	}
	return Decode(body)
}

// WritePacket encodes p and writes it as one frame to w.
func WritePacket(w io.Writer, p Packet) error {
	body, err := Encode(p)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}
