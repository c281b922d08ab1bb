// Package wire implements the length-prefixed JSON frame codec and the
// canonical (byte-deterministic) JSON serialization mode used by the
// response envelope.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest frame payload accepted or emitted. A
// length header requesting more than this fails the connection.
const MaxFrameSize = 10 * 1024 * 1024 // 10 MiB

// ReadFrame reads one length-prefixed frame from r: a 4-byte
// little-endian unsigned length followed by that many bytes of UTF-8
// JSON. It retries short reads until exactly length bytes are read, and
// fails on EOF, a short stream, or a length of 0 or greater than
// MaxFrameSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("reading frame: zero-length frame")
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("reading frame: length %d exceeds maximum %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w: a 4-byte
// little-endian length header followed by payload. Fails on a payload
// larger than MaxFrameSize or on a short write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("writing frame: payload of %d bytes exceeds maximum %d", len(payload), MaxFrameSize)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}
