package framed

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds inbound frames.
const DefaultMaxFrameSize = 1 << 20

// WriteFrame writes payload prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame, rejecting frames larger than
// maxSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if int64(n) > int64(maxSize) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return payload, nil
}
