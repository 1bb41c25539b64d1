package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frames are length-delimited: a 4-byte big-endian payload length
// followed by the payload. The reader reassembles records from partial
// socket reads via io.ReadFull.

// DefaultMaxFrameSize bounds a single record on the wire.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

const lenPrefixSize = 4

// ErrEmptyFrame is returned for a zero-length frame. No record encoding
// produces an empty payload, so an empty frame is a protocol error.
var ErrEmptyFrame = errors.New("zero-length frame")

// ErrFrameTooLarge is returned when a frame exceeds the configured cap.
type ErrFrameTooLarge struct {
	Size uint32
	Max  uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d", e.Size, e.Max)
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [lenPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r. A zero max applies
// DefaultMaxFrameSize.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > max {
		return nil, &ErrFrameTooLarge{Size: size, Max: max}
	}
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
