package oraclewire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxMessageSize is the largest payload, in bytes, either side of the
	// connection will accept. A frame declaring a larger payload is fatal
	// to the connection.
	MaxMessageSize = 1_000_000

	// lengthPrefixSize is the size of the big-endian length that precedes
	// every payload.
	lengthPrefixSize = 4
)

// ErrMessageTooLarge signals that a frame declared, or a message would
// require, a payload above MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// WriteFrame writes payload prefixed with its length as a 4-byte big-endian
// integer. The prefix and payload are handed to w in a single call.
func WriteFrame(w io.Writer, payload []byte) (int, error) {
	if len(payload) > MaxMessageSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge,
			len(payload))
	}

	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)

	return w.Write(frame)
}

// ReadFrame reads a single length prefixed payload from r. The declared length
// is checked against MaxMessageSize before any of the payload is read, so a
// hostile peer cannot make us allocate an arbitrary buffer.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: peer declared %d bytes",
			ErrMessageTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("unable to read %d byte payload: %w",
			size, err)
	}

	return payload, nil
}
