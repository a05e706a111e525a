package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/securechannel/limits"
)

// frameHeaderSize is the 2-byte big-endian length prefix of every frame.
const frameHeaderSize = 2

// ErrFrameTooLarge indicates a frame body longer than limits.MaxFrame.
var ErrFrameTooLarge = errors.New("frame too large")

// writeFrame writes data with its length prefix in a single Write call.
func writeFrame(w io.Writer, data []byte) error {
	if err := limits.ValidateFrame(data); err != nil {
		if errors.Is(err, limits.ErrMessageTooLarge) {
			return fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
		}
		return err
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[frameHeaderSize:], data)

	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame body. Short reads are retried until the whole
// header and body have arrived.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(header[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", limits.ErrMessageEmpty)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
