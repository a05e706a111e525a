package routing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the only envelope version this package produces or
// accepts.
const ProtocolVersion uint8 = 1

// ErrMalformed indicates bytes that do not decode as a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope carries a payload along an onward route together with the route
// replies should take.
type Envelope struct {
	Version uint8
	Onward  Route
	Return  Route
	Payload []byte
}

// NewEnvelope builds a current-version envelope. The routes are copied.
func NewEnvelope(onward, ret Route, payload []byte) Envelope {
	return Envelope{
		Version: ProtocolVersion,
		Onward:  onward.Clone(),
		Return:  ret.Clone(),
		Payload: payload,
	}
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	if e.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, e.Version)
	}

	size := 1 + routeSize(e.Onward) + routeSize(e.Return) + binary.MaxVarintLen64 + len(e.Payload)
	buf := make([]byte, 0, size)
	buf = append(buf, e.Version)
	buf = appendRoute(buf, e.Onward)
	buf = appendRoute(buf, e.Return)
	buf = appendBytes(buf, e.Payload)
	return buf, nil
}

// DecodeEnvelope parses bytes produced by Envelope.Encode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if len(data) < 1 {
		return e, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	e.Version = data[0]
	if e.Version != ProtocolVersion {
		return e, fmt.Errorf("%w: unsupported version %d", ErrMalformed, e.Version)
	}

	rest := data[1:]
	var err error
	if e.Onward, rest, err = readRoute(rest); err != nil {
		return Envelope{}, fmt.Errorf("onward route: %w", err)
	}
	if e.Return, rest, err = readRoute(rest); err != nil {
		return Envelope{}, fmt.Errorf("return route: %w", err)
	}
	if e.Payload, rest, err = readBytes(rest); err != nil {
		return Envelope{}, fmt.Errorf("payload: %w", err)
	}
	if len(rest) != 0 {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return e, nil
}

func routeSize(r Route) int {
	n := binary.MaxVarintLen64
	for _, a := range r {
		n += binary.MaxVarintLen64 + len(a)
	}
	return n
}

func appendRoute(buf []byte, r Route) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(r)))
	for _, a := range r {
		buf = appendBytes(buf, []byte(a))
	}
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readRoute(data []byte) (Route, []byte, error) {
	n, size := binary.Uvarint(data)
	if size <= 0 {
		return nil, nil, fmt.Errorf("%w: bad hop count", ErrMalformed)
	}
	data = data[size:]
	// every hop needs at least its length byte
	if n > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: hop count %d exceeds input", ErrMalformed, n)
	}

	if n == 0 {
		return nil, data, nil
	}
	r := make(Route, 0, n)
	for i := uint64(0); i < n; i++ {
		var b []byte
		var err error
		if b, data, err = readBytes(data); err != nil {
			return nil, nil, err
		}
		r = append(r, Address(b))
	}
	return r, data, nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	n, size := binary.Uvarint(data)
	if size <= 0 {
		return nil, nil, fmt.Errorf("%w: bad length prefix", ErrMalformed)
	}
	data = data[size:]
	if n > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: length %d exceeds input %d", ErrMalformed, n, len(data))
	}
	if n == 0 {
		return nil, data, nil
	}
	out := make([]byte, n)
	copy(out, data[:n])
	return out, data[n:], nil
}
