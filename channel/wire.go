package channel

import (
	"encoding/binary"
	"fmt"
)

// encoder appends length-prefixed fields.
type encoder struct {
	buf []byte
}

func newEncoder(k messageKind, sizeHint int) *encoder {
	e := &encoder{buf: make([]byte, 0, 1+sizeHint)}
	e.buf = append(e.buf, byte(k))
	return e
}

func (e *encoder) u8(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) fixed(b []byte) {
	e.buf = append(e.buf, b...)
}

// decoder consumes fields written by encoder and records the first error.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]interface{}{ErrCodec}, args...)...)
	}
}

func (d *decoder) u8() byte {
	if d.err != nil {
		return 0
	}
	if len(d.data) < 1 {
		d.fail("truncated input")
		return 0
	}
	b := d.data[0]
	d.data = d.data[1:]
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data)
	if n <= 0 {
		d.fail("bad varint")
		return 0
	}
	d.data = d.data[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.data)) {
		d.fail("length %d exceeds input %d", n, len(d.data))
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.data[:n])
	d.data = d.data[n:]
	return out
}

func (d *decoder) fixed(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.data) < n {
		d.fail("need %d bytes, have %d", n, len(d.data))
		return nil
	}
	out := make([]byte, n)
	copy(out, d.data[:n])
	d.data = d.data[n:]
	return out
}

// finish reports the first decode error or leftover bytes.
func (d *decoder) finish() error {
	if d.err == nil && len(d.data) != 0 {
		d.fail("%d trailing bytes", len(d.data))
	}
	return d.err
}
