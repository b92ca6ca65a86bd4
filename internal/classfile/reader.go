package classfile

import (
	"encoding/binary"
	"fmt"
)

// reader is a big-endian cursor over a byte slice. The first short read
// latches an error; later reads return zero values so parse code can defer
// the error check to section boundaries.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(n int) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated input: need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
	}
}

func (r *reader) u1() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail(1)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u2() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail(2)
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u4() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail(4)
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u8() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail(8)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// take returns the next n bytes as a copy, so parsed structures never alias
// the input buffer.
func (r *reader) take(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.buf) {
		r.fail(n)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += n
	return out
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

// writer builds a big-endian byte stream.
type writer struct {
	buf []byte
}

func (w *writer) u1(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u2(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u4(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u8(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}
