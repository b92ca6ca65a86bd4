package frame

import (
	"encoding/binary"
	"fmt"

	"classpatch/internal/classfile"
	"classpatch/internal/vtype"
)

// On-disk frame-type bytes. 0-63 and 64-127 encode Same and
// SameLocals1StackItem with the delta folded into the type byte; the rest
// carry an explicit u2 delta.
const (
	ftSame1Extended = 247
	ftChopMax       = 250 // 248..250, k = 251 - type
	ftSameExtended  = 251
	ftAppendMax     = 254 // 252..254, count = type - 251
	ftFull          = 255
)

// tr is a big-endian cursor over the raw attribute payload. The first
// short read latches an error, like the class-file reader.
type tr struct {
	buf []byte
	off int
	err error
}

func (r *tr) fail(n int) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrBadTable, n, r.off, len(r.buf)-r.off)
	}
}

func (r *tr) u1() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail(1)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *tr) u2() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail(2)
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

// item decodes one verification-type entry.
func (r *tr) item() vtype.Type {
	tag := vtype.Tag(r.u1())
	switch tag {
	case vtype.TagObject:
		return vtype.Object(r.u2())
	case vtype.TagUninitialized:
		return vtype.Uninitialized(r.u2())
	case vtype.TagTop, vtype.TagInteger, vtype.TagFloat, vtype.TagDouble,
		vtype.TagLong, vtype.TagNull, vtype.TagUninitializedThis:
		return vtype.Type{Tag: tag}
	}
	if r.err == nil {
		r.err = fmt.Errorf("%w: verification-type tag %d", ErrBadTable, tag)
	}
	return vtype.Type{}
}

func (r *tr) items(n int) []vtype.Type {
	out := make([]vtype.Type, n)
	for i := range out {
		out[i] = r.item()
	}
	return out
}

// tw builds the raw attribute payload.
type tw struct {
	buf []byte
}

func (w *tw) u1(v uint8)  { w.buf = append(w.buf, v) }
func (w *tw) u2(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *tw) item(t vtype.Type) {
	w.u1(uint8(t.Tag))
	switch t.Tag {
	case vtype.TagObject:
		w.u2(t.Index)
	case vtype.TagUninitialized:
		w.u2(t.Offset)
	}
}

// decodeTable parses the raw StackMapTable payload into working rows.
func decodeTable(raw []byte) ([]entry, error) {
	r := &tr{buf: raw}
	count := int(r.u2())
	entries := make([]entry, 0, count)
	for i := 0; i < count; i++ {
		ft := int(r.u1())
		var e entry
		switch {
		case ft <= 63:
			e = entry{kind: KindSame, delta: ft}
		case ft <= 127:
			e = entry{kind: KindSame1, delta: ft - 64, stack: r.items(1)}
		case ft < ftSame1Extended:
			return nil, fmt.Errorf("%w: reserved frame type %d in frame %d", ErrBadTable, ft, i)
		case ft == ftSame1Extended:
			d := int(r.u2())
			e = entry{kind: KindSame1, delta: d, stack: r.items(1)}
		case ft <= ftChopMax:
			e = entry{kind: KindChop, delta: int(r.u2()), chop: ftSameExtended - ft}
		case ft == ftSameExtended:
			e = entry{kind: KindSame, delta: int(r.u2())}
		case ft <= ftAppendMax:
			n := ft - ftSameExtended
			d := int(r.u2())
			e = entry{kind: KindAppend, delta: d, locals: r.items(n)}
		default:
			d := int(r.u2())
			locals := r.items(int(r.u2()))
			stack := r.items(int(r.u2()))
			e = entry{kind: KindFull, delta: d, locals: locals, stack: stack}
		}
		if r.err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, r.err)
		}
		entries = append(entries, e)
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadTable, len(raw)-r.off)
	}
	return entries, nil
}

// Encode re-encodes the working table, choosing the smallest faithful
// shape for each consecutive frame pair and re-deriving deltas from the
// resolved absolute offsets. It returns false when the method needs no
// table: none existed and the class-file version predates mandatory
// frames, or the table is empty.
func (s *Session) Encode() ([]byte, bool) {
	if !s.needFrames || len(s.entries) == 0 {
		return nil, false
	}
	frames := s.Frames()
	w := &tw{}
	w.u2(uint16(len(frames)))
	prevLocals := cloneTypes(s.initialLocals)
	prevOff := -1
	for _, fr := range frames {
		delta := fr.Offset - prevOff - 1
		w.frame(fr, prevLocals, delta)
		prevLocals = fr.Locals
		prevOff = fr.Offset
	}
	return w.buf, true
}

func (w *tw) frame(fr Frame, prevLocals []vtype.Type, delta int) {
	grown := len(fr.Locals) - len(prevLocals)
	switch {
	case len(fr.Stack) == 0 && typesEqual(fr.Locals, prevLocals):
		if delta <= 63 {
			w.u1(uint8(delta))
		} else {
			w.u1(ftSameExtended)
			w.u2(uint16(delta))
		}
	case len(fr.Stack) == 1 && typesEqual(fr.Locals, prevLocals):
		if delta <= 63 {
			w.u1(uint8(64 + delta))
		} else {
			w.u1(ftSame1Extended)
			w.u2(uint16(delta))
		}
		w.item(fr.Stack[0])
	case len(fr.Stack) == 0 && grown < 0 && grown >= -3 && typesPrefix(fr.Locals, prevLocals):
		w.u1(uint8(ftSameExtended + grown))
		w.u2(uint16(delta))
	case len(fr.Stack) == 0 && grown > 0 && grown <= 3 && typesPrefix(prevLocals, fr.Locals):
		w.u1(uint8(ftSameExtended + grown))
		w.u2(uint16(delta))
		for _, t := range fr.Locals[len(prevLocals):] {
			w.item(t)
		}
	default:
		w.u1(ftFull)
		w.u2(uint16(delta))
		w.u2(uint16(len(fr.Locals)))
		for _, t := range fr.Locals {
			w.item(t)
		}
		w.u2(uint16(len(fr.Stack)))
		for _, t := range fr.Stack {
			w.item(t)
		}
	}
}

// Finish writes the session's results back to the Code attribute: the
// normalized local-variable table (when one was built), the recomputed
// max-locals, and the re-encoded frame table.
func (s *Session) Finish(c *classfile.Code) error {
	if !s.hasCode {
		return fmt.Errorf("%s: %w", s.Identity(), ErrNoCode)
	}
	if s.locals != nil {
		if err := c.SetLocalVars(s.pool(), s.locals); err != nil {
			return fmt.Errorf("%s: local table: %w", s.Identity(), err)
		}
	}
	c.MaxLocals = uint16(s.maxLocals)
	if data, ok := s.Encode(); ok {
		if err := c.SetStackMap(s.pool(), data); err != nil {
			return fmt.Errorf("%s: frame table: %w", s.Identity(), err)
		}
		log.Debugf("%s: wrote %d frames (%d bytes)", s.Identity(), len(s.entries), len(data))
	}
	return nil
}
