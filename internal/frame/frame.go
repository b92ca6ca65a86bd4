// Package frame maintains a method's verification-frame table
// (StackMapTable) while the instruction stream and local-variable table are
// being rewritten.
//
// The working form is a Session holding one row per frame: the row's delta
// under the encoding law (offset(0) = delta(0), offset(i) =
// offset(i-1) + delta(i) + 1) plus its decoded shape payload. Absolute
// offsets are recomputed by replaying deltas, so absorbing a byte-length
// change into one row's delta moves every later frame at once. Shape
// selection is a decode/encode boundary concern: Encode re-derives the
// smallest faithful shape for each consecutive pair from the resolved
// frames.
//
// A Session is scoped to one method and is not safe for concurrent use.
// The constant pool is the only resource shared across sessions; it is
// treated as append-only while any session is open.
package frame

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"classpatch/internal/classfile"
	"classpatch/internal/code"
	"classpatch/internal/vtype"
)

var log = commonlog.GetLogger("classpatch.frame")

var (
	// ErrBadTable reports a frame table that cannot be decoded or replayed.
	ErrBadTable = errors.New("corrupt frame table")
	// ErrNoCode reports a byte-level operation on a method without a body.
	ErrNoCode = errors.New("method has no code")
	// ErrOffsetNotFound reports an offset no frame window covers.
	ErrOffsetNotFound = errors.New("no frame covers offset")
	// ErrUntrackedAllocation reports an Uninitialized entry whose offset
	// matches no allocation instruction.
	ErrUntrackedAllocation = errors.New("uninitialized entry references no allocation")
)

// Kind identifies a frame shape in the working form.
type Kind uint8

const (
	KindSame   Kind = iota // locals unchanged, empty stack
	KindSame1              // locals unchanged, one stack item
	KindChop               // drop trailing locals, empty stack
	KindAppend             // append locals, empty stack
	KindFull               // complete snapshot
)

// entry is one working-form table row: the delta to the previous frame per
// the encoding law plus the shape payload. Only the fields meaningful for
// the kind are set.
type entry struct {
	kind   Kind
	delta  int
	chop   int          // KindChop: 1..3
	locals []vtype.Type // KindAppend: appended types; KindFull: all locals
	stack  []vtype.Type // KindSame1: one item; KindFull: all stack items
}

// Frame is one resolved snapshot: an absolute byte offset plus the full
// local and stack type lists in effect there.
type Frame struct {
	Offset int
	Locals []vtype.Type
	Stack  []vtype.Type
}

// Instrs is the narrow view of the instruction-stream editor the engine
// needs: byte length, slot usage, switch and allocation positions, and slot
// operand rewriting. *code.Stream satisfies it.
type Instrs interface {
	CodeLen() int
	MaxSlotUse() int
	SwitchSites() []code.SwitchSite
	AllocAt(offset int) (id int, ok bool)
	AllocPos(id int) (pos int, ok bool)
	ShiftSlotRefs(firstSlot, delta int) ([]code.Edit, error)
}

// Session is the method-scoped working state: the decoded frame table, the
// initial local snapshot (receiver plus parameters), the working
// local-variable table, and the allocation index. It lives from Load to
// Finish and must not be shared between methods.
type Session struct {
	file   *classfile.File
	member *classfile.Member

	class string
	name  string
	desc  string

	static     bool
	hasCode    bool
	needFrames bool
	codeLen    int

	entries []entry

	// Method-entry snapshot: receiver (if any) plus declared parameters.
	initialLocals      []vtype.Type
	initialLocalsCount int
	// Index into the working local table of the first true local.
	firstLocalIndex int
	paramSlots      int

	locals    []classfile.LocalVar
	maxLocals int

	// Allocation id -> byte offset recorded in the table.
	uninit map[int]int
}

// Load opens an edit session for one method. The existing frame-table
// attribute, if any, is decoded and detached from the Code attribute; a
// replacement is produced by Finish. Methods without code yield a
// signature-only session.
func Load(f *classfile.File, m *classfile.Member) (*Session, error) {
	class, err := f.Name()
	if err != nil {
		return nil, err
	}
	name, desc, err := f.MemberName(m)
	if err != nil {
		return nil, err
	}
	s := &Session{
		file:   f,
		member: m,
		class:  class,
		name:   name,
		desc:   desc,
		static: m.IsStatic(),
		uninit: make(map[int]int),
	}

	params, _, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Identity(), err)
	}
	if !s.static {
		s.initialLocals = append(s.initialLocals, vtype.Object(f.ThisClass))
	}
	for _, p := range params {
		vt, err := vtype.FromDescriptor(p, f.Pool)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Identity(), err)
		}
		s.initialLocals = append(s.initialLocals, vt)
	}
	s.initialLocalsCount = len(s.initialLocals)
	s.firstLocalIndex = len(s.initialLocals)
	s.paramSlots = classfile.ParamSlots(params, s.static)
	s.maxLocals = s.paramSlots

	c := m.CodeAttr()
	if c == nil {
		return s, nil
	}
	s.hasCode = true
	s.codeLen = len(c.Bytes)
	s.maxLocals = int(c.MaxLocals)

	raw, had := c.StackMap(f.Pool)
	if had {
		entries, err := decodeTable(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Identity(), err)
		}
		s.entries = entries
		c.RemoveStackMap(f.Pool)
	}
	s.needFrames = had || f.Major > classfile.MajorJava6
	log.Debugf("%s: loaded %d frames (needed=%v)", s.Identity(), len(s.entries), s.needFrames)
	return s, nil
}

// Identity names the method for error and log context.
func (s *Session) Identity() string {
	return s.class + "." + s.name + s.desc
}

// HasCode reports whether the method has a body to edit.
func (s *Session) HasCode() bool { return s.hasCode }

// NeedFrames reports whether a frame table must be produced on Finish: one
// existed before, or the class-file version makes frames mandatory.
func (s *Session) NeedFrames() bool { return s.needFrames }

// FrameCount returns the number of frames in the working table.
func (s *Session) FrameCount() int { return len(s.entries) }

// Descriptor returns the method descriptor, reflecting inserted parameters.
func (s *Session) Descriptor() string { return s.desc }

// Locals returns a copy of the working local-variable table. It is empty
// until NormalizeLocalTable has run.
func (s *Session) Locals() []classfile.LocalVar {
	return append([]classfile.LocalVar(nil), s.locals...)
}

func (s *Session) pool() *classfile.ConstPool { return s.file.Pool }

// Frames resolves the working table into absolute-offset snapshots by
// replaying each shape against the method-entry locals. The result is a
// deep copy; mutating it does not touch the session.
func (s *Session) Frames() []Frame {
	locals := cloneTypes(s.initialLocals)
	frames := make([]Frame, 0, len(s.entries))
	off := -1
	for i := range s.entries {
		e := &s.entries[i]
		off += e.delta + 1
		var stack []vtype.Type
		switch e.kind {
		case KindSame:
		case KindSame1:
			stack = cloneTypes(e.stack)
		case KindChop:
			n := len(locals) - e.chop
			if n < 0 {
				n = 0
			}
			locals = locals[:n]
		case KindAppend:
			locals = append(locals, e.locals...)
		case KindFull:
			locals = cloneTypes(e.locals)
			stack = cloneTypes(e.stack)
		}
		frames = append(frames, Frame{Offset: off, Locals: cloneTypes(locals), Stack: stack})
	}
	return frames
}

func cloneTypes(types []vtype.Type) []vtype.Type {
	if types == nil {
		return nil
	}
	return append([]vtype.Type(nil), types...)
}

func typesEqual(a, b []vtype.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// typesPrefix reports whether a is a leading prefix of b.
func typesPrefix(a, b []vtype.Type) bool {
	if len(a) > len(b) {
		return false
	}
	return typesEqual(a, b[:len(a)])
}
