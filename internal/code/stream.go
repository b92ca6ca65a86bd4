// Package code decodes, edits, and re-encodes JVM method bodies as a
// positioned instruction stream.
//
// Design goals:
//   - Decoding and immediately re-encoding an untouched stream reproduces
//     the input bytes.
//   - Every edit reports each byte-length change at the position where it
//     became visible, so offset-based side tables can follow along.
//   - Branch targets are tracked as absolute offsets and re-encoded after
//     every edit; switch padding is recomputed from the final positions.
//
// The shift rule is uniform: when a change of d bytes lands at position p,
// any tracked offset strictly greater than p moves by d, and an offset equal
// to p stays. Inserting before an instruction therefore leaves branches to
// that offset pointing at the start of the inserted run.
package code

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownOpcode reports an opcode outside the defined set.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrTruncated reports a method body that ends inside an instruction.
	ErrTruncated = errors.New("truncated code")
	// ErrNotBoundary reports an offset that does not start an instruction.
	ErrNotBoundary = errors.New("not an instruction boundary")
)

// Edit records one byte-length change: Delta bytes appeared at (or vanished
// after) position Pos. Positions are live at the moment the change applied,
// with all earlier edits of the same batch already in effect.
type Edit struct {
	Pos   int
	Delta int
}

// SwitchSite locates one tableswitch or lookupswitch: Pos is the opcode
// offset and End the offset just past the instruction.
type SwitchSite struct {
	Pos int
	End int
}

type casePair struct {
	match  int32
	target int
}

type switchData struct {
	defTarget int
	low, high int32
	targets   []int      // tableswitch, high-low+1 entries
	pairs     []casePair // lookupswitch
}

// Instruction is one decoded instruction. Branch targets and switch case
// targets are absolute code offsets.
type Instruction struct {
	op       byte
	operands []byte // raw operand bytes for fixed-form instructions
	target   int    // absolute target for branch opcodes
	sw       *switchData
	pos      int
	length   int
	serial   int // stable identity across edits, assigned by the stream
}

// Op returns the opcode. For wide-prefixed instructions this is OpWide; the
// modified opcode is the first operand byte.
func (in *Instruction) Op() byte { return in.op }

// Pos returns the current byte offset of the instruction.
func (in *Instruction) Pos() int { return in.pos }

// Len returns the current encoded length in bytes.
func (in *Instruction) Len() int { return in.length }

// Mnemonic returns the instruction name, with the wide prefix folded in.
func (in *Instruction) Mnemonic() string {
	if in.op == OpWide && len(in.operands) > 0 {
		return "wide " + Mnemonic(in.operands[0])
	}
	return Mnemonic(in.op)
}

// Operands returns the raw operand bytes. Branches and switches return nil;
// their operands are re-derived from targets on encode.
func (in *Instruction) Operands() []byte { return in.operands }

// IsReturn reports the ireturn..return family.
func (in *Instruction) IsReturn() bool { return isReturn(in.op) }

// IsBranch reports a relative branch, excluding switches.
func (in *Instruction) IsBranch() bool { return isBranch(in.op) }

// IsSwitch reports tableswitch or lookupswitch.
func (in *Instruction) IsSwitch() bool {
	return in.op == OpTableswitch || in.op == OpLookupswitch
}

// BranchTarget returns the absolute target of a branch instruction.
func (in *Instruction) BranchTarget() (int, bool) {
	if !isBranch(in.op) {
		return 0, false
	}
	return in.target, true
}

// SwitchDests returns the default target followed by every case target of a
// switch instruction, or nil.
func (in *Instruction) SwitchDests() []int {
	if in.sw == nil {
		return nil
	}
	dests := make([]int, 0, 1+len(in.sw.targets)+len(in.sw.pairs))
	dests = append(dests, in.sw.defTarget)
	dests = append(dests, in.sw.targets...)
	for _, p := range in.sw.pairs {
		dests = append(dests, p.target)
	}
	return dests
}

// effectiveOp resolves the wide prefix to the modified opcode.
func (in *Instruction) effectiveOp() byte {
	if in.op == OpWide && len(in.operands) > 0 {
		return in.operands[0]
	}
	return in.op
}

// SlotRef returns the local-variable slot referenced by the instruction, in
// any of its forms (explicit, implicit _0.._3, or wide-prefixed), and false
// for instructions that do not touch a slot.
func (in *Instruction) SlotRef() (int, bool) {
	switch classifySlot(in.op) {
	case slotLoad, slotStore, slotRet, slotIinc:
		return int(in.operands[0]), true
	case slotLoadShort:
		return int(in.op-OpIload0) % 4, true
	case slotStoreShort:
		return int(in.op-OpIstore0) % 4, true
	case slotWidePrefix:
		switch classifySlot(in.operands[0]) {
		case slotLoad, slotStore, slotRet, slotIinc:
			return int(binary.BigEndian.Uint16(in.operands[1:3])), true
		}
	}
	return 0, false
}

// setSlotRef repoints the instruction at a new slot, re-encoding it in the
// narrowest form that does not shrink the current one. Implicit forms grow
// to explicit, explicit to wide; a form never narrows, so slot shifts only
// ever produce non-negative length deltas.
func (in *Instruction) setSlotRef(slot int) error {
	if slot < 0 || slot > 0xffff {
		return fmt.Errorf("slot %d out of range", slot)
	}
	switch kind := classifySlot(in.op); kind {
	case slotLoadShort, slotStoreShort:
		base, explicit := byte(OpIload0), byte(OpIload)
		if kind == slotStoreShort {
			base, explicit = OpIstore0, OpIstore
		}
		family := (in.op - base) / 4
		switch {
		case slot <= 3:
			in.op = base + family*4 + byte(slot)
		case slot <= 0xff:
			in.op = explicit + family
			in.operands = []byte{byte(slot)}
		default:
			in.operands = wideOperands(explicit+family, slot, 0)
			in.op = OpWide
		}
	case slotLoad, slotStore, slotRet:
		if slot <= 0xff {
			in.operands[0] = byte(slot)
		} else {
			in.operands = wideOperands(in.op, slot, 0)
			in.op = OpWide
		}
	case slotIinc:
		if slot <= 0xff {
			in.operands[0] = byte(slot)
		} else {
			in.operands = wideOperands(OpIinc, slot, int(int8(in.operands[1])))
			in.op = OpWide
		}
	case slotWidePrefix:
		binary.BigEndian.PutUint16(in.operands[1:3], uint16(slot))
	default:
		return fmt.Errorf("%s does not reference a slot", in.Mnemonic())
	}
	return nil
}

func wideOperands(inner byte, slot, iincDelta int) []byte {
	ops := binary.BigEndian.AppendUint16([]byte{inner}, uint16(slot))
	if inner == OpIinc {
		ops = binary.BigEndian.AppendUint16(ops, uint16(int16(iincDelta)))
	}
	return ops
}

// encodedLen computes the length the instruction will encode to at its
// current position. Only switches depend on the position.
func (in *Instruction) encodedLen() int {
	switch in.op {
	case OpTableswitch:
		return 1 + padTo4(in.pos) + 12 + 4*len(in.sw.targets)
	case OpLookupswitch:
		return 1 + padTo4(in.pos) + 8 + 8*len(in.sw.pairs)
	case OpWide:
		return 1 + len(in.operands)
	}
	if n := fixedLen[in.op]; n > 0 {
		return int(n)
	}
	return 1 + len(in.operands)
}

// padTo4 returns the zero-byte padding between a switch opcode at pos and
// its 4-byte-aligned operands.
func padTo4(pos int) int {
	pad := (3 - pos) % 4
	if pad < 0 {
		pad += 4
	}
	return pad
}

// NewInsn builds a fixed-length instruction from raw operand bytes. Branches
// and switches have dedicated constructors.
func NewInsn(op byte, operands ...byte) (*Instruction, error) {
	fl := fixedLen[op]
	switch {
	case fl == 0:
		return nil, fmt.Errorf("%w 0x%02x", ErrUnknownOpcode, op)
	case fl < 0 || isBranch(op):
		return nil, fmt.Errorf("%s cannot be built from raw operands", Mnemonic(op))
	case int(fl) != 1+len(operands):
		return nil, fmt.Errorf("%s takes %d operand bytes, got %d", Mnemonic(op), fl-1, len(operands))
	}
	in := &Instruction{op: op, length: int(fl)}
	if len(operands) > 0 {
		in.operands = append([]byte(nil), operands...)
	}
	return in, nil
}

// NewBranch builds a branch instruction aimed at an absolute offset, given
// in the coordinates of the stream it will be inserted into.
func NewBranch(op byte, target int) (*Instruction, error) {
	if !isBranch(op) {
		return nil, fmt.Errorf("%s is not a branch", Mnemonic(op))
	}
	return &Instruction{op: op, target: target, length: int(fixedLen[op])}, nil
}

// Stream is an editable method body.
type Stream struct {
	ins        []*Instruction
	codeLen    int
	nextSerial int
}

// Decode parses a method body into a stream. Relative branch and switch
// offsets become absolute positions.
func Decode(codeBytes []byte) (*Stream, error) {
	s := &Stream{}
	pos := 0
	for pos < len(codeBytes) {
		in, n, err := decodeOne(codeBytes, pos)
		if err != nil {
			return nil, err
		}
		in.pos, in.length = pos, n
		s.nextSerial++
		in.serial = s.nextSerial
		s.ins = append(s.ins, in)
		pos += n
	}
	s.codeLen = pos
	return s, nil
}

func decodeOne(codeBytes []byte, pos int) (*Instruction, int, error) {
	op := codeBytes[pos]
	fl := fixedLen[op]
	switch {
	case fl == 0:
		return nil, 0, fmt.Errorf("%w 0x%02x at offset %d", ErrUnknownOpcode, op, pos)

	case op == OpWide:
		if pos+2 > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: wide prefix at %d", ErrTruncated, pos)
		}
		inner := codeBytes[pos+1]
		n := 4
		if inner == OpIinc {
			n = 6
		}
		switch classifySlot(inner) {
		case slotLoad, slotStore, slotRet, slotIinc:
		default:
			return nil, 0, fmt.Errorf("%w: wide prefix on %s at %d", ErrUnknownOpcode, Mnemonic(inner), pos)
		}
		if pos+n > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: %s at %d", ErrTruncated, Mnemonic(inner), pos)
		}
		return &Instruction{op: op, operands: append([]byte(nil), codeBytes[pos+1:pos+n]...)}, n, nil

	case op == OpTableswitch:
		base := pos + 1 + padTo4(pos)
		if base+12 > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: tableswitch at %d", ErrTruncated, pos)
		}
		sw := &switchData{
			defTarget: pos + s32At(codeBytes, base),
			low:       int32(binary.BigEndian.Uint32(codeBytes[base+4:])),
			high:      int32(binary.BigEndian.Uint32(codeBytes[base+8:])),
		}
		if sw.high < sw.low {
			return nil, 0, fmt.Errorf("tableswitch at %d: high %d below low %d", pos, sw.high, sw.low)
		}
		count := int(sw.high-sw.low) + 1
		if base+12+4*count > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: tableswitch at %d", ErrTruncated, pos)
		}
		sw.targets = make([]int, count)
		for i := range sw.targets {
			sw.targets[i] = pos + s32At(codeBytes, base+12+4*i)
		}
		return &Instruction{op: op, sw: sw}, base + 12 + 4*count - pos, nil

	case op == OpLookupswitch:
		base := pos + 1 + padTo4(pos)
		if base+8 > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: lookupswitch at %d", ErrTruncated, pos)
		}
		sw := &switchData{defTarget: pos + s32At(codeBytes, base)}
		npairs := int32(binary.BigEndian.Uint32(codeBytes[base+4:]))
		if npairs < 0 {
			return nil, 0, fmt.Errorf("lookupswitch at %d: negative pair count", pos)
		}
		if base+8+8*int(npairs) > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: lookupswitch at %d", ErrTruncated, pos)
		}
		sw.pairs = make([]casePair, npairs)
		for i := range sw.pairs {
			sw.pairs[i] = casePair{
				match:  int32(binary.BigEndian.Uint32(codeBytes[base+8+8*i:])),
				target: pos + s32At(codeBytes, base+8+8*i+4),
			}
		}
		return &Instruction{op: op, sw: sw}, base + 8 + 8*int(npairs) - pos, nil

	case isBranch(op):
		n := int(fl)
		if pos+n > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: %s at %d", ErrTruncated, Mnemonic(op), pos)
		}
		var rel int
		if isWideBranch(op) {
			rel = s32At(codeBytes, pos+1)
		} else {
			rel = int(int16(binary.BigEndian.Uint16(codeBytes[pos+1:])))
		}
		return &Instruction{op: op, target: pos + rel}, n, nil

	default:
		n := int(fl)
		if pos+n > len(codeBytes) {
			return nil, 0, fmt.Errorf("%w: %s at %d", ErrTruncated, Mnemonic(op), pos)
		}
		in := &Instruction{op: op}
		if n > 1 {
			in.operands = append([]byte(nil), codeBytes[pos+1:pos+n]...)
		}
		return in, n, nil
	}
}

func s32At(b []byte, off int) int {
	return int(int32(binary.BigEndian.Uint32(b[off:])))
}

// CodeLen returns the current byte length of the stream.
func (s *Stream) CodeLen() int { return s.codeLen }

// Count returns the number of instructions.
func (s *Stream) Count() int { return len(s.ins) }

// Instructions returns the live instruction slice in stream order. Callers
// must treat it as read-only.
func (s *Stream) Instructions() []*Instruction { return s.ins }

// InsnAt returns the instruction starting at the given offset.
func (s *Stream) InsnAt(pos int) (*Instruction, bool) {
	i, ok := s.indexAt(pos)
	if !ok || i == len(s.ins) {
		return nil, false
	}
	return s.ins[i], true
}

func (s *Stream) indexAt(pos int) (int, bool) {
	if pos == s.codeLen {
		return len(s.ins), true
	}
	i := sort.Search(len(s.ins), func(i int) bool { return s.ins[i].pos >= pos })
	if i < len(s.ins) && s.ins[i].pos == pos {
		return i, true
	}
	return 0, false
}

// Encode serializes the stream. Positions must be settled, which Decode and
// every editing call guarantee.
func (s *Stream) Encode() ([]byte, error) {
	buf := make([]byte, 0, s.codeLen)
	for _, in := range s.ins {
		var err error
		buf, err = in.appendTo(buf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (in *Instruction) appendTo(buf []byte) ([]byte, error) {
	switch {
	case in.op == OpTableswitch:
		buf = append(buf, in.op)
		buf = append(buf, make([]byte, padTo4(in.pos))...)
		buf = appendS32(buf, in.sw.defTarget-in.pos)
		buf = appendS32(buf, int(in.sw.low))
		buf = appendS32(buf, int(in.sw.high))
		for _, t := range in.sw.targets {
			buf = appendS32(buf, t-in.pos)
		}
	case in.op == OpLookupswitch:
		buf = append(buf, in.op)
		buf = append(buf, make([]byte, padTo4(in.pos))...)
		buf = appendS32(buf, in.sw.defTarget-in.pos)
		buf = appendS32(buf, len(in.sw.pairs))
		for _, p := range in.sw.pairs {
			buf = appendS32(buf, int(p.match))
			buf = appendS32(buf, p.target-in.pos)
		}
	case isWideBranch(in.op):
		buf = append(buf, in.op)
		buf = appendS32(buf, in.target-in.pos)
	case isBranch(in.op):
		rel := in.target - in.pos
		if !fitsInt16(rel) {
			return nil, fmt.Errorf("%s at %d: target %d out of 16-bit range", Mnemonic(in.op), in.pos, in.target)
		}
		buf = append(buf, in.op)
		buf = binary.BigEndian.AppendUint16(buf, uint16(int16(rel)))
	default:
		buf = append(buf, in.op)
		buf = append(buf, in.operands...)
	}
	return buf, nil
}

func appendS32(buf []byte, v int) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(int32(v)))
}

func fitsInt16(v int) bool { return v >= -0x8000 && v <= 0x7fff }

// Insert places instructions before the instruction at pos, or at the end of
// the stream when pos equals the code length. It returns the length changes
// in application order: one per inserted instruction, then any knock-on
// switch padding or branch widening. Branches and other offsets pointing
// exactly at pos keep pointing there, which is now the start of the inserted
// run.
func (s *Stream) Insert(pos int, ins ...*Instruction) ([]Edit, error) {
	idx, ok := s.indexAt(pos)
	if !ok {
		return nil, fmt.Errorf("%w: offset %d", ErrNotBoundary, pos)
	}
	for _, in := range ins {
		s.nextSerial++
		in.serial = s.nextSerial
		in.pos = pos
		in.length = 0 // settle reports the growth as an edit
	}
	tail := append([]*Instruction(nil), s.ins[idx:]...)
	s.ins = append(append(s.ins[:idx], ins...), tail...)
	return s.settle()
}

// ShiftSlotRefs adds delta to the slot operand of every instruction whose
// referenced slot is at or above firstSlot. Re-encoded forms may grow, so
// the returned edits carry the resulting position shifts.
func (s *Stream) ShiftSlotRefs(firstSlot, delta int) ([]Edit, error) {
	for _, in := range s.ins {
		slot, ok := in.SlotRef()
		if !ok || slot < firstSlot {
			continue
		}
		if err := in.setSlotRef(slot + delta); err != nil {
			return nil, fmt.Errorf("shift %s at %d: %w", in.Mnemonic(), in.pos, err)
		}
	}
	return s.settle()
}

// settle recomputes positions until every instruction's length matches its
// position, recording an edit for each length change and re-aiming absolute
// targets as positions move. Short goto and jsr grow to their wide forms
// when their targets move out of 16-bit range; conditional branches cannot
// grow and fail instead.
func (s *Stream) settle() ([]Edit, error) {
	var edits []Edit
	for round := 0; ; round++ {
		if round > len(s.ins)+8 {
			return nil, errors.New("instruction lengths failed to converge")
		}
		changed := false
		pos := 0
		for _, in := range s.ins {
			in.pos = pos
			if l := in.encodedLen(); l != in.length {
				d := l - in.length
				in.length = l
				edits = append(edits, Edit{Pos: pos, Delta: d})
				s.shiftTargets(pos, d)
				changed = true
			}
			pos += in.length
		}
		s.codeLen = pos
		if changed {
			continue
		}
		widened := false
		for _, in := range s.ins {
			if (in.op == OpGoto || in.op == OpJsr) && !fitsInt16(in.target-in.pos) {
				in.op += OpGotoW - OpGoto
				widened = true
			}
		}
		if !widened {
			break
		}
	}
	for _, in := range s.ins {
		if isBranch(in.op) && !isWideBranch(in.op) && !fitsInt16(in.target-in.pos) {
			return nil, fmt.Errorf("%s at %d: target %d out of 16-bit range", Mnemonic(in.op), in.pos, in.target)
		}
	}
	return edits, nil
}

// shiftTargets applies the uniform shift rule to every absolute target.
func (s *Stream) shiftTargets(pos, delta int) {
	for _, in := range s.ins {
		if isBranch(in.op) && in.target > pos {
			in.target += delta
		}
		if in.sw == nil {
			continue
		}
		if in.sw.defTarget > pos {
			in.sw.defTarget += delta
		}
		for i, t := range in.sw.targets {
			if t > pos {
				in.sw.targets[i] = t + delta
			}
		}
		for i, p := range in.sw.pairs {
			if p.target > pos {
				in.sw.pairs[i].target = p.target + delta
			}
		}
	}
}

// SwitchSites lists every switch instruction in stream order.
func (s *Stream) SwitchSites() []SwitchSite {
	var sites []SwitchSite
	for _, in := range s.ins {
		if in.IsSwitch() {
			sites = append(sites, SwitchSite{Pos: in.pos, End: in.pos + in.length})
		}
	}
	return sites
}

// ReturnSites lists the current positions of all return instructions.
func (s *Stream) ReturnSites() []int {
	var sites []int
	for _, in := range s.ins {
		if isReturn(in.op) {
			sites = append(sites, in.pos)
		}
	}
	return sites
}

// AllocAt returns a stable identity for the allocation (new) instruction at
// the given offset. The identity survives subsequent edits.
func (s *Stream) AllocAt(offset int) (int, bool) {
	for _, in := range s.ins {
		if in.op == OpNew && in.pos == offset {
			return in.serial, true
		}
	}
	return 0, false
}

// AllocPos returns the current offset of a previously identified allocation.
func (s *Stream) AllocPos(id int) (int, bool) {
	for _, in := range s.ins {
		if in.serial == id && in.op == OpNew {
			return in.pos, true
		}
	}
	return 0, false
}

// MaxSlotUse returns the highest slot bound touched by any instruction: the
// referenced slot plus the width of the value it moves. Zero means no
// instruction references a slot.
func (s *Stream) MaxSlotUse() int {
	use := 0
	for _, in := range s.ins {
		slot, ok := in.SlotRef()
		if !ok {
			continue
		}
		if n := slot + slotWidth(in.effectiveOp()); n > use {
			use = n
		}
	}
	return use
}
