package frame

import (
	"fmt"
	"strings"

	"classpatch/internal/classfile"
	"classpatch/internal/vtype"
)

// tempPrefix names synthesized compiler temporaries. The full name is
// patch$tmp$<slot>$<startOffset>, deterministic for a given frame history.
const tempPrefix = "patch$tmp$"

func tempName(slot, start int) string {
	return fmt.Sprintf("%s%d$%d", tempPrefix, slot, start)
}

// IsSyntheticTemp reports whether a local-variable name was synthesized by
// NormalizeLocalTable for an undeclared compiler temporary.
func IsSyntheticTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// NormalizeLocalTable rebuilds the declared local-variable table into a
// verifier-coherent working table. Parameters missing from the table get
// $hidden$<slot> entries spanning the whole body; slot gaps between
// declared locals, and slots past the last declared local up to the
// recomputed max-locals, get temporaries reconstructed from the frame
// history. Must run once per session before parameters or locals are
// inserted.
func (s *Session) NormalizeLocalTable(c *classfile.Code, il Instrs) error {
	if !s.hasCode {
		s.firstLocalIndex = 0
		return nil
	}
	declared, err := c.LocalVars(s.pool())
	if err != nil {
		return fmt.Errorf("%s: local table: %w", s.Identity(), err)
	}
	codeEnd := il.CodeLen()

	// Compilers occasionally overstate max-locals; rebuild it from the
	// slots the code actually touches.
	maxLocals := il.MaxSlotUse()
	if maxLocals < s.paramSlots {
		maxLocals = s.paramSlots
	}

	params, _, err := classfile.ParseMethodDescriptor(s.desc)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Identity(), err)
	}

	out := make([]classfile.LocalVar, 0, len(declared)+4)
	slot := 0
	if !s.static {
		out = append(out, pickDeclared(declared, 0, "this", "L"+s.class+";", codeEnd))
		slot = 1
	}
	for i, p := range params {
		lv := pickDeclared(declared, slot, fmt.Sprintf("$hidden$%d", slot), p, codeEnd)
		if lv.Name == fmt.Sprintf("$hidden$%d", slot) {
			log.Debugf("%s: parameter %d has no declared entry, named %s", s.Identity(), i, lv.Name)
		}
		out = append(out, lv)
		slot += vtype.DescWidth(p)
	}
	s.firstLocalIndex = len(out)

	// True locals, with frame-reconstructed temporaries filling the gaps.
	offset := slot
	trueLocals := make([]classfile.LocalVar, 0, len(declared))
	for _, lv := range declared {
		if lv.Slot >= s.paramSlots {
			trueLocals = append(trueLocals, lv)
		}
	}
	for i := 0; i < len(trueLocals); {
		lv := trueLocals[i]
		if lv.Slot > offset {
			vars, next, err := s.ReconstructImplicitLocals(offset, codeEnd)
			if err != nil {
				return err
			}
			out = append(out, vars...)
			offset = next
			continue
		}
		out = append(out, lv)
		offset = lv.Slot + vtype.DescWidth(lv.Desc)
		i++
	}
	for offset < maxLocals {
		vars, next, err := s.ReconstructImplicitLocals(offset, codeEnd)
		if err != nil {
			return err
		}
		out = append(out, vars...)
		offset = next
	}

	s.locals = out
	s.codeLen = codeEnd
	s.RecomputeMaxLocals()
	return nil
}

// pickDeclared returns the declared entry for a receiver/parameter slot,
// widened to span the whole body, or a synthesized stand-in.
func pickDeclared(declared []classfile.LocalVar, slot int, name, desc string, codeEnd int) classfile.LocalVar {
	for _, lv := range declared {
		if lv.Slot == slot {
			return classfile.LocalVar{Slot: slot, Name: lv.Name, Desc: lv.Desc, Start: 0, End: codeEnd}
		}
	}
	return classfile.LocalVar{Slot: slot, Name: name, Desc: desc, Start: 0, End: codeEnd}
}

// ReconstructImplicitLocals synthesizes entries for the compiler
// temporaries occupying the given slot: it replays the frame history to
// find each frame where the slot gains a type (the temporary comes live)
// and the first later frame where the slot is truncated or replaced (it
// dies). Two disjoint temporaries in one slot yield two entries. A slot
// the frames never type is the second half of a wide value and yields
// nothing. It returns the entries plus the next slot to examine: the given
// slot advanced by the narrowest temporary found.
func (s *Session) ReconstructImplicitLocals(slot, codeEnd int) ([]classfile.LocalVar, int, error) {
	var out []classfile.LocalVar
	const noWidth = 3 // widths are 1 or 2
	minWidth := noWidth

	live := false
	liveStart := 0
	var liveType vtype.Type

	active := cloneTypes(s.initialLocals)
	height := 0
	for _, t := range active {
		height += t.Width()
	}
	byteOff := -1

	for i := range s.entries {
		e := &s.entries[i]
		byteOff += e.delta + 1
		switch e.kind {
		case KindAppend:
			active = append(active, e.locals...)
			for _, t := range e.locals {
				height += t.Width()
			}
		case KindChop:
			for k := 0; k < e.chop; k++ {
				if len(active) == 0 {
					return nil, 0, fmt.Errorf("%s: %w: chop below empty locals in frame %d", s.Identity(), ErrBadTable, i)
				}
				height -= active[len(active)-1].Width()
				active = active[:len(active)-1]
			}
		case KindFull:
			active = cloneTypes(e.locals)
			height = 0
			for _, t := range active {
				height += t.Width()
			}
		}

		if !live {
			// Did this frame bring the slot live?
			if slot < height {
				run := 0
				for _, t := range active {
					if run == slot {
						liveType = t
						live = true
						liveStart = byteOff
						break
					}
					run += t.Width()
				}
				// No slot boundary matched: second half of a wide value.
			}
		} else if slot >= height {
			// The slot died at this frame.
			lv, err := s.emitTemp(slot, liveStart, byteOff, liveType)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, lv)
			if w := liveType.Width(); w < minWidth {
				minWidth = w
			}
			live = false
		}
	}

	switch {
	case live:
		// Still live past the last frame: extend to the method's end.
		lv, err := s.emitTemp(slot, liveStart, codeEnd, liveType)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, lv)
		if w := liveType.Width(); w < minWidth {
			minWidth = w
		}
	case minWidth == noWidth:
		// No frame ever bounded this slot: the live range falls between
		// frames or after the last one. Heuristic kept for compatibility
		// with long-standing tooling: assume an Object temporary starting
		// right after the last frame (or 0 when there are no frames).
		// Deliberately not extended to scan the bytecode.
		start := byteOff
		if start < 0 {
			start = 0
		}
		lv := classfile.LocalVar{
			Slot:  slot,
			Name:  tempName(slot, start),
			Desc:  "Ljava/lang/Object;",
			Start: start,
			End:   codeEnd,
		}
		log.Warningf("%s: slot %d unbounded by frames, guessing Object from %d", s.Identity(), slot, start)
		out = append(out, lv)
		minWidth = 1
	}
	return out, slot + minWidth, nil
}

func (s *Session) emitTemp(slot, start, end int, t vtype.Type) (classfile.LocalVar, error) {
	desc, err := vtype.ToDescriptor(t, s.pool())
	if err != nil {
		return classfile.LocalVar{}, fmt.Errorf("%s: slot %d: %w", s.Identity(), slot, err)
	}
	lv := classfile.LocalVar{Slot: slot, Name: tempName(slot, start), Desc: desc, Start: start, End: end}
	log.Debugf("%s: synthesized %s %s [%d,%d)", s.Identity(), lv.Name, desc, start, end)
	return lv, nil
}

// InsertParameter adds a parameter after the last current parameter and
// before the first true local: the method descriptor is rewritten, the
// working tables grow, and every slot reference at or above the insertion
// slot shifts by the parameter's width in instruction operands and in
// Full frames. On a code-less method only the signature changes.
// NormalizeLocalTable must have run first.
func (s *Session) InsertParameter(il Instrs, name, desc string) (classfile.LocalVar, error) {
	width := vtype.DescWidth(desc)
	vt, err := vtype.FromDescriptor(desc, s.pool())
	if err != nil {
		return classfile.LocalVar{}, fmt.Errorf("%s: %w", s.Identity(), err)
	}

	params, ret, err := classfile.ParseMethodDescriptor(s.desc)
	if err != nil {
		return classfile.LocalVar{}, fmt.Errorf("%s: %w", s.Identity(), err)
	}
	newDesc := "(" + strings.Join(params, "") + desc + ")" + ret
	descIdx, err := s.pool().AddUtf8(newDesc)
	if err != nil {
		return classfile.LocalVar{}, fmt.Errorf("%s: %w", s.Identity(), err)
	}
	s.member.DescIndex = descIdx
	s.desc = newDesc

	slot := s.paramSlots
	lv := classfile.LocalVar{Slot: slot, Name: name, Desc: desc, Start: 0, End: s.codeLen}
	if !s.hasCode {
		s.initialLocalsCount++
		s.initialLocals = append(s.initialLocals, vt)
		s.paramSlots += width
		return lv, nil
	}

	prior := append([]classfile.LocalVar(nil), s.locals...)
	s.locals = append(s.locals, classfile.LocalVar{})
	copy(s.locals[s.firstLocalIndex+1:], s.locals[s.firstLocalIndex:])
	s.locals[s.firstLocalIndex] = lv
	for i := s.firstLocalIndex + 1; i < len(s.locals); i++ {
		s.locals[i].Slot += width
	}
	s.firstLocalIndex++
	s.initialLocalsCount++
	s.initialLocals = append(s.initialLocals, vt)
	s.paramSlots += width
	s.maxLocals += width

	log.Debugf("%s: added parameter %s %s at slot %d", s.Identity(), name, desc, slot)
	if err := s.PropagateSlotShift(il, slot, width); err != nil {
		return lv, err
	}
	s.updateFullFrames(slot, vt, prior)
	return lv, nil
}

// InsertMethodScopeLocal adds a local live for the whole method. The slot
// is chosen by scanning the working table past the parameters: prefer the
// slot of the first run of synthesized temporaries preceding a local whose
// range starts past byte 0, else the slot of that local itself, else
// append after the last local. Slot references shift as for
// InsertParameter. NormalizeLocalTable must have run first.
func (s *Session) InsertMethodScopeLocal(il Instrs, name, desc string) (classfile.LocalVar, error) {
	if !s.hasCode {
		return classfile.LocalVar{}, fmt.Errorf("%s: %w", s.Identity(), ErrNoCode)
	}
	width := vtype.DescWidth(desc)
	vt, err := vtype.FromDescriptor(desc, s.pool())
	if err != nil {
		return classfile.LocalVar{}, fmt.Errorf("%s: %w", s.Identity(), err)
	}

	maxOffset := 0
	newSlot, newIndex := -1, -1
	tempIdx := -1
	for i, lv := range s.locals {
		if i >= s.firstLocalIndex && lv.Start != 0 && newSlot == -1 {
			if tempIdx != -1 {
				newSlot, newIndex = s.locals[tempIdx].Slot, tempIdx
			} else {
				newSlot, newIndex = lv.Slot, i
			}
		}
		maxOffset = lv.Slot + vtype.DescWidth(lv.Desc)
		if IsSyntheticTemp(lv.Name) {
			if tempIdx == -1 {
				tempIdx = i
			}
		} else {
			tempIdx = -1
		}
	}
	// A trailing run of temporaries also makes a good insertion point: the
	// frames already account for everything before it.
	if newSlot == -1 && tempIdx != -1 {
		newSlot, newIndex = s.locals[tempIdx].Slot, tempIdx
	}

	prior := append([]classfile.LocalVar(nil), s.locals...)
	var lv classfile.LocalVar
	if newSlot == -1 {
		// Append past every known local. Unnamed slots may still live up
		// at max-locals; grow it only as far as needed.
		newSlot = maxOffset
		lv = classfile.LocalVar{Slot: newSlot, Name: name, Desc: desc, Start: 0, End: s.codeLen}
		s.locals = append(s.locals, lv)
		if newSlot < s.maxLocals {
			s.maxLocals += width
		} else {
			s.maxLocals = newSlot + width
		}
	} else {
		lv = classfile.LocalVar{Slot: newSlot, Name: name, Desc: desc, Start: 0, End: s.codeLen}
		s.locals = append(s.locals, classfile.LocalVar{})
		copy(s.locals[newIndex+1:], s.locals[newIndex:])
		s.locals[newIndex] = lv
		for i := newIndex + 1; i < len(s.locals); i++ {
			s.locals[i].Slot += width
		}
		s.maxLocals += width
	}

	log.Debugf("%s: added local %s %s at slot %d", s.Identity(), name, desc, newSlot)
	if err := s.PropagateSlotShift(il, newSlot, width); err != nil {
		return lv, err
	}
	s.updateFullFrames(newSlot, vt, prior)
	return lv, nil
}

// PropagateSlotShift bumps every instruction slot reference at or above
// firstSlot by widthDelta. Implicit and short encodings may grow to
// explicit or wide forms; the resulting byte-length changes feed back into
// the frame table until settled.
func (s *Session) PropagateSlotShift(il Instrs, firstSlot, widthDelta int) error {
	if !s.hasCode {
		return fmt.Errorf("%s: %w", s.Identity(), ErrNoCode)
	}
	edits, err := il.ShiftSlotRefs(firstSlot, widthDelta)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Identity(), err)
	}
	return s.TrackEdits(il, edits)
}

// updateFullFrames splices the new local's type into every Full frame's
// local list at the position matching the insertion slot. Other shapes
// express only deltas against already-consistent state and need no change.
// prior is the working local table as it stood before the insertion.
func (s *Session) updateFullFrames(slot int, vt vtype.Type, prior []classfile.LocalVar) {
	for i := range s.entries {
		e := &s.entries[i]
		if e.kind != KindFull {
			continue
		}
		idx := 0
		for idx < len(e.locals) {
			if idx >= len(prior) {
				// Hidden temporaries beyond the table; insert before them.
				break
			}
			if prior[idx].Slot >= slot {
				break
			}
			idx++
		}
		nl := make([]vtype.Type, 0, len(e.locals)+1)
		nl = append(nl, e.locals[:idx]...)
		nl = append(nl, vt)
		nl = append(nl, e.locals[idx:]...)
		e.locals = nl
	}
}

// RecomputeMaxLocals returns the local-slot bound implied by the working
// local table, floored at the parameter size, and records it for Finish.
func (s *Session) RecomputeMaxLocals() int {
	m := s.paramSlots
	for _, lv := range s.locals {
		if n := lv.Slot + vtype.DescWidth(lv.Desc); n > m {
			m = n
		}
	}
	s.maxLocals = m
	return m
}
