package frame

import (
	"fmt"

	"classpatch/internal/code"
)

// OnBytesInserted records that delta bytes appeared at (or vanished after)
// position. The first frame whose absolute offset exceeds position absorbs
// the delta into its stored row; every later frame shifts with it because
// its own delta is relative to this one. Frames at or before the position
// are untouched. A position past the last frame needs no fixup.
func (s *Session) OnBytesInserted(position, delta int) {
	running := -1
	for i := range s.entries {
		running += s.entries[i].delta + 1
		if running > position {
			s.entries[i].delta += delta
			return
		}
	}
}

// FindFrameAtOrBefore returns the index and absolute offset of the last
// frame at or before the given offset, plus the number of active locals in
// effect there, derived by replaying Append/Chop/Full semantics from
// method entry. ok is false when every frame lies after the offset; active
// then reports the method-entry local count.
func (s *Session) FindFrameAtOrBefore(offset int) (idx, active, frameOff int, ok bool) {
	active = s.initialLocalsCount
	running := -1
	idx, frameOff = -1, -1
	for i := range s.entries {
		next := running + s.entries[i].delta + 1
		if next > offset {
			break
		}
		running = next
		active = s.applyLocalDelta(active, i)
		idx, frameOff = i, running
	}
	if idx < 0 {
		return -1, s.initialLocalsCount, -1, false
	}
	return idx, active, frameOff, true
}

// FindFrameAfter returns the index and absolute offset of the first frame
// strictly after the given offset, or ok=false when there is none.
func (s *Session) FindFrameAfter(offset int) (idx, frameOff int, ok bool) {
	running := -1
	for i := range s.entries {
		running += s.entries[i].delta + 1
		if running > offset {
			return i, running, true
		}
	}
	return -1, 0, false
}

// applyLocalDelta folds one frame's effect into the active-local count.
func (s *Session) applyLocalDelta(active, i int) int {
	switch e := &s.entries[i]; e.kind {
	case KindAppend:
		return active + len(e.locals)
	case KindChop:
		return active - e.chop
	case KindFull:
		return len(e.locals)
	}
	return active
}

// FixSwitchPadding repairs frame offsets after edits changed the padding
// of switch instructions. For each switch, the first frame after it is
// expected to sit at the instruction's end; any difference is pushed into
// that frame's delta, which shifts all later frames along.
func (s *Session) FixSwitchPadding(il Instrs) error {
	if len(s.entries) == 0 {
		return nil
	}
	for _, site := range il.SwitchSites() {
		idx, frameOff, ok := s.FindFrameAfter(site.Pos)
		if !ok {
			return fmt.Errorf("%s: %w: switch at %d", s.Identity(), ErrOffsetNotFound, site.Pos)
		}
		if delta := site.End - frameOff; delta != 0 {
			s.entries[idx].delta += delta
		}
	}
	return nil
}

// TrackEdits applies a batch of byte-length changes reported by the
// instruction stream: each edit shifts the frame table and the live ranges
// of the working local table; then switch padding and allocation
// references are reconciled. Call after every editing operation on the
// stream.
func (s *Session) TrackEdits(il Instrs, edits []code.Edit) error {
	for _, e := range edits {
		s.OnBytesInserted(e.Pos, e.Delta)
		s.shiftLocalRanges(e.Pos, e.Delta)
	}
	s.codeLen = il.CodeLen()
	if err := s.FixSwitchPadding(il); err != nil {
		return err
	}
	return s.Reconcile(il)
}

// shiftLocalRanges moves working local-table live ranges by the uniform
// rule: any bound strictly after the edit position shifts.
func (s *Session) shiftLocalRanges(pos, delta int) {
	for i := range s.locals {
		if s.locals[i].Start > pos {
			s.locals[i].Start += delta
		}
		if s.locals[i].End > pos {
			s.locals[i].End += delta
		}
	}
}
