package frame

import (
	"fmt"

	"classpatch/internal/vtype"
)

// RebuildIndex maps every Uninitialized entry in the working table to the
// allocation instruction its offset points at. Instruction identities
// survive byte movement, so the index lets Reconcile rewrite the recorded
// offsets after edits. An offset matching no allocation is fatal.
func (s *Session) RebuildIndex(il Instrs) error {
	if !s.hasCode {
		return nil
	}
	s.uninit = make(map[int]int)
	err := s.eachUninit(func(t *vtype.Type) error {
		off := int(t.Offset)
		id, ok := il.AllocAt(off)
		if !ok {
			return fmt.Errorf("%s: offset %d: %w", s.Identity(), off, ErrUntrackedAllocation)
		}
		s.uninit[id] = off
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.uninit) > 0 {
		log.Debugf("%s: tracking %d uninitialized allocations", s.Identity(), len(s.uninit))
	}
	return nil
}

// Reconcile rewrites every tracked Uninitialized offset to its allocation
// instruction's current byte position. Offsets that moved are remapped in
// one pass so a chain of moves cannot cascade.
func (s *Session) Reconcile(il Instrs) error {
	if len(s.uninit) == 0 {
		return nil
	}
	remap := make(map[uint16]uint16)
	for id, old := range s.uninit {
		pos, ok := il.AllocPos(id)
		if !ok {
			return fmt.Errorf("%s: offset %d: %w", s.Identity(), old, ErrUntrackedAllocation)
		}
		if pos != old {
			remap[uint16(old)] = uint16(pos)
			s.uninit[id] = pos
		}
	}
	if len(remap) == 0 {
		return nil
	}
	return s.eachUninit(func(t *vtype.Type) error {
		if nw, ok := remap[t.Offset]; ok {
			t.Offset = nw
		}
		return nil
	})
}

// eachUninit visits every Uninitialized type in the working table, in
// locals then stack, frame order.
func (s *Session) eachUninit(fn func(t *vtype.Type) error) error {
	visit := func(types []vtype.Type) error {
		for i := range types {
			if types[i].Tag == vtype.TagUninitialized {
				if err := fn(&types[i]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for i := range s.entries {
		if err := visit(s.entries[i].locals); err != nil {
			return err
		}
		if err := visit(s.entries[i].stack); err != nil {
			return err
		}
	}
	return nil
}
