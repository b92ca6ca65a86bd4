package frame

import (
	"encoding/binary"
	"testing"

	"classpatch/internal/code"
	"classpatch/internal/vtype"
)

func TestInsertShiftsFollowingFrames(t *testing.T) {
	s, _, _ := loadWithTable(t, accStatic, "()V", make([]byte, 40), nil)
	s.entries = []entry{
		{kind: KindSame, delta: 20},
		{kind: KindSame, delta: 9},
	}

	s.OnBytesInserted(10, 3)

	frames := s.Frames()
	if frames[0].Offset != 23 {
		t.Errorf("frame 0 offset = %d, want 23", frames[0].Offset)
	}
	if frames[1].Offset != 33 {
		t.Errorf("frame 1 offset = %d, want 33", frames[1].Offset)
	}
	if s.entries[1].delta != 9 {
		t.Errorf("frame 1 delta = %d, want 9 (only one row absorbs the shift)", s.entries[1].delta)
	}
}

func TestInsertBetweenFramesKeepsEarlierOnes(t *testing.T) {
	s, _, _ := loadWithTable(t, accStatic, "()V", make([]byte, 40), nil)
	s.entries = []entry{
		{kind: KindSame, delta: 20},
		{kind: KindSame, delta: 9},
	}

	s.OnBytesInserted(25, 2)

	frames := s.Frames()
	if frames[0].Offset != 20 {
		t.Errorf("frame 0 offset = %d, want 20", frames[0].Offset)
	}
	if frames[1].Offset != 32 {
		t.Errorf("frame 1 offset = %d, want 32", frames[1].Offset)
	}
}

func TestInsertPastLastFrameChangesNothing(t *testing.T) {
	s, _, _ := loadWithTable(t, accStatic, "()V", make([]byte, 120), nil)
	s.entries = []entry{{kind: KindSame, delta: 20}}

	s.OnBytesInserted(100, 3)

	if off := s.Frames()[0].Offset; off != 20 {
		t.Errorf("frame 0 offset = %d, want 20", off)
	}
}

func TestInsertAtFrameOffsetLeavesFrameInPlace(t *testing.T) {
	// An edit exactly at a frame's offset belongs before it; the frame
	// keeps pointing at the start of the inserted run.
	s, _, _ := loadWithTable(t, accStatic, "()V", make([]byte, 40), nil)
	s.entries = []entry{{kind: KindSame, delta: 20}}

	s.OnBytesInserted(20, 3)

	if off := s.Frames()[0].Offset; off != 20 {
		t.Errorf("frame 0 offset = %d, want 20", off)
	}
}

func TestFindFrameAtOrBefore(t *testing.T) {
	s, _, _ := loadWithTable(t, accStatic, "(I)V", make([]byte, 60), nil)
	intT := vtype.Type{Tag: vtype.TagInteger}
	s.entries = []entry{
		{kind: KindAppend, delta: 10, locals: []vtype.Type{intT}},
		{kind: KindChop, delta: 9, chop: 1},
		{kind: KindSame, delta: 9},
	}

	idx, active, off, ok := s.FindFrameAtOrBefore(25)
	if !ok || idx != 1 || off != 20 {
		t.Fatalf("FindFrameAtOrBefore(25) = (%d, %d, %d, %v), want (1, _, 20, true)", idx, active, off, ok)
	}
	if active != 1 {
		t.Errorf("active locals at frame 1 = %d, want 1 after chop", active)
	}

	idx, active, off, ok = s.FindFrameAtOrBefore(10)
	if !ok || idx != 0 || off != 10 {
		t.Fatalf("FindFrameAtOrBefore(10) = (%d, %d, %d, %v), want (0, _, 10, true)", idx, active, off, ok)
	}
	if active != 2 {
		t.Errorf("active locals at frame 0 = %d, want 2 after append", active)
	}

	if _, active, _, ok = s.FindFrameAtOrBefore(5); ok {
		t.Fatal("FindFrameAtOrBefore(5) found a frame before the first one")
	} else if active != 1 {
		t.Errorf("active locals before any frame = %d, want the method-entry count 1", active)
	}
}

func TestFindFrameAfter(t *testing.T) {
	s, _, _ := loadWithTable(t, accStatic, "()V", make([]byte, 60), nil)
	s.entries = []entry{
		{kind: KindSame, delta: 10},
		{kind: KindSame, delta: 19},
	}

	if idx, off, ok := s.FindFrameAfter(10); !ok || idx != 1 || off != 30 {
		t.Errorf("FindFrameAfter(10) = (%d, %d, %v), want (1, 30, true)", idx, off, ok)
	}
	if idx, off, ok := s.FindFrameAfter(-1); !ok || idx != 0 || off != 10 {
		t.Errorf("FindFrameAfter(-1) = (%d, %d, %v), want (0, 10, true)", idx, off, ok)
	}
	if _, _, ok := s.FindFrameAfter(30); ok {
		t.Error("FindFrameAfter(30) found a frame past the last one")
	}
}

// switchMethod builds iconst_0 at 0, a one-case tableswitch at 1, and
// return at 20, with both switch targets aimed at the return.
func switchMethod(t *testing.T) []byte {
	t.Helper()
	buf := []byte{0x03, code.OpTableswitch, 0, 0} // two pad bytes at offset 2
	rel := func(v int) []byte {
		return binary.BigEndian.AppendUint32(nil, uint32(int32(v)))
	}
	buf = append(buf, rel(19)...) // default: 1+19 = 20
	buf = append(buf, rel(0)...)  // low
	buf = append(buf, rel(0)...)  // high
	buf = append(buf, rel(19)...) // case 0
	buf = append(buf, 0xb1)       // return at 20
	return buf
}

func TestTrackEditsRepairsSwitchPadding(t *testing.T) {
	w := &tw{}
	w.u2(1)
	w.u1(20) // frame at the return, right after the switch
	s, _, _ := loadWithTable(t, accStatic, "()V", switchMethod(t), w.buf)
	il := mustStream(t, switchMethod(t))

	// One inserted byte moves the switch to offset 2, where it needs one
	// pad byte instead of two. The table must track both changes.
	nop, err := code.NewInsn(code.OpNop)
	if err != nil {
		t.Fatalf("NewInsn: %v", err)
	}
	edits, err := il.Insert(0, nop)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.TrackEdits(il, edits); err != nil {
		t.Fatalf("TrackEdits: %v", err)
	}

	wantReturn := il.ReturnSites()[0]
	if got := s.Frames()[0].Offset; got != wantReturn {
		t.Errorf("frame offset = %d, want %d (the return site)", got, wantReturn)
	}
	if got := s.Frames()[0].Offset; got != 20 {
		t.Errorf("frame offset = %d, want 20 (padding absorbed the insert)", got)
	}
}

func TestTrackEditsRepairsGrowingPadding(t *testing.T) {
	w := &tw{}
	w.u2(1)
	w.u1(20)
	s, _, _ := loadWithTable(t, accStatic, "()V", switchMethod(t), w.buf)
	il := mustStream(t, switchMethod(t))

	// Three inserted bytes move the switch to offset 4 with three pad
	// bytes, one more than before.
	var nops []*code.Instruction
	for i := 0; i < 3; i++ {
		nop, err := code.NewInsn(code.OpNop)
		if err != nil {
			t.Fatalf("NewInsn: %v", err)
		}
		nops = append(nops, nop)
	}
	edits, err := il.Insert(0, nops...)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.TrackEdits(il, edits); err != nil {
		t.Fatalf("TrackEdits: %v", err)
	}

	wantReturn := il.ReturnSites()[0]
	if got := s.Frames()[0].Offset; got != wantReturn {
		t.Errorf("frame offset = %d, want %d (the return site)", got, wantReturn)
	}
}

func TestTrackEditsShiftsLocalRanges(t *testing.T) {
	codeBytes := []byte{0x03, 0x3b, 0x1a, 0xac} // iconst_0 istore_0 iload_0 ireturn
	w := &tw{}
	w.u2(1)
	w.u1(251)
	w.u2(2) // append-free frame at offset 2 keeps the table non-trivial
	s, _, c := loadWithTable(t, accStatic, "()I", codeBytes, w.buf)
	il := mustStream(t, codeBytes)
	if err := s.NormalizeLocalTable(c, il); err != nil {
		t.Fatalf("NormalizeLocalTable: %v", err)
	}

	before := s.Locals()
	nop, err := code.NewInsn(code.OpNop)
	if err != nil {
		t.Fatalf("NewInsn: %v", err)
	}
	edits, err := il.Insert(0, nop)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.TrackEdits(il, edits); err != nil {
		t.Fatalf("TrackEdits: %v", err)
	}

	after := s.Locals()
	for i := range before {
		wantStart := before[i].Start
		if wantStart > 0 {
			wantStart++
		}
		if after[i].Start != wantStart || after[i].End != before[i].End+1 {
			t.Errorf("local %d range = [%d,%d), want [%d,%d)",
				i, after[i].Start, after[i].End, wantStart, before[i].End+1)
		}
	}
}

func TestFixSwitchPaddingRequiresFollowingFrame(t *testing.T) {
	w := &tw{}
	w.u2(1)
	w.u1(0) // frame at offset 0, before the switch
	s, _, _ := loadWithTable(t, accStatic, "()V", switchMethod(t), w.buf)
	il := mustStream(t, switchMethod(t))

	if err := s.FixSwitchPadding(il); err == nil {
		t.Fatal("FixSwitchPadding succeeded with no frame after the switch")
	}
}
