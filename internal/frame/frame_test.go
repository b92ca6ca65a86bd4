package frame

import (
	"testing"

	"classpatch/internal/classfile"
	"classpatch/internal/code"
	"classpatch/internal/vtype"
)

func mustStream(t *testing.T, codeBytes []byte) *code.Stream {
	t.Helper()
	il, err := code.Decode(codeBytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return il
}

const (
	accPublic = 0x0001
	accStatic = 0x0008
)

// testMethod builds a minimal class around one method named run. A nil
// Code yields an abstract-style method.
func testMethod(t *testing.T, access uint16, desc string, c *classfile.Code) (*classfile.File, *classfile.Member) {
	t.Helper()
	pool := classfile.NewConstPool()
	f := &classfile.File{Major: 52, Pool: pool, Access: accPublic}
	var err error
	if f.ThisClass, err = pool.AddClass("demo/Target"); err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	if f.SuperClass, err = pool.AddClass("java/lang/Object"); err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	nameIdx, err := pool.AddUtf8("run")
	if err != nil {
		t.Fatalf("AddUtf8: %v", err)
	}
	descIdx, err := pool.AddUtf8(desc)
	if err != nil {
		t.Fatalf("AddUtf8: %v", err)
	}
	m := classfile.Member{Access: access, NameIndex: nameIdx, DescIndex: descIdx}
	if c != nil {
		codeName, err := pool.AddUtf8("Code")
		if err != nil {
			t.Fatalf("AddUtf8: %v", err)
		}
		m.Attrs = []classfile.Attribute{{NameIndex: codeName, Code: c}}
	}
	f.Methods = append(f.Methods, m)
	return f, &f.Methods[0]
}

// loadWithTable builds a session for a method whose Code attribute carries
// the given raw frame table.
func loadWithTable(t *testing.T, access uint16, desc string, codeBytes, table []byte) (*Session, *classfile.File, *classfile.Code) {
	t.Helper()
	c := &classfile.Code{MaxStack: 4, MaxLocals: 8, Bytes: codeBytes}
	f, m := testMethod(t, access, desc, c)
	if table != nil {
		if err := c.SetStackMap(f.Pool, table); err != nil {
			t.Fatalf("SetStackMap: %v", err)
		}
	}
	s, err := Load(f, m)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, f, c
}

func TestLoadBuildsEntryLocals(t *testing.T) {
	c := &classfile.Code{Bytes: []byte{0xb1}}
	f, m := testMethod(t, accPublic, "(IJLjava/lang/String;)V", c)
	s, err := Load(f, m)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	strIdx, err := f.Pool.AddClass("java/lang/String")
	if err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	want := []vtype.Type{
		vtype.Object(f.ThisClass),
		{Tag: vtype.TagInteger},
		{Tag: vtype.TagLong},
		vtype.Object(strIdx),
	}
	if !typesEqual(s.initialLocals, want) {
		t.Fatalf("initial locals = %v, want %v", s.initialLocals, want)
	}
	if s.paramSlots != 5 {
		t.Errorf("paramSlots = %d, want 5", s.paramSlots)
	}
	if s.firstLocalIndex != 4 {
		t.Errorf("firstLocalIndex = %d, want 4", s.firstLocalIndex)
	}
}

func TestLoadDetachesTable(t *testing.T) {
	w := &tw{}
	w.u2(1)
	w.u1(20) // same frame at offset 20
	s, _, c := loadWithTable(t, accStatic, "()V", make([]byte, 30), w.buf)
	if s.FrameCount() != 1 {
		t.Fatalf("FrameCount = %d, want 1", s.FrameCount())
	}
	if _, ok := c.StackMap(s.pool()); ok {
		t.Error("table still attached after Load")
	}
	if !s.NeedFrames() {
		t.Error("NeedFrames = false for a method that had a table")
	}
}

func TestNeedFramesByVersion(t *testing.T) {
	c := &classfile.Code{Bytes: []byte{0xb1}}
	f, m := testMethod(t, accStatic, "()V", c)
	f.Major = classfile.MajorJava6
	s, err := Load(f, m)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.NeedFrames() {
		t.Error("NeedFrames = true for version 50 without a table")
	}

	f.Major = classfile.MajorJava6 + 1
	s, err = Load(f, m)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.NeedFrames() {
		t.Error("NeedFrames = false for version 51")
	}
}

func TestFramesReplaysShapes(t *testing.T) {
	s, f, _ := loadWithTable(t, accStatic, "(I)V", make([]byte, 60), nil)
	longT := vtype.Type{Tag: vtype.TagLong}
	objIdx, err := f.Pool.AddClass("java/lang/String")
	if err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	s.entries = []entry{
		{kind: KindAppend, delta: 10, locals: []vtype.Type{longT}},
		{kind: KindSame1, delta: 4, stack: []vtype.Type{vtype.Object(objIdx)}},
		{kind: KindChop, delta: 6, chop: 1},
		{kind: KindFull, delta: 8, locals: []vtype.Type{{Tag: vtype.TagInteger}}, stack: []vtype.Type{{Tag: vtype.TagInteger}, {Tag: vtype.TagFloat}}},
	}

	frames := s.Frames()
	wantOffsets := []int{10, 15, 22, 31}
	for i, fr := range frames {
		if fr.Offset != wantOffsets[i] {
			t.Errorf("frame %d offset = %d, want %d", i, fr.Offset, wantOffsets[i])
		}
	}
	if want := []vtype.Type{{Tag: vtype.TagInteger}, longT}; !typesEqual(frames[0].Locals, want) {
		t.Errorf("frame 0 locals = %v, want %v", frames[0].Locals, want)
	}
	if !typesEqual(frames[1].Locals, frames[0].Locals) {
		t.Errorf("frame 1 locals = %v, want same as frame 0", frames[1].Locals)
	}
	if want := []vtype.Type{vtype.Object(objIdx)}; !typesEqual(frames[1].Stack, want) {
		t.Errorf("frame 1 stack = %v, want %v", frames[1].Stack, want)
	}
	if want := []vtype.Type{{Tag: vtype.TagInteger}}; !typesEqual(frames[2].Locals, want) {
		t.Errorf("frame 2 locals = %v, want %v", frames[2].Locals, want)
	}
	if len(frames[3].Stack) != 2 {
		t.Errorf("frame 3 stack size = %d, want 2", len(frames[3].Stack))
	}

	// The result is a copy; session state must not alias it.
	frames[0].Locals[0] = vtype.Type{Tag: vtype.TagFloat}
	if s.Frames()[0].Locals[0].Tag != vtype.TagInteger {
		t.Error("mutating a resolved frame leaked into the session")
	}
}
