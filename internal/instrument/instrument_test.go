package instrument

import (
	"testing"

	"classpatch/internal/classfile"
	"classpatch/internal/plan"
	"classpatch/internal/verify"
)

const (
	accPublic = 0x0001
	accStatic = 0x0008
)

// buildClass serializes a one-method class named demo/Target.
func buildClass(t *testing.T, access uint16, desc string, c *classfile.Code) []byte {
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
	return f.Bytes()
}

func onlyCode(t *testing.T, res *ClassResult) *classfile.Code {
	t.Helper()
	c := res.File.Methods[0].CodeAttr()
	if c == nil {
		t.Fatal("method lost its Code attribute")
	}
	return c
}

func TestClassInstrumentsStaticMethod(t *testing.T) {
	data := buildClass(t, accPublic|accStatic, "()V", &classfile.Code{Bytes: []byte{0xb1}})
	res, err := Class(data, plan.DefaultPlan())
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if !res.Changed {
		t.Error("Changed = false after instrumenting")
	}
	if got := res.Methods[0].Outcome; got != OutcomeInstrumented {
		t.Fatalf("outcome = %q, want instrumented", got)
	}

	// Entry probe, exit probe, original return: ldc_w+invokestatic twice.
	c := onlyCode(t, res)
	if len(c.Bytes) != 13 {
		t.Fatalf("code length = %d, want 13: % x", len(c.Bytes), c.Bytes)
	}
	for _, at := range []struct {
		pos int
		op  byte
	}{{0, 0x13}, {3, 0xb8}, {6, 0x13}, {9, 0xb8}, {12, 0xb1}} {
		if c.Bytes[at.pos] != at.op {
			t.Errorf("byte at %d = %#02x, want %#02x", at.pos, c.Bytes[at.pos], at.op)
		}
	}
	if c.MaxStack != 1 {
		t.Errorf("max stack = %d, want 1 for the identity string", c.MaxStack)
	}

	// The rewritten method must still pass the structural check.
	if _, err := verify.CheckMethod(res.File, &res.File.Methods[0]); err != nil {
		t.Errorf("instrumented method fails verification: %v", err)
	}
}

func TestClassShiftsFramesAndBranches(t *testing.T) {
	// iconst_0; ifeq +4 (to the second return); return; return, with a
	// same-frame at the branch target.
	data := func() []byte {
		cd := &classfile.Code{Bytes: []byte{0x03, 0x99, 0x00, 0x04, 0xb1, 0xb1}, MaxStack: 1}
		p := classfile.NewConstPool()
		f := &classfile.File{Major: 52, Pool: p, Access: accPublic}
		var err error
		if f.ThisClass, err = p.AddClass("demo/Target"); err != nil {
			t.Fatalf("AddClass: %v", err)
		}
		if f.SuperClass, err = p.AddClass("java/lang/Object"); err != nil {
			t.Fatalf("AddClass: %v", err)
		}
		nameIdx, _ := p.AddUtf8("run")
		descIdx, _ := p.AddUtf8("()V")
		codeName, _ := p.AddUtf8("Code")
		if err := cd.SetStackMap(p, []byte{0x00, 0x01, 0x05}); err != nil {
			t.Fatalf("SetStackMap: %v", err)
		}
		f.Methods = []classfile.Member{{
			Access:    accPublic | accStatic,
			NameIndex: nameIdx,
			DescIndex: descIdx,
			Attrs:     []classfile.Attribute{{NameIndex: codeName, Code: cd}},
		}}
		return f.Bytes()
	}()

	res, err := Class(data, plan.DefaultPlan())
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	mr := res.Methods[0]
	if mr.Outcome != OutcomeInstrumented {
		t.Fatalf("outcome = %q (warnings %v)", mr.Outcome, mr.Warnings)
	}
	if mr.FramesBefore != 1 || mr.FramesAfter != 1 {
		t.Errorf("frame counts = %d/%d, want 1/1", mr.FramesBefore, mr.FramesAfter)
	}

	cc := onlyCode(t, res)
	if len(cc.Bytes) != 24 {
		t.Fatalf("code length = %d, want 24: % x", len(cc.Bytes), cc.Bytes)
	}
	if cc.Bytes[16] != 0xb1 || cc.Bytes[23] != 0xb1 {
		t.Errorf("returns not at 16 and 23: % x", cc.Bytes)
	}
	// ifeq sits at 7 and must now reach the exit probe at 17.
	if cc.Bytes[7] != 0x99 {
		t.Fatalf("ifeq not at 7: % x", cc.Bytes)
	}
	if rel := int(cc.Bytes[8])<<8 | int(cc.Bytes[9]); rel != 10 {
		t.Errorf("ifeq offset = %d, want 10", rel)
	}
	// The frame lands on the probe ahead of the branch-target return.
	if mr.AfterFrames[0].Offset != 17 {
		t.Errorf("frame offset = %d, want 17", mr.AfterFrames[0].Offset)
	}

	if _, err := verify.CheckMethod(res.File, &res.File.Methods[0]); err != nil {
		t.Errorf("instrumented method fails verification: %v", err)
	}
}

func TestClassShiftsHandlersAndLines(t *testing.T) {
	cd := &classfile.Code{
		Bytes:    []byte{0x00, 0xb1},
		MaxStack: 1,
		Handlers: []classfile.Handler{{Start: 0, End: 1, HandlerPC: 1}},
	}
	p := classfile.NewConstPool()
	f := &classfile.File{Major: 52, Pool: p, Access: accPublic}
	var err error
	if f.ThisClass, err = p.AddClass("demo/Target"); err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	if f.SuperClass, err = p.AddClass("java/lang/Object"); err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	nameIdx, _ := p.AddUtf8("run")
	descIdx, _ := p.AddUtf8("()V")
	codeName, _ := p.AddUtf8("Code")
	if err := cd.SetLineNumbers(p, []classfile.LineNumber{{PC: 0, Line: 10}, {PC: 1, Line: 11}}); err != nil {
		t.Fatalf("SetLineNumbers: %v", err)
	}
	f.Methods = []classfile.Member{{
		Access:    accPublic | accStatic,
		NameIndex: nameIdx,
		DescIndex: descIdx,
		Attrs:     []classfile.Attribute{{NameIndex: codeName, Code: cd}},
	}}

	res, err := Class(f.Bytes(), plan.DefaultPlan())
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if res.Methods[0].Outcome != OutcomeInstrumented {
		t.Fatalf("outcome = %q (warnings %v)", res.Methods[0].Outcome, res.Methods[0].Warnings)
	}
	cc := onlyCode(t, res)

	h := cc.Handlers[0]
	if h.Start != 0 || h.End != 7 || h.HandlerPC != 7 {
		t.Errorf("handler = %+v, want {0 7 7 0}", h)
	}
	lines, err := cc.LineNumbers(res.File.Pool)
	if err != nil {
		t.Fatalf("LineNumbers: %v", err)
	}
	if len(lines) != 2 || lines[0].PC != 0 || lines[1].PC != 7 {
		t.Errorf("lines = %+v", lines)
	}
}

func TestClassInsertsPlanLocals(t *testing.T) {
	data := buildClass(t, accPublic|accStatic, "()V", &classfile.Code{Bytes: []byte{0xb1}})
	p := plan.DefaultPlan()
	p.Locals.Declare = []plan.Local{{Name: "mark", Descriptor: "I"}}

	res, err := Class(data, p)
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if res.Methods[0].Outcome != OutcomeInstrumented {
		t.Fatalf("outcome = %q (warnings %v)", res.Methods[0].Outcome, res.Methods[0].Warnings)
	}
	cc := onlyCode(t, res)
	if cc.MaxLocals != 1 {
		t.Errorf("max locals = %d, want 1", cc.MaxLocals)
	}
	vars, err := cc.LocalVars(res.File.Pool)
	if err != nil {
		t.Fatalf("LocalVars: %v", err)
	}
	found := false
	for _, v := range vars {
		if v.Name == "mark" && v.Desc == "I" {
			found = true
		}
	}
	if !found {
		t.Errorf("mark not in local table: %+v", vars)
	}
}

func TestClassAppendsPlanParameter(t *testing.T) {
	data := buildClass(t, accPublic|accStatic, "(I)V", &classfile.Code{Bytes: []byte{0xb1}, MaxLocals: 1})
	p := plan.DefaultPlan()
	p.Locals.Parameter = &plan.Local{Name: "traceCtx", Descriptor: "Ljava/lang/Object;"}

	res, err := Class(data, p)
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if res.Methods[0].Outcome != OutcomeInstrumented {
		t.Fatalf("outcome = %q (warnings %v)", res.Methods[0].Outcome, res.Methods[0].Warnings)
	}
	_, desc, err := res.File.MemberName(&res.File.Methods[0])
	if err != nil {
		t.Fatalf("MemberName: %v", err)
	}
	if desc != "(ILjava/lang/Object;)V" {
		t.Errorf("descriptor = %q, want (ILjava/lang/Object;)V", desc)
	}
}

func TestClassExcludedByPlan(t *testing.T) {
	data := buildClass(t, accPublic|accStatic, "()V", &classfile.Code{Bytes: []byte{0xb1}})
	p := plan.DefaultPlan()
	p.Select.Exclude = []string{"demo/*"}

	res, err := Class(data, p)
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if res.Changed {
		t.Error("excluded class reported as changed")
	}
	if got := res.Methods[0].Outcome; got != OutcomeSkippedExcluded {
		t.Errorf("outcome = %q, want skipped-excluded", got)
	}
}

func TestClassSkipsAbstractMethod(t *testing.T) {
	data := buildClass(t, accPublic|0x0400, "()V", nil)
	res, err := Class(data, plan.DefaultPlan())
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if got := res.Methods[0].Outcome; got != OutcomeSkippedNoCode {
		t.Errorf("outcome = %q, want skipped-no-code", got)
	}
}

func TestClassSkipsUnverifiableMethod(t *testing.T) {
	// pop on an empty stack fails the structural check.
	data := buildClass(t, accPublic|accStatic, "()V", &classfile.Code{Bytes: []byte{0x57, 0xb1}, MaxStack: 1})
	res, err := Class(data, plan.DefaultPlan())
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	mr := res.Methods[0]
	if mr.Outcome != OutcomeSkippedVerify {
		t.Errorf("outcome = %q, want skipped-verify", mr.Outcome)
	}
	if len(mr.Warnings) == 0 {
		t.Error("skipped-verify must carry the verifier's message")
	}
	cc := onlyCode(t, res)
	if len(cc.Bytes) != 2 {
		t.Errorf("unverifiable method was modified: % x", cc.Bytes)
	}
}

func TestProbeWithoutArgument(t *testing.T) {
	data := buildClass(t, accPublic|accStatic, "()V", &classfile.Code{Bytes: []byte{0xb1}})
	p := plan.DefaultPlan()
	p.Probe.EntryDescriptor = "()V"
	p.Probe.ExitDescriptor = "()V"

	res, err := Class(data, p)
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	cc := onlyCode(t, res)
	// invokestatic twice plus the return, no ldc_w.
	if len(cc.Bytes) != 7 {
		t.Fatalf("code length = %d, want 7: % x", len(cc.Bytes), cc.Bytes)
	}
	if cc.Bytes[0] != 0xb8 || cc.Bytes[3] != 0xb8 || cc.Bytes[6] != 0xb1 {
		t.Errorf("layout: % x", cc.Bytes)
	}
	if cc.MaxStack != 0 {
		t.Errorf("max stack = %d, want 0 for argument-less probes", cc.MaxStack)
	}
}
