package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"classpatch/internal/classfile"
	"classpatch/internal/frame"
	"classpatch/internal/vtype"
)

func TestNewFillsIdentity(t *testing.T) {
	r := New("classpatch.toml", "abc123")
	if r.RunID == "" {
		t.Error("run ID must be set")
	}
	if r.Tool != "classpatch" {
		t.Errorf("tool = %q", r.Tool)
	}
	if r.Plan != "classpatch.toml" || r.PlanHash != "abc123" {
		t.Errorf("plan = %q hash = %q", r.Plan, r.PlanHash)
	}
}

func TestAddClassCountsOutcomes(t *testing.T) {
	r := New("p", "h")
	r.AddClass(Class{
		Path: "demo/A.class",
		Methods: []Method{
			{Method: "a", Outcome: "instrumented"},
			{Method: "b", Outcome: "instrumented"},
			{Method: "c", Outcome: "skipped-verify"},
		},
	})
	got := r.Classes[0].Outcomes
	if got["instrumented"] != 2 || got["skipped-verify"] != 1 {
		t.Errorf("outcomes = %v", got)
	}
}

func TestSaveSortsAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	r := New("p", "h")
	r.AddClass(Class{Path: "z/Z.class", Outcome: "instrumented"})
	r.AddClass(Class{Path: "a/A.class", Outcome: "instrumented", Methods: []Method{
		{Method: "run", Descriptor: "(I)V", Outcome: "instrumented"},
		{Method: "init", Descriptor: "()V", Outcome: "skipped-excluded"},
	}})
	if err := r.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var back Report
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Classes[0].Path != "a/A.class" || back.Classes[1].Path != "z/Z.class" {
		t.Errorf("classes not sorted: %q, %q", back.Classes[0].Path, back.Classes[1].Path)
	}
	if back.Classes[0].Methods[0].Method != "init" {
		t.Errorf("methods not sorted: %q first", back.Classes[0].Methods[0].Method)
	}
}

func TestCaptureFrames(t *testing.T) {
	pool := classfile.NewConstPool()
	idx, err := pool.AddClass("java/lang/String")
	if err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	frames := []frame.Frame{{
		Offset: 8,
		Locals: []vtype.Type{{Tag: vtype.TagInteger}, vtype.Object(idx)},
		Stack:  []vtype.Type{vtype.Uninitialized(5)},
	}}
	snaps := CaptureFrames(frames, pool)
	if len(snaps) != 1 {
		t.Fatalf("snaps = %+v", snaps)
	}
	s := snaps[0]
	if s.Offset != 8 {
		t.Errorf("offset = %d", s.Offset)
	}
	if len(s.Locals) != 2 || s.Locals[1] != "java/lang/String" {
		t.Errorf("locals = %v", s.Locals)
	}
	if len(s.Stack) != 1 || s.Stack[0] != "uninit@5" {
		t.Errorf("stack = %v", s.Stack)
	}
}

func TestSnapshotRoundTripAndDeterminism(t *testing.T) {
	dir := t.TempDir()
	s := &Snapshot{RunID: "run-1"}
	s.Add(MethodFrames{
		Class:      "demo/A",
		Method:     "run",
		Descriptor: "()V",
		Before:     []FrameSnap{{Offset: 4, Locals: []string{"int"}, Stack: []string{}}},
		After:      []FrameSnap{{Offset: 7, Locals: []string{"int"}, Stack: []string{}}},
	})

	p1 := filepath.Join(dir, "one.cbor")
	p2 := filepath.Join(dir, "two.cbor")
	if err := SaveSnapshot(p1, s); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := SaveSnapshot(p2, s); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	b1, err := os.ReadFile(p1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	b2, err := os.ReadFile(p2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("snapshot encoding is not deterministic")
	}

	back, err := LoadSnapshot(p1)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if back.RunID != "run-1" || len(back.Methods) != 1 {
		t.Fatalf("back = %+v", back)
	}
	m := back.Methods[0]
	if m.Class != "demo/A" || m.After[0].Offset != 7 {
		t.Errorf("method = %+v", m)
	}
}
