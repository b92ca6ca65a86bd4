// Package instrument applies a plan to parsed classes: entry and exit
// probes, extra locals, and an optional trailing parameter, with the frame
// table, local-variable table, exception ranges, and line numbers kept
// consistent through every edit.
package instrument

import (
	"fmt"

	"github.com/tliron/commonlog"

	"classpatch/internal/classfile"
	"classpatch/internal/code"
	"classpatch/internal/frame"
	"classpatch/internal/plan"
	"classpatch/internal/verify"
)

var log = commonlog.GetLogger("classpatch.instrument")

// Per-method outcomes recorded in the report.
const (
	OutcomeInstrumented    = "instrumented"
	OutcomeSkippedVerify   = "skipped-verify"
	OutcomeSkippedNoCode   = "skipped-no-code"
	OutcomeSkippedExcluded = "skipped-excluded"
	OutcomeFailed          = "failed"
)

// MethodResult describes what happened to one method. BeforeFrames and
// AfterFrames are populated only for instrumented methods.
type MethodResult struct {
	Name         string
	Descriptor   string
	Outcome      string
	FramesBefore int
	FramesAfter  int
	Warnings     []string
	BeforeFrames []frame.Frame
	AfterFrames  []frame.Frame
}

// ClassResult is the outcome for one class. File is the parsed (and
// possibly modified) class; Changed reports whether any method was
// instrumented.
type ClassResult struct {
	ClassName string
	File      *classfile.File
	Changed   bool
	Methods   []MethodResult
}

// Class parses and instruments one class under the plan. A class the plan
// excludes is parsed but untouched, with every method marked excluded.
func Class(data []byte, p *plan.Plan) (*ClassResult, error) {
	f, err := classfile.Parse(data)
	if err != nil {
		return nil, err
	}
	name, err := f.Name()
	if err != nil {
		return nil, err
	}
	res := &ClassResult{ClassName: name, File: f}

	included := p.IncludesClass(name)
	for i := range f.Methods {
		mr := method(f, &f.Methods[i], p, included)
		if mr.Outcome == OutcomeInstrumented {
			res.Changed = true
		}
		res.Methods = append(res.Methods, mr)
	}
	return res, nil
}

// method runs the per-method pipeline. Engine errors never abort the
// class: the method is reported failed and its code left as parsed.
func method(f *classfile.File, m *classfile.Member, p *plan.Plan, included bool) MethodResult {
	mr := MethodResult{Outcome: OutcomeInstrumented}
	name, desc, err := f.MemberName(m)
	if err != nil {
		mr.Outcome = OutcomeFailed
		mr.Warnings = append(mr.Warnings, err.Error())
		return mr
	}
	mr.Name, mr.Descriptor = name, desc

	c := m.CodeAttr()
	if c == nil {
		mr.Outcome = OutcomeSkippedNoCode
		return mr
	}
	if !included || !p.AllowsMethod(name) {
		mr.Outcome = OutcomeSkippedExcluded
		return mr
	}
	if _, err := verify.CheckMethod(f, m); err != nil {
		log.Warningf("%s: %s", name+desc, err.Error())
		mr.Outcome = OutcomeSkippedVerify
		mr.Warnings = append(mr.Warnings, err.Error())
		return mr
	}

	if err := patch(f, m, c, p, &mr); err != nil {
		log.Errorf("%s: %s", name+desc, err.Error())
		mr.Outcome = OutcomeFailed
		mr.Warnings = append(mr.Warnings, err.Error())
	}
	return mr
}

// recorder collects every byte-length edit the session or the driver makes
// so exception ranges and line numbers can be replayed at the end. The
// frame table itself is shifted inside the session as edits happen.
type recorder struct {
	*code.Stream
	edits []code.Edit
}

func (r *recorder) Insert(pos int, ins ...*code.Instruction) ([]code.Edit, error) {
	edits, err := r.Stream.Insert(pos, ins...)
	r.edits = append(r.edits, edits...)
	return edits, err
}

func (r *recorder) ShiftSlotRefs(firstSlot, delta int) ([]code.Edit, error) {
	edits, err := r.Stream.ShiftSlotRefs(firstSlot, delta)
	r.edits = append(r.edits, edits...)
	return edits, err
}

func patch(f *classfile.File, m *classfile.Member, c *classfile.Code, p *plan.Plan, mr *MethodResult) error {
	il, err := code.Decode(c.Bytes)
	if err != nil {
		return err
	}
	rec := &recorder{Stream: il}

	s, err := frame.Load(f, m)
	if err != nil {
		return err
	}
	if err := s.NormalizeLocalTable(c, rec); err != nil {
		return err
	}
	if err := s.RebuildIndex(rec); err != nil {
		return err
	}
	mr.FramesBefore = s.FrameCount()
	mr.BeforeFrames = s.Frames()

	identity := s.Identity()
	entry, entryArg, err := probeInsns(f.Pool, p.Probe.Class, p.Probe.EntryMethod, p.Probe.EntryDescriptor, identity)
	if err != nil {
		return err
	}
	exit, exitArg, err := probeInsns(f.Pool, p.Probe.Class, p.Probe.ExitMethod, p.Probe.ExitDescriptor, identity)
	if err != nil {
		return err
	}

	// Entry probe at the head of the body.
	edits, err := rec.Insert(0, entry...)
	if err != nil {
		return err
	}
	if err := s.TrackEdits(rec, edits); err != nil {
		return err
	}

	// Exit probes before every return, last site first so earlier
	// positions stay valid during the walk.
	sites := rec.ReturnSites()
	for i := len(sites) - 1; i >= 0; i-- {
		ins, err := cloneInsns(exit)
		if err != nil {
			return err
		}
		edits, err := rec.Insert(sites[i], ins...)
		if err != nil {
			return err
		}
		if err := s.TrackEdits(rec, edits); err != nil {
			return err
		}
	}

	for _, l := range p.Locals.Declare {
		if _, err := s.InsertMethodScopeLocal(rec, l.Name, l.Descriptor); err != nil {
			return err
		}
	}
	if l := p.Locals.Parameter; l != nil {
		if _, err := s.InsertParameter(rec, l.Name, l.Descriptor); err != nil {
			return err
		}
	}

	bytes, err := rec.Encode()
	if err != nil {
		return err
	}
	c.Bytes = bytes

	shiftHandlers(c, rec.edits)
	if err := shiftLineNumbers(f.Pool, c, rec.edits); err != nil {
		return err
	}
	if entryArg || exitArg {
		// The identity string occupies one extra stack unit at each
		// probe site.
		c.MaxStack++
	}
	if err := s.Finish(c); err != nil {
		return err
	}
	mr.FramesAfter = s.FrameCount()
	mr.AfterFrames = s.Frames()
	log.Debugf("%s: %d return sites probed, %d frames", identity, len(sites), mr.FramesAfter)
	return nil
}

// probeInsns builds the instruction sequence for one probe call. When the
// probe takes the identity string, an ldc_w of the interned constant
// precedes the invokestatic; ldc_w is used unconditionally so the sequence
// length does not depend on the pool index.
func probeInsns(pool *classfile.ConstPool, class, method, desc, identity string) ([]*code.Instruction, bool, error) {
	params, _, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, false, err
	}
	var ins []*code.Instruction
	withArg := len(params) == 1
	if withArg {
		strIdx, err := pool.AddString(identity)
		if err != nil {
			return nil, false, err
		}
		ldc, err := code.NewInsn(code.OpLdcW, byte(strIdx>>8), byte(strIdx))
		if err != nil {
			return nil, false, err
		}
		ins = append(ins, ldc)
	}
	mref, err := pool.AddMethodref(class, method, desc)
	if err != nil {
		return nil, false, err
	}
	call, err := code.NewInsn(code.OpInvokestatic, byte(mref>>8), byte(mref))
	if err != nil {
		return nil, false, err
	}
	return append(ins, call), withArg, nil
}

// cloneInsns rebuilds a probe sequence so each insertion owns its
// instructions; the stream takes ownership of what it is given.
func cloneInsns(ins []*code.Instruction) ([]*code.Instruction, error) {
	out := make([]*code.Instruction, 0, len(ins))
	for _, in := range ins {
		operands := make([]byte, len(in.Operands()))
		copy(operands, in.Operands())
		c, err := code.NewInsn(in.Op(), operands...)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// shiftHandlers moves exception-table bounds by the uniform rule: any
// offset strictly after an edit position shifts.
func shiftHandlers(c *classfile.Code, edits []code.Edit) {
	for _, e := range edits {
		for i := range c.Handlers {
			h := &c.Handlers[i]
			if int(h.Start) > e.Pos {
				h.Start = uint16(int(h.Start) + e.Delta)
			}
			if int(h.End) > e.Pos {
				h.End = uint16(int(h.End) + e.Delta)
			}
			if int(h.HandlerPC) > e.Pos {
				h.HandlerPC = uint16(int(h.HandlerPC) + e.Delta)
			}
		}
	}
}

// shiftLineNumbers rewrites the LineNumberTable under the same rule.
func shiftLineNumbers(pool *classfile.ConstPool, c *classfile.Code, edits []code.Edit) error {
	lines, err := c.LineNumbers(pool)
	if err != nil || len(lines) == 0 {
		return err
	}
	for _, e := range edits {
		for i := range lines {
			if lines[i].PC > e.Pos {
				lines[i].PC += e.Delta
			}
		}
	}
	if err := c.SetLineNumbers(pool, lines); err != nil {
		return fmt.Errorf("line table: %w", err)
	}
	return nil
}
