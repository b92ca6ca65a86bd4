// Package verify runs a structural check over a method body before it is
// edited: stack depth simulation without types, jump-target boundary
// checks, and exception-handler bounds. It is not a semantic verifier; a
// method that fails here is left alone, never rejected outright.
package verify

import (
	"encoding/binary"
	"fmt"

	"github.com/tliron/commonlog"

	"classpatch/internal/classfile"
	"classpatch/internal/code"
	"classpatch/internal/vtype"
)

var log = commonlog.GetLogger("classpatch.verify")

// Error locates one structural problem inside a method body.
type Error struct {
	Offset  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("offset %d: %s", e.Offset, e.Message)
}

func errAt(offset int, format string, args ...any) *Error {
	return &Error{Offset: offset, Message: fmt.Sprintf(format, args...)}
}

// Result carries the simulated stack depths: Depths maps each reachable
// instruction offset to the depth on entry to it, in stack units (Long and
// Double count as two).
type Result struct {
	Depths   map[int]int
	MaxDepth int
}

// CheckMethod verifies one method's Code attribute. Methods without code
// trivially pass.
func CheckMethod(f *classfile.File, m *classfile.Member) (*Result, error) {
	c := m.CodeAttr()
	if c == nil {
		return &Result{Depths: map[int]int{}}, nil
	}
	res, err := CheckCode(f.Pool, c)
	if err != nil {
		name, desc, nerr := f.MemberName(m)
		if nerr != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s%s: %w", name, desc, err)
	}
	return res, nil
}

// CheckCode verifies a Code attribute against its declared max-stack.
func CheckCode(pool *classfile.ConstPool, c *classfile.Code) (*Result, error) {
	il, err := code.Decode(c.Bytes)
	if err != nil {
		return nil, err
	}
	v := &checker{
		pool:     pool,
		il:       il,
		maxStack: int(c.MaxStack),
		depths:   make(map[int]int),
	}
	if err := v.checkHandlers(c.Handlers); err != nil {
		return nil, err
	}
	if err := v.run(c.Handlers); err != nil {
		return nil, err
	}
	return &Result{Depths: v.depths, MaxDepth: v.maxDepth}, nil
}

type checker struct {
	pool     *classfile.ConstPool
	il       *code.Stream
	maxStack int
	depths   map[int]int
	maxDepth int
}

func (v *checker) checkHandlers(handlers []classfile.Handler) error {
	for _, h := range handlers {
		if _, ok := v.il.InsnAt(int(h.Start)); !ok {
			return errAt(int(h.Start), "exception range start is not an instruction boundary")
		}
		end := int(h.End)
		if _, ok := v.il.InsnAt(end); !ok && end != v.il.CodeLen() {
			return errAt(end, "exception range end is not an instruction boundary")
		}
		if in, ok := v.il.InsnAt(int(h.HandlerPC)); !ok || in == nil {
			return errAt(int(h.HandlerPC), "exception handler is not an instruction boundary")
		}
	}
	return nil
}

// run walks every reachable instruction from the entry point (depth 0) and
// from each exception handler (depth 1, the thrown reference).
func (v *checker) run(handlers []classfile.Handler) error {
	type item struct{ pos, depth int }
	work := []item{{0, 0}}
	for _, h := range handlers {
		work = append(work, item{int(h.HandlerPC), 1})
	}

	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]

		if prev, seen := v.depths[it.pos]; seen {
			if prev != it.depth {
				return errAt(it.pos, "inconsistent stack depth: %d vs %d", prev, it.depth)
			}
			continue
		}
		in, ok := v.il.InsnAt(it.pos)
		if !ok || in == nil {
			return errAt(it.pos, "jump target is not an instruction boundary")
		}
		v.depths[it.pos] = it.depth

		pops, pushes, err := v.effect(in)
		if err != nil {
			return err
		}
		depth := it.depth - pops
		if depth < 0 {
			return errAt(it.pos, "%s pops %d with only %d on the stack", in.Mnemonic(), pops, it.depth)
		}
		depth += pushes
		if depth > v.maxStack {
			return errAt(it.pos, "stack depth %d exceeds max-stack %d", depth, v.maxStack)
		}
		if depth > v.maxDepth {
			v.maxDepth = depth
		}

		op := in.Op()
		switch {
		case in.IsSwitch():
			for _, dest := range in.SwitchDests() {
				work = append(work, item{dest, depth})
			}
		case op == code.OpGoto, op == code.OpGotoW:
			target, _ := in.BranchTarget()
			work = append(work, item{target, depth})
		case op == code.OpJsr, op == code.OpJsrW:
			// The return address lands on the subroutine's stack.
			target, _ := in.BranchTarget()
			work = append(work, item{target, depth + 1})
		case in.IsBranch():
			target, _ := in.BranchTarget()
			work = append(work, item{target, depth})
			work = append(work, item{it.pos + in.Len(), depth})
		case in.IsReturn(), op == code.OpAthrow, op == code.OpRet:
			// terminators
		default:
			next := it.pos + in.Len()
			if next > v.il.CodeLen() {
				return errAt(it.pos, "execution runs off the end of the body")
			}
			if next == v.il.CodeLen() {
				return errAt(it.pos, "%s falls through the end of the body", in.Mnemonic())
			}
			work = append(work, item{next, depth})
		}
	}
	log.Debugf("checked %d instructions, max depth %d", len(v.depths), v.maxDepth)
	return nil
}

// effect returns the stack units an instruction pops and pushes. Member
// and dynamic call sites read their descriptors through the pool.
func (v *checker) effect(in *code.Instruction) (pops, pushes int, err error) {
	op := in.Op()
	if op == code.OpWide {
		op = in.Operands()[0]
	}
	switch op {
	case code.OpGetstatic, code.OpPutstatic, code.OpGetfield, code.OpPutfield:
		return v.fieldEffect(in, op)
	case code.OpInvokevirtual, code.OpInvokespecial, code.OpInvokestatic, code.OpInvokeinterface:
		return v.invokeEffect(in, op)
	case code.OpInvokedynamic:
		return v.dynamicEffect(in)
	case code.OpMultianewarray:
		return int(in.Operands()[2]), 1, nil
	}
	e := stackEffects[op]
	if e.valid == 0 {
		return 0, 0, errAt(in.Pos(), "no stack effect for %s", in.Mnemonic())
	}
	return int(e.pop), int(e.push), nil
}

func (v *checker) fieldEffect(in *code.Instruction, op byte) (int, int, error) {
	_, _, desc, err := v.pool.RefInfo(binary.BigEndian.Uint16(in.Operands()))
	if err != nil {
		return 0, 0, errAt(in.Pos(), "%s: %v", in.Mnemonic(), err)
	}
	w := vtype.DescWidth(desc)
	switch op {
	case code.OpGetstatic:
		return 0, w, nil
	case code.OpPutstatic:
		return w, 0, nil
	case code.OpGetfield:
		return 1, w, nil
	default: // putfield
		return 1 + w, 0, nil
	}
}

func (v *checker) invokeEffect(in *code.Instruction, op byte) (int, int, error) {
	_, _, desc, err := v.pool.RefInfo(binary.BigEndian.Uint16(in.Operands()))
	if err != nil {
		return 0, 0, errAt(in.Pos(), "%s: %v", in.Mnemonic(), err)
	}
	pops, pushes, err := descriptorEffect(desc)
	if err != nil {
		return 0, 0, errAt(in.Pos(), "%s: %v", in.Mnemonic(), err)
	}
	if op != code.OpInvokestatic {
		pops++ // receiver
	}
	return pops, pushes, nil
}

func (v *checker) dynamicEffect(in *code.Instruction) (int, int, error) {
	idx := binary.BigEndian.Uint16(in.Operands())
	cst, err := v.pool.At(idx)
	if err != nil {
		return 0, 0, errAt(in.Pos(), "invokedynamic: %v", err)
	}
	_, desc, err := v.pool.NameAndType(cst.Ref2)
	if err != nil {
		return 0, 0, errAt(in.Pos(), "invokedynamic: %v", err)
	}
	pops, pushes, err := descriptorEffect(desc)
	if err != nil {
		return 0, 0, errAt(in.Pos(), "invokedynamic: %v", err)
	}
	return pops, pushes, nil
}

func descriptorEffect(desc string) (pops, pushes int, err error) {
	params, ret, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range params {
		pops += vtype.DescWidth(p)
	}
	if ret != "V" {
		pushes = vtype.DescWidth(ret)
	}
	return pops, pushes, nil
}
