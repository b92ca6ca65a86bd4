package classfile

import (
	"fmt"
	"sort"
)

// Handler is one exception-table row. Start/End bound the protected range
// ([Start, End) in byte offsets), HandlerPC is the handler entry point, and
// CatchType is a Class entry index or zero for catch-all.
type Handler struct {
	Start     uint16
	End       uint16
	HandlerPC uint16
	CatchType uint16
}

// Code is a parsed Code attribute.
type Code struct {
	MaxStack  uint16
	MaxLocals uint16
	Bytes     []byte
	Handlers  []Handler
	Attrs     []Attribute
}

func parseCodeAttr(data []byte, pool *ConstPool) (*Code, error) {
	r := &reader{buf: data}
	c := &Code{}
	c.MaxStack = r.u2()
	c.MaxLocals = r.u2()
	codeLen := int(r.u4())
	c.Bytes = r.take(codeLen)

	hCount := int(r.u2())
	for i := 0; i < hCount && r.err == nil; i++ {
		c.Handlers = append(c.Handlers, Handler{
			Start:     r.u2(),
			End:       r.u2(),
			HandlerPC: r.u2(),
			CatchType: r.u2(),
		})
	}

	attrs, err := parseAttrs(r, pool, false)
	if err != nil {
		return nil, err
	}
	c.Attrs = attrs
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in Code attribute", r.remaining())
	}
	return c, nil
}

func (c *Code) bytes() []byte {
	w := &writer{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Bytes)))
	w.raw(c.Bytes)
	w.u2(uint16(len(c.Handlers)))
	for _, h := range c.Handlers {
		w.u2(h.Start)
		w.u2(h.End)
		w.u2(h.HandlerPC)
		w.u2(h.CatchType)
	}
	writeAttrs(w, c.Attrs)
	return w.buf
}

// findAttr returns the index of the first nested attribute with the given
// name, or -1.
func (c *Code) findAttr(pool *ConstPool, name string) int {
	for i := range c.Attrs {
		if n, err := pool.Str(c.Attrs[i].NameIndex); err == nil && n == name {
			return i
		}
	}
	return -1
}

// RemoveAttr drops every nested attribute with the given name and reports
// whether any was present.
func (c *Code) RemoveAttr(pool *ConstPool, name string) bool {
	out := c.Attrs[:0]
	removed := false
	for i := range c.Attrs {
		if n, err := pool.Str(c.Attrs[i].NameIndex); err == nil && n == name {
			removed = true
			continue
		}
		out = append(out, c.Attrs[i])
	}
	c.Attrs = out
	return removed
}

// setAttr replaces the payload of the first attribute with the given name,
// appending a new attribute when none exists.
func (c *Code) setAttr(pool *ConstPool, name string, data []byte) error {
	if i := c.findAttr(pool, name); i >= 0 {
		c.Attrs[i].Data = data
		return nil
	}
	nameIdx, err := pool.AddUtf8(name)
	if err != nil {
		return err
	}
	c.Attrs = append(c.Attrs, Attribute{NameIndex: nameIdx, Data: data})
	return nil
}

// StackMap returns the raw frame-table payload and whether one is present.
func (c *Code) StackMap(pool *ConstPool) ([]byte, bool) {
	if i := c.findAttr(pool, "StackMapTable"); i >= 0 {
		return c.Attrs[i].Data, true
	}
	return nil, false
}

// SetStackMap installs a frame-table payload, replacing any existing one.
func (c *Code) SetStackMap(pool *ConstPool, data []byte) error {
	return c.setAttr(pool, "StackMapTable", data)
}

// RemoveStackMap drops the frame-table attribute.
func (c *Code) RemoveStackMap(pool *ConstPool) bool {
	return c.RemoveAttr(pool, "StackMapTable")
}

// LocalVar is one local-variable-table row in resolved form. The live
// range is [Start, End) in byte offsets.
type LocalVar struct {
	Slot  int
	Name  string
	Desc  string
	Start int
	End   int
}

// LocalVars merges every LocalVariableTable attribute into one list sorted
// by slot, then start offset.
func (c *Code) LocalVars(pool *ConstPool) ([]LocalVar, error) {
	var out []LocalVar
	for i := range c.Attrs {
		name, err := pool.Str(c.Attrs[i].NameIndex)
		if err != nil || name != "LocalVariableTable" {
			continue
		}
		r := &reader{buf: c.Attrs[i].Data}
		count := int(r.u2())
		for j := 0; j < count; j++ {
			startPC := int(r.u2())
			length := int(r.u2())
			nameIdx := r.u2()
			descIdx := r.u2()
			slot := int(r.u2())
			if r.err != nil {
				return nil, fmt.Errorf("LocalVariableTable entry %d: %w", j, r.err)
			}
			lvName, err := pool.Str(nameIdx)
			if err != nil {
				return nil, err
			}
			lvDesc, err := pool.Str(descIdx)
			if err != nil {
				return nil, err
			}
			out = append(out, LocalVar{
				Slot:  slot,
				Name:  lvName,
				Desc:  lvDesc,
				Start: startPC,
				End:   startPC + length,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].Start < out[j].Start
	})
	return out, nil
}

// SetLocalVars replaces all LocalVariableTable attributes with a single
// table holding the given entries.
func (c *Code) SetLocalVars(pool *ConstPool, vars []LocalVar) error {
	c.RemoveAttr(pool, "LocalVariableTable")
	if len(vars) == 0 {
		return nil
	}
	w := &writer{}
	w.u2(uint16(len(vars)))
	for _, v := range vars {
		nameIdx, err := pool.AddUtf8(v.Name)
		if err != nil {
			return err
		}
		descIdx, err := pool.AddUtf8(v.Desc)
		if err != nil {
			return err
		}
		w.u2(uint16(v.Start))
		w.u2(uint16(v.End - v.Start))
		w.u2(nameIdx)
		w.u2(descIdx)
		w.u2(uint16(v.Slot))
	}
	return c.setAttr(pool, "LocalVariableTable", w.buf)
}

// LineNumber maps a byte offset to a source line.
type LineNumber struct {
	PC   int
	Line int
}

// LineNumbers merges every LineNumberTable attribute.
func (c *Code) LineNumbers(pool *ConstPool) ([]LineNumber, error) {
	var out []LineNumber
	for i := range c.Attrs {
		name, err := pool.Str(c.Attrs[i].NameIndex)
		if err != nil || name != "LineNumberTable" {
			continue
		}
		r := &reader{buf: c.Attrs[i].Data}
		count := int(r.u2())
		for j := 0; j < count; j++ {
			pc := int(r.u2())
			line := int(r.u2())
			if r.err != nil {
				return nil, fmt.Errorf("LineNumberTable entry %d: %w", j, r.err)
			}
			out = append(out, LineNumber{PC: pc, Line: line})
		}
	}
	return out, nil
}

// SetLineNumbers replaces all LineNumberTable attributes with one table.
func (c *Code) SetLineNumbers(pool *ConstPool, lines []LineNumber) error {
	c.RemoveAttr(pool, "LineNumberTable")
	if len(lines) == 0 {
		return nil
	}
	w := &writer{}
	w.u2(uint16(len(lines)))
	for _, ln := range lines {
		w.u2(uint16(ln.PC))
		w.u2(uint16(ln.Line))
	}
	return c.setAttr(pool, "LineNumberTable", w.buf)
}
