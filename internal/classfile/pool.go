package classfile

import (
	"errors"
	"fmt"
)

// Constant pool tags.
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// Const is one constant-pool entry. Only the fields meaningful for the tag
// are set; every tag's payload has a fixed layout, so the decoded form
// re-encodes byte-identically.
type Const struct {
	Tag  uint8
	Utf8 string // TagUtf8
	Bits uint64 // TagInteger/TagFloat (low 32 bits), TagLong/TagDouble
	Kind uint8  // TagMethodHandle reference kind
	Ref1 uint16 // first index operand
	Ref2 uint16 // second index operand
}

// ConstPool holds a class file's constant pool. Entries are 1-based; Long
// and Double entries occupy two indices, with a zero-tag placeholder in the
// second. The pool is append-only while a method edit session is open.
type ConstPool struct {
	entries []Const // entries[0] is unused
}

// NewConstPool returns an empty pool ready for interning, for building
// class files programmatically.
func NewConstPool() *ConstPool {
	return &ConstPool{entries: make([]Const, 1)}
}

var (
	// ErrPoolIndex reports an index outside the pool or of the wrong kind.
	ErrPoolIndex = errors.New("bad constant-pool index")
	// ErrPoolFull reports that interning would exceed the u2 index space.
	ErrPoolFull = errors.New("constant pool full")
)

func parsePool(r *reader) (*ConstPool, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	if count == 0 {
		return nil, fmt.Errorf("constant pool count is zero")
	}
	p := &ConstPool{entries: make([]Const, count)}
	for i := 1; i < count; i++ {
		tag := r.u1()
		c := Const{Tag: tag}
		switch tag {
		case TagUtf8:
			n := int(r.u2())
			c.Utf8 = string(r.take(n))
		case TagInteger, TagFloat:
			c.Bits = uint64(r.u4())
		case TagLong, TagDouble:
			c.Bits = r.u8()
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.Ref1 = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.Ref1 = r.u2()
			c.Ref2 = r.u2()
		case TagMethodHandle:
			c.Kind = r.u1()
			c.Ref1 = r.u2()
		default:
			return nil, fmt.Errorf("constant pool entry %d: unknown tag %d", i, tag)
		}
		if r.err != nil {
			return nil, fmt.Errorf("constant pool entry %d: %w", i, r.err)
		}
		p.entries[i] = c
		if tag == TagLong || tag == TagDouble {
			i++ // wide constants take two indices
		}
	}
	return p, nil
}

func (p *ConstPool) write(w *writer) {
	w.u2(uint16(len(p.entries)))
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		w.u1(c.Tag)
		switch c.Tag {
		case TagUtf8:
			w.u2(uint16(len(c.Utf8)))
			w.raw([]byte(c.Utf8))
		case TagInteger, TagFloat:
			w.u4(uint32(c.Bits))
		case TagLong, TagDouble:
			w.u8(c.Bits)
			i++
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(c.Ref1)
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			w.u2(c.Ref1)
			w.u2(c.Ref2)
		case TagMethodHandle:
			w.u1(c.Kind)
			w.u2(c.Ref1)
		}
	}
}

// Len returns the number of pool indices in use, including placeholders.
func (p *ConstPool) Len() int {
	return len(p.entries)
}

// At returns the entry at a 1-based index.
func (p *ConstPool) At(index uint16) (Const, error) {
	i := int(index)
	if i < 1 || i >= len(p.entries) {
		return Const{}, fmt.Errorf("%w: %d (pool size %d)", ErrPoolIndex, index, len(p.entries))
	}
	return p.entries[i], nil
}

func (p *ConstPool) typed(index uint16, tag uint8) (Const, error) {
	c, err := p.At(index)
	if err != nil {
		return Const{}, err
	}
	if c.Tag != tag {
		return Const{}, fmt.Errorf("%w: %d has tag %d, want %d", ErrPoolIndex, index, c.Tag, tag)
	}
	return c, nil
}

// Str returns the Utf8 payload at the given index.
func (p *ConstPool) Str(index uint16) (string, error) {
	c, err := p.typed(index, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Utf8, nil
}

// ClassName resolves a Class entry to its internal name.
func (p *ConstPool) ClassName(index uint16) (string, error) {
	c, err := p.typed(index, TagClass)
	if err != nil {
		return "", err
	}
	return p.Str(c.Ref1)
}

// NameAndType resolves a NameAndType entry to its name and descriptor.
func (p *ConstPool) NameAndType(index uint16) (name, desc string, err error) {
	c, err := p.typed(index, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = p.Str(c.Ref1); err != nil {
		return "", "", err
	}
	if desc, err = p.Str(c.Ref2); err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// RefInfo resolves a Fieldref/Methodref/InterfaceMethodref entry to the
// owning class, member name, and descriptor.
func (p *ConstPool) RefInfo(index uint16) (class, name, desc string, err error) {
	c, err := p.At(index)
	if err != nil {
		return "", "", "", err
	}
	switch c.Tag {
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
	default:
		return "", "", "", fmt.Errorf("%w: %d has tag %d, want a member ref", ErrPoolIndex, index, c.Tag)
	}
	if class, err = p.ClassName(c.Ref1); err != nil {
		return "", "", "", err
	}
	if name, desc, err = p.NameAndType(c.Ref2); err != nil {
		return "", "", "", err
	}
	return class, name, desc, nil
}

// ClassRefs returns the internal names of every Class entry, in pool order.
func (p *ConstPool) ClassRefs() []string {
	var out []string
	for i := 1; i < len(p.entries); i++ {
		if p.entries[i].Tag == TagClass {
			if name, err := p.Str(p.entries[i].Ref1); err == nil {
				out = append(out, name)
			}
		}
	}
	return out
}

func (p *ConstPool) append(c Const) (uint16, error) {
	// One slot must remain unused: index space is u2 and wide constants
	// are never appended here.
	if len(p.entries) >= 0xFFFF {
		return 0, ErrPoolFull
	}
	p.entries = append(p.entries, c)
	return uint16(len(p.entries) - 1), nil
}

// AddUtf8 interns a Utf8 entry, reusing an existing one when present.
func (p *ConstPool) AddUtf8(s string) (uint16, error) {
	for i := 1; i < len(p.entries); i++ {
		if p.entries[i].Tag == TagUtf8 && p.entries[i].Utf8 == s {
			return uint16(i), nil
		}
	}
	return p.append(Const{Tag: TagUtf8, Utf8: s})
}

// AddClass interns a Class entry for an internal name or array descriptor.
func (p *ConstPool) AddClass(name string) (uint16, error) {
	for i := 1; i < len(p.entries); i++ {
		if p.entries[i].Tag == TagClass {
			if n, err := p.Str(p.entries[i].Ref1); err == nil && n == name {
				return uint16(i), nil
			}
		}
	}
	nameIdx, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	return p.append(Const{Tag: TagClass, Ref1: nameIdx})
}

// AddString interns a String entry for a constant value.
func (p *ConstPool) AddString(s string) (uint16, error) {
	utf8Idx, err := p.AddUtf8(s)
	if err != nil {
		return 0, err
	}
	for i := 1; i < len(p.entries); i++ {
		if p.entries[i].Tag == TagString && p.entries[i].Ref1 == utf8Idx {
			return uint16(i), nil
		}
	}
	return p.append(Const{Tag: TagString, Ref1: utf8Idx})
}

// AddNameAndType interns a NameAndType entry.
func (p *ConstPool) AddNameAndType(name, desc string) (uint16, error) {
	nameIdx, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	descIdx, err := p.AddUtf8(desc)
	if err != nil {
		return 0, err
	}
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		if c.Tag == TagNameAndType && c.Ref1 == nameIdx && c.Ref2 == descIdx {
			return uint16(i), nil
		}
	}
	return p.append(Const{Tag: TagNameAndType, Ref1: nameIdx, Ref2: descIdx})
}

// AddMethodref interns a Methodref entry for class/name/descriptor.
func (p *ConstPool) AddMethodref(class, name, desc string) (uint16, error) {
	classIdx, err := p.AddClass(class)
	if err != nil {
		return 0, err
	}
	ntIdx, err := p.AddNameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		if c.Tag == TagMethodref && c.Ref1 == classIdx && c.Ref2 == ntIdx {
			return uint16(i), nil
		}
	}
	return p.append(Const{Tag: TagMethodref, Ref1: classIdx, Ref2: ntIdx})
}
