// Package classfile reads and writes the JVM class-file container.
//
// The parsed form keeps every attribute it does not understand as raw
// bytes, so an untouched class round-trips byte-identically. Only the Code
// attribute of methods is decoded into a structure; the frame-table
// attribute inside Code is handed to the frame engine as raw bytes and
// replaced wholesale after editing.
//
// Design goals:
//   - Byte-faithful round trip for everything the tool does not modify
//   - Append-only constant-pool interning during an edit session
//   - No interpretation of bytecode; that belongs to internal/code
package classfile

import (
	"fmt"
	"io"
)

// Magic is the class-file signature.
const Magic = 0xCAFEBABE

// MajorJava6 is the last class-file major version for which a frame table
// is optional.
const MajorJava6 = 50

// Attribute is one attribute_info. Data holds the raw payload; for a
// parsed Code attribute, Code is set instead and takes precedence when
// writing.
type Attribute struct {
	NameIndex uint16
	Data      []byte
	Code      *Code
}

// Member is one field_info or method_info.
type Member struct {
	Access    uint16
	NameIndex uint16
	DescIndex uint16
	Attrs     []Attribute
}

// File is a parsed class file.
type File struct {
	Minor      uint16
	Major      uint16
	Pool       *ConstPool
	Access     uint16
	ThisClass  uint16
	SuperClass uint16
	Interfaces []uint16
	Fields     []Member
	Methods    []Member
	Attrs      []Attribute
}

// Parse decodes a class file.
func Parse(data []byte) (*File, error) {
	r := &reader{buf: data}
	if magic := r.u4(); magic != Magic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("bad magic 0x%08X", magic)
	}
	f := &File{}
	f.Minor = r.u2()
	f.Major = r.u2()

	pool, err := parsePool(r)
	if err != nil {
		return nil, fmt.Errorf("constant pool: %w", err)
	}
	f.Pool = pool

	f.Access = r.u2()
	f.ThisClass = r.u2()
	f.SuperClass = r.u2()

	ifCount := int(r.u2())
	for i := 0; i < ifCount && r.err == nil; i++ {
		f.Interfaces = append(f.Interfaces, r.u2())
	}

	if f.Fields, err = parseMembers(r, pool, false); err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	if f.Methods, err = parseMembers(r, pool, true); err != nil {
		return nil, fmt.Errorf("methods: %w", err)
	}
	if f.Attrs, err = parseAttrs(r, pool, false); err != nil {
		return nil, fmt.Errorf("class attributes: %w", err)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after class file", r.remaining())
	}
	return f, nil
}

// ReadFrom parses a class file from a reader.
func ReadFrom(src io.Reader) (*File, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func parseMembers(r *reader, pool *ConstPool, parseCode bool) ([]Member, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	members := make([]Member, 0, count)
	for i := 0; i < count; i++ {
		var m Member
		m.Access = r.u2()
		m.NameIndex = r.u2()
		m.DescIndex = r.u2()
		attrs, err := parseAttrs(r, pool, parseCode)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		m.Attrs = attrs
		members = append(members, m)
	}
	return members, nil
}

func parseAttrs(r *reader, pool *ConstPool, parseCode bool) ([]Attribute, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	attrs := make([]Attribute, 0, count)
	for i := 0; i < count; i++ {
		var a Attribute
		a.NameIndex = r.u2()
		length := int(r.u4())
		a.Data = r.take(length)
		if r.err != nil {
			return nil, r.err
		}
		if parseCode {
			name, err := pool.Str(a.NameIndex)
			if err != nil {
				return nil, fmt.Errorf("attribute %d: %w", i, err)
			}
			if name == "Code" {
				code, err := parseCodeAttr(a.Data, pool)
				if err != nil {
					return nil, fmt.Errorf("Code attribute: %w", err)
				}
				a.Code = code
				a.Data = nil
			}
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// Bytes serializes the class file.
func (f *File) Bytes() []byte {
	w := &writer{}
	w.u4(Magic)
	w.u2(f.Minor)
	w.u2(f.Major)
	f.Pool.write(w)
	w.u2(f.Access)
	w.u2(f.ThisClass)
	w.u2(f.SuperClass)
	w.u2(uint16(len(f.Interfaces)))
	for _, idx := range f.Interfaces {
		w.u2(idx)
	}
	writeMembers(w, f.Fields)
	writeMembers(w, f.Methods)
	writeAttrs(w, f.Attrs)
	return w.buf
}

// WriteTo serializes the class file to a writer.
func (f *File) WriteTo(dst io.Writer) (int64, error) {
	n, err := dst.Write(f.Bytes())
	return int64(n), err
}

func writeMembers(w *writer, members []Member) {
	w.u2(uint16(len(members)))
	for i := range members {
		m := &members[i]
		w.u2(m.Access)
		w.u2(m.NameIndex)
		w.u2(m.DescIndex)
		writeAttrs(w, m.Attrs)
	}
}

func writeAttrs(w *writer, attrs []Attribute) {
	w.u2(uint16(len(attrs)))
	for i := range attrs {
		a := &attrs[i]
		data := a.Data
		if a.Code != nil {
			data = a.Code.bytes()
		}
		w.u2(a.NameIndex)
		w.u4(uint32(len(data)))
		w.raw(data)
	}
}

// Name returns the internal name of the class itself.
func (f *File) Name() (string, error) {
	return f.Pool.ClassName(f.ThisClass)
}

// MemberName resolves a member's name and descriptor.
func (f *File) MemberName(m *Member) (name, desc string, err error) {
	if name, err = f.Pool.Str(m.NameIndex); err != nil {
		return "", "", err
	}
	if desc, err = f.Pool.Str(m.DescIndex); err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// CodeAttr returns the member's parsed Code attribute, or nil for abstract
// and native methods.
func (m *Member) CodeAttr() *Code {
	for i := range m.Attrs {
		if m.Attrs[i].Code != nil {
			return m.Attrs[i].Code
		}
	}
	return nil
}

// IsStatic reports whether the member has the static access flag.
func (m *Member) IsStatic() bool {
	return m.Access&0x0008 != 0
}
