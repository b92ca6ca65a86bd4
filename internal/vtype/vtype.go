// Package vtype defines the verification-type alphabet used by frame tables
// and converts between it and JVM field descriptors.
//
// Verification types are coarser than descriptors: all integral types
// collapse to Integer, and reference types carry only a constant-pool class
// index. Long and Double are the only types that occupy two local slots or
// two stack units.
package vtype

import (
	"errors"
	"fmt"
	"strings"
)

// Tag identifies one verification-type variant. The numeric values are the
// on-disk item tags.
type Tag uint8

const (
	TagTop Tag = iota // unknown value or the second half of a wide value
	TagInteger
	TagFloat
	TagDouble
	TagLong
	TagNull
	TagUninitializedThis
	TagObject        // carries a constant-pool class index
	TagUninitialized // carries the byte offset of the allocating instruction
)

var tagNames = [...]string{
	TagTop:               "top",
	TagInteger:           "int",
	TagFloat:             "float",
	TagDouble:            "double",
	TagLong:              "long",
	TagNull:              "null",
	TagUninitializedThis: "uninitThis",
	TagObject:            "object",
	TagUninitialized:     "uninit",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Type is one verification-type entry in a frame's locals or stack list.
// Index is meaningful only for TagObject, Offset only for TagUninitialized.
type Type struct {
	Tag    Tag
	Index  uint16
	Offset uint16
}

// Object returns an entry referencing the class at the given pool index.
func Object(cpIndex uint16) Type {
	return Type{Tag: TagObject, Index: cpIndex}
}

// Uninitialized returns an entry for a value allocated at the given byte
// offset whose constructor has not yet run.
func Uninitialized(offset uint16) Type {
	return Type{Tag: TagUninitialized, Offset: offset}
}

// Width returns the number of local slots (or stack units) the type
// occupies: 2 for Long and Double, 1 for everything else.
func (t Type) Width() int {
	if t.Tag == TagLong || t.Tag == TagDouble {
		return 2
	}
	return 1
}

func (t Type) String() string {
	switch t.Tag {
	case TagObject:
		return fmt.Sprintf("object(#%d)", t.Index)
	case TagUninitialized:
		return fmt.Sprintf("uninit(@%d)", t.Offset)
	default:
		return t.Tag.String()
	}
}

// ClassPool is the constant-pool surface needed to intern and resolve the
// class references carried by Object entries.
type ClassPool interface {
	// AddClass interns a class entry for an internal name (or array
	// descriptor) and returns its index, reusing an existing entry if
	// present.
	AddClass(name string) (uint16, error)
	// ClassName resolves a class entry back to its internal name.
	ClassName(index uint16) (string, error)
}

// DescPending is a reserved descriptor for a value whose allocating
// instruction has not completed construction. FromDescriptor maps it to an
// Uninitialized entry with offset zero; the caller fills in the real
// allocation offset.
const DescPending = "<uninitialized>"

var (
	// ErrDescriptor reports a field descriptor outside the expected set.
	ErrDescriptor = errors.New("invalid field descriptor")
	// ErrNoValueType reports a verification type with no descriptor form.
	ErrNoValueType = errors.New("verification type has no value-type form")
)

// FromDescriptor converts a field descriptor to its verification type.
// Object and array descriptors are interned through the pool. A descriptor
// outside the alphabet is a contract violation by the caller.
func FromDescriptor(desc string, pool ClassPool) (Type, error) {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return Type{Tag: TagInteger}, nil
	case "F":
		return Type{Tag: TagFloat}, nil
	case "D":
		return Type{Tag: TagDouble}, nil
	case "J":
		return Type{Tag: TagLong}, nil
	case DescPending:
		return Type{Tag: TagUninitialized}, nil
	}
	switch {
	case strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") && len(desc) > 2:
		idx, err := pool.AddClass(desc[1 : len(desc)-1])
		if err != nil {
			return Type{}, err
		}
		return Object(idx), nil
	case strings.HasPrefix(desc, "["):
		// Array classes keep the descriptor form as their name.
		idx, err := pool.AddClass(desc)
		if err != nil {
			return Type{}, err
		}
		return Object(idx), nil
	}
	return Type{}, fmt.Errorf("%w: %q", ErrDescriptor, desc)
}

// ToDescriptor converts a verification type back to a field descriptor.
// Top converts to "I", a placeholder kept for compatibility with tables
// produced by older tooling. Object entries that do not resolve fall back
// to java/lang/Object. Null, UninitializedThis, and Uninitialized entries
// are never expected in this direction and report a contract violation.
func ToDescriptor(t Type, pool ClassPool) (string, error) {
	switch t.Tag {
	case TagInteger, TagTop:
		return "I", nil
	case TagFloat:
		return "F", nil
	case TagDouble:
		return "D", nil
	case TagLong:
		return "J", nil
	case TagObject:
		name, err := pool.ClassName(t.Index)
		if err != nil || name == "" {
			return "Ljava/lang/Object;", nil
		}
		if strings.HasPrefix(name, "[") {
			return name, nil
		}
		return "L" + name + ";", nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoValueType, t)
}

// DescWidth returns the slot width of a field descriptor: 2 for J and D,
// 1 for everything else.
func DescWidth(desc string) int {
	if desc == "J" || desc == "D" {
		return 2
	}
	return 1
}
