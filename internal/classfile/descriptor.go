package classfile

import (
	"fmt"
	"strings"
)

// ParseMethodDescriptor splits a method descriptor into its parameter field
// descriptors and return descriptor ("V" for void).
func ParseMethodDescriptor(desc string) (params []string, ret string, err error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("method descriptor %q: missing parameter list", desc)
	}
	rest := desc[1:]
	for !strings.HasPrefix(rest, ")") {
		if rest == "" {
			return nil, "", fmt.Errorf("method descriptor %q: unterminated parameter list", desc)
		}
		var p string
		p, rest, err = fieldDesc(rest)
		if err != nil {
			return nil, "", fmt.Errorf("method descriptor %q: %w", desc, err)
		}
		params = append(params, p)
	}
	ret = rest[1:]
	if ret == "V" {
		return params, ret, nil
	}
	r, tail, err := fieldDesc(ret)
	if err != nil || tail != "" {
		return nil, "", fmt.Errorf("method descriptor %q: bad return type", desc)
	}
	return params, r, nil
}

// fieldDesc consumes one field descriptor from the front of s.
func fieldDesc(s string) (desc, rest string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("empty field descriptor")
	}
	switch s[0] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return s[:1], s[1:], nil
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 2 {
			return "", "", fmt.Errorf("unterminated class descriptor %q", s)
		}
		return s[:end+1], s[end+1:], nil
	case '[':
		inner, rest, err := fieldDesc(s[1:])
		if err != nil {
			return "", "", err
		}
		return "[" + inner, rest, nil
	}
	return "", "", fmt.Errorf("bad field descriptor start %q", s[:1])
}

// CheckFieldDescriptor reports whether s is a single complete field
// descriptor with nothing trailing.
func CheckFieldDescriptor(s string) error {
	d, rest, err := fieldDesc(s)
	if err != nil {
		return err
	}
	if rest != "" {
		return fmt.Errorf("field descriptor %q: trailing %q after %q", s, rest, d)
	}
	return nil
}

// ParamSlots returns the number of local slots the parameters occupy at
// method entry, including the receiver slot for instance methods.
func ParamSlots(params []string, static bool) int {
	slots := 0
	if !static {
		slots = 1
	}
	for _, p := range params {
		if p == "J" || p == "D" {
			slots += 2
		} else {
			slots++
		}
	}
	return slots
}
