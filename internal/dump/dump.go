// Package dump renders frame tables as text, one line per frame, and
// produces unified diffs between two renderings. It uses
// github.com/pmezard/go-difflib/difflib for classic unified patches
// (---/+++ headers, @@ hunks).
package dump

import (
	"fmt"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"

	"classpatch/internal/classfile"
	"classpatch/internal/frame"
	"classpatch/internal/vtype"
)

// Type renders one verification type. Object entries resolve through the
// pool; an unresolvable index falls back to the raw pool reference.
func Type(t vtype.Type, pool *classfile.ConstPool) string {
	switch t.Tag {
	case vtype.TagObject:
		if name, err := pool.ClassName(t.Index); err == nil {
			return name
		}
		return fmt.Sprintf("object(#%d)", t.Index)
	case vtype.TagUninitialized:
		return fmt.Sprintf("uninit@%d", t.Offset)
	default:
		return t.Tag.String()
	}
}

func typeList(types []vtype.Type, pool *classfile.ConstPool) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = Type(t, pool)
	}
	return strings.Join(parts, ", ")
}

// Table renders resolved frames, one line each.
func Table(frames []frame.Frame, pool *classfile.ConstPool) string {
	var b strings.Builder
	for _, fr := range frames {
		fmt.Fprintf(&b, "@%03d  locals=[%s] stack=[%s]\n",
			fr.Offset, typeList(fr.Locals, pool), typeList(fr.Stack, pool))
	}
	return b.String()
}

// Method renders one method's header and frame table. The frame-table
// attribute is detached from the Code attribute in the process; callers
// that intend to write the class back must re-parse it.
func Method(f *classfile.File, m *classfile.Member) (string, error) {
	s, err := frame.Load(f, m)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.Identity())
	switch {
	case !s.HasCode():
		b.WriteString("  (no code)\n")
	case s.FrameCount() == 0:
		b.WriteString("  (no frames)\n")
	default:
		for _, line := range strings.Split(strings.TrimRight(Table(s.Frames(), f.Pool), "\n"), "\n") {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String(), nil
}

// Class renders every method of a class, in declaration order.
func Class(f *classfile.File) (string, error) {
	var b strings.Builder
	for i := range f.Methods {
		text, err := Method(f, &f.Methods[i])
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// Unified produces a unified diff between two renderings. An empty result
// means the inputs are identical.
func Unified(aName, bName, a, b string) (string, error) {
	u := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(a),
		B:        splitLinesKeepNL(b),
		FromFile: aName,
		ToFile:   bName,
		Context:  4,
	}
	return difflib.GetUnifiedDiffString(u)
}

// splitLinesKeepNL splits into lines keeping the newline characters, which
// produces better unified hunks.
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.SplitAfter(s, "\n")
}
