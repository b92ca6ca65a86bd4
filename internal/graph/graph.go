// Package graph builds the class-reference graph included in the run
// report. Every constant-pool class entry of a parsed class contributes an
// edge from the declaring class to the referenced class.
//
// Design goals:
//   - Deterministic output (sorted nodes/edges, deduped)
//   - Tolerant of unresolvable pool entries; they are simply skipped
package graph

import (
	"sort"
	"strings"

	"classpatch/internal/classfile"
)

// Graph is a simple directed graph (no weights). Node labels carry a
// "class:" prefix so future label kinds cannot collide.
type Graph struct {
	Nodes []string    `json:"nodes"`
	Edges [][2]string `json:"edges"`
}

// Build scans the given classes and returns their reference graph.
func Build(classes []*classfile.File) Graph {
	nodeSet := make(map[string]struct{}, len(classes)*8)
	edgeSet := make(map[[2]string]struct{}, len(classes)*8)

	for _, f := range classes {
		this, err := f.Name()
		if err != nil || this == "" {
			continue
		}
		from := label(this)
		nodeSet[from] = struct{}{}
		for _, ref := range f.Pool.ClassRefs() {
			if ref == "" || ref == this {
				continue
			}
			// Array classes reference their element class, if any.
			if strings.HasPrefix(ref, "[") {
				ref = elementClass(ref)
				if ref == "" || ref == this {
					continue
				}
			}
			to := label(ref)
			nodeSet[to] = struct{}{}
			edgeSet[[2]string{from, to}] = struct{}{}
		}
	}

	g := Graph{
		Nodes: make([]string, 0, len(nodeSet)),
		Edges: make([][2]string, 0, len(edgeSet)),
	}
	for n := range nodeSet {
		g.Nodes = append(g.Nodes, n)
	}
	sort.Strings(g.Nodes)
	for e := range edgeSet {
		g.Edges = append(g.Edges, e)
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i][0] != g.Edges[j][0] {
			return g.Edges[i][0] < g.Edges[j][0]
		}
		return g.Edges[i][1] < g.Edges[j][1]
	})
	return g
}

func label(class string) string {
	return "class:" + class
}

// elementClass unwraps an array descriptor to its element class name, or
// "" for primitive arrays.
func elementClass(desc string) string {
	s := strings.TrimLeft(desc, "[")
	if strings.HasPrefix(s, "L") && strings.HasSuffix(s, ";") {
		return s[1 : len(s)-1]
	}
	return ""
}
