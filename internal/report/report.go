// Package report writes the run's artifacts: a JSON report describing what
// happened to every class and method, and a canonical CBOR sidecar holding
// the decoded frame tables of touched methods.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"classpatch/internal/graph"
	"classpatch/internal/meta"
)

// Method is the per-method record.
type Method struct {
	Class        string   `json:"class"`
	Method       string   `json:"method"`
	Descriptor   string   `json:"descriptor"`
	Outcome      string   `json:"outcome"`
	FramesBefore int      `json:"framesBefore"`
	FramesAfter  int      `json:"framesAfter"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Class is the per-input-class record. Outcomes counts the method outcomes
// so a reader can scan a large report without walking Methods.
type Class struct {
	Path         string         `json:"path"`
	SHA256Before string         `json:"sha256Before"`
	SHA256After  string         `json:"sha256After,omitempty"`
	Outcome      string         `json:"outcome"`
	Outcomes     map[string]int `json:"outcomes,omitempty"`
	Methods      []Method       `json:"methods,omitempty"`
}

// Report is the whole run.
type Report struct {
	RunID    string      `json:"runId"`
	Tool     string      `json:"tool"`
	Version  string      `json:"version"`
	Created  string      `json:"created"`
	Plan     string      `json:"plan"`
	PlanHash string      `json:"planHash"`
	Classes  []Class     `json:"classes"`
	Graph    graph.Graph `json:"graph"`
}

// New starts a report for one run.
func New(planPath, planHash string) *Report {
	return &Report{
		RunID:    uuid.New().String(),
		Tool:     meta.Tool,
		Version:  meta.Version(),
		Created:  time.Now().UTC().Format(time.RFC3339),
		Plan:     planPath,
		PlanHash: planHash,
	}
}

// AddClass appends a class record, deriving its outcome counts from the
// method records.
func (r *Report) AddClass(c Class) {
	if len(c.Methods) > 0 {
		c.Outcomes = make(map[string]int, 4)
		for _, m := range c.Methods {
			c.Outcomes[m.Outcome]++
		}
	}
	r.Classes = append(r.Classes, c)
}

// sortStable orders classes by path and methods by name then descriptor so
// repeated runs produce comparable reports.
func (r *Report) sortStable() {
	sort.Slice(r.Classes, func(i, j int) bool { return r.Classes[i].Path < r.Classes[j].Path })
	for _, c := range r.Classes {
		m := c.Methods
		sort.Slice(m, func(i, j int) bool {
			if m[i].Method != m[j].Method {
				return m[i].Method < m[j].Method
			}
			return m[i].Descriptor < m[j].Descriptor
		})
	}
}

// Save writes the report as indented JSON, atomically.
func (r *Report) Save(path string) error {
	r.sortStable()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// writeAtomic lands data in a temp file next to path and renames it into
// place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
