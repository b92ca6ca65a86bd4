package report

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"classpatch/internal/classfile"
	"classpatch/internal/dump"
	"classpatch/internal/frame"
)

// cborEncMode is the canonical encoder for the frame sidecar: sorted map
// keys and canonical float forms keep the bytes stable across runs.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// FrameSnap is one frame rendered pool-independently: verification types
// appear as their display form (class names, "uninit@<offset>") so the
// sidecar stays meaningful without the constant pool it came from.
type FrameSnap struct {
	Offset int      `cbor:"offset"`
	Locals []string `cbor:"locals"`
	Stack  []string `cbor:"stack"`
}

// MethodFrames holds a touched method's frame table before and after
// instrumentation.
type MethodFrames struct {
	Class      string      `cbor:"class"`
	Method     string      `cbor:"method"`
	Descriptor string      `cbor:"descriptor"`
	Before     []FrameSnap `cbor:"before"`
	After      []FrameSnap `cbor:"after"`
}

// Snapshot is the sidecar document.
type Snapshot struct {
	RunID   string         `cbor:"runId"`
	Methods []MethodFrames `cbor:"methods"`
}

// CaptureFrames renders resolved frames into their snapshot form.
func CaptureFrames(frames []frame.Frame, pool *classfile.ConstPool) []FrameSnap {
	out := make([]FrameSnap, 0, len(frames))
	for _, fr := range frames {
		snap := FrameSnap{
			Offset: fr.Offset,
			Locals: make([]string, 0, len(fr.Locals)),
			Stack:  make([]string, 0, len(fr.Stack)),
		}
		for _, t := range fr.Locals {
			snap.Locals = append(snap.Locals, dump.Type(t, pool))
		}
		for _, t := range fr.Stack {
			snap.Stack = append(snap.Stack, dump.Type(t, pool))
		}
		out = append(out, snap)
	}
	return out
}

// Add records one method's before/after tables.
func (s *Snapshot) Add(m MethodFrames) {
	s.Methods = append(s.Methods, m)
}

// SaveSnapshot writes the sidecar in canonical CBOR, atomically.
func SaveSnapshot(path string, s *Snapshot) error {
	data, err := cborEncMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadSnapshot reads a sidecar written by SaveSnapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &s, nil
}
