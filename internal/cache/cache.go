// Package cache persists a content-addressed skip list between runs: the
// SHA-256 of each input class maps to the SHA-256 of its instrumented
// output and the outcome recorded for it. A re-run under the same plan
// hash skips classes whose input hash is already present. The snapshot is
// a JSON file written atomically; a missing or corrupt snapshot simply
// degrades to a full run.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("classpatch.cache")

const (
	indexFileName = "index.json"
	formatVersion = "1"
)

// Entry records one previously processed class.
type Entry struct {
	Output  string `json:"output"`  // sha256 of the instrumented bytes
	Outcome string `json:"outcome"` // class outcome replayed into the report
}

// Snapshot is the on-disk skip list. Classes is keyed by the sha256 of the
// original class bytes.
type Snapshot struct {
	FormatVersion string           `json:"formatVersion"`
	PlanHash      string           `json:"planHash"`
	Classes       map[string]Entry `json:"classes"`
}

// New returns an empty snapshot bound to a plan hash.
func New(planHash string) *Snapshot {
	return &Snapshot{
		FormatVersion: formatVersion,
		PlanHash:      planHash,
		Classes:       make(map[string]Entry),
	}
}

// HashBytes returns the lowercase hex sha256 of data, the key format used
// throughout the snapshot.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the recorded entry for an input hash.
func (s *Snapshot) Lookup(inputHash string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.Classes[inputHash]
	return e, ok
}

// Put records a processed class.
func (s *Snapshot) Put(inputHash string, e Entry) {
	if s.Classes == nil {
		s.Classes = make(map[string]Entry)
	}
	s.Classes[inputHash] = e
}

// Load reads the snapshot from <dir>/index.json. A missing file, a corrupt
// file, a version mismatch, or a different plan hash all return (nil, nil)
// so the caller falls back to a full run without branching on errors.
func Load(dir, planHash string) (*Snapshot, error) {
	path := filepath.Join(dir, indexFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		log.Warningf("ignoring corrupt cache %s: %s", path, err.Error())
		return nil, nil
	}
	if s.FormatVersion != formatVersion {
		log.Infof("ignoring cache %s: format %q", path, s.FormatVersion)
		return nil, nil
	}
	if s.PlanHash != planHash {
		log.Infof("ignoring cache %s: plan changed", path)
		return nil, nil
	}
	return &s, nil
}

// Save writes the snapshot atomically to <dir>/index.json: the bytes land
// in a temp file in the same directory, then a rename makes them visible.
func Save(dir string, s *Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-"+indexFileName+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
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
	return os.Rename(tmp, filepath.Join(dir, indexFileName))
}

// SaveBlob stores instrumented class bytes content-addressed under
// <dir>/blobs/aa/bb/<hash> so a cache hit can reproduce the output without
// re-running the engine. Existing blobs are left alone.
func SaveBlob(dir, hash string, data []byte) error {
	if !isHex(hash) || len(hash) < 6 {
		return errors.New("invalid hash for blob storage")
	}
	path := blobPath(dir, hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-blob-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadBlob loads a blob by content hash.
func ReadBlob(dir, hash string) ([]byte, error) {
	if !isHex(hash) || len(hash) < 6 {
		return nil, errors.New("invalid hash for blob read")
	}
	return os.ReadFile(blobPath(dir, hash))
}

// blobPath shards blobs two levels deep to keep directories small.
func blobPath(dir, hash string) string {
	return filepath.Join(dir, "blobs", hash[:2], hash[2:4], hash)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Clear removes the cache directory. Safe when it does not exist.
func Clear(dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return os.RemoveAll(dir)
}
