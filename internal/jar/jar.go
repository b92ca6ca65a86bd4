// Package jar reads and writes the inputs the CLI accepts: a single
// .class file, a .jar/.zip archive, or a directory tree. Archive output is
// reproducible: fixed timestamps, sorted entries, sanitized paths.
package jar

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("classpatch.jar")

// FixedZipTime keeps archives byte-for-byte reproducible (1980-01-01 UTC).
var FixedZipTime = time.Unix(315532800, 0).UTC()

// Kind classifies an input.
type Kind int

const (
	KindClass Kind = iota // single .class file
	KindJar               // .jar or .zip archive
	KindDir               // directory tree
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindJar:
		return "jar"
	case KindDir:
		return "dir"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Entry is one file inside an input. Name uses forward slashes and is
// relative to the input root (for a single .class input it is the file's
// base name).
type Entry struct {
	Name string
	Data []byte
}

// IsClass reports whether the entry holds a class file.
func (e Entry) IsClass() bool {
	return strings.HasSuffix(e.Name, ".class")
}

// Input is a fully read input with its entries in sorted order.
type Input struct {
	Path    string
	Kind    Kind
	Entries []Entry
}

// skipDirs are directory names never descended into when walking a tree.
var skipDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, ".classpatch-cache": true,
}

// Open reads path and classifies it. Archive and directory entries come
// back sorted by name so downstream processing and reports are stable.
func Open(path string) (*Input, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	switch {
	case fi.IsDir():
		return openDir(path)
	case strings.HasSuffix(path, ".class"):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read class: %w", err)
		}
		return &Input{
			Path:    path,
			Kind:    KindClass,
			Entries: []Entry{{Name: filepath.Base(path), Data: data}},
		}, nil
	case strings.HasSuffix(path, ".jar") || strings.HasSuffix(path, ".zip"):
		return openJar(path)
	}
	return nil, fmt.Errorf("open input %s: not a .class, .jar, .zip, or directory", path)
}

func openJar(path string) (*Input, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open jar %s: %w", path, err)
	}
	defer zr.Close()

	in := &Input{Path: path, Kind: KindJar}
	files := make([]*zip.File, 0, len(zr.File))
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		files = append(files, zf)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	for _, zf := range files {
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open jar entry %s: %w", zf.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read jar entry %s: %w", zf.Name, err)
		}
		in.Entries = append(in.Entries, Entry{Name: SanitizePath(zf.Name), Data: data})
	}
	return in, nil
}

func openDir(root string) (*Input, error) {
	in := &Input{Path: root, Kind: KindDir}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warningf("skipping %s: %s", path, err.Error())
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		in.Entries = append(in.Entries, Entry{Name: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Slice(in.Entries, func(i, j int) bool { return in.Entries[i].Name < in.Entries[j].Name })
	return in, nil
}

// Write materializes entries at path in the same shape the input had: a
// bare file for KindClass, a reproducible archive for KindJar, a tree for
// KindDir. File and archive writes go through a temp file in the
// destination directory followed by a rename.
func Write(path string, kind Kind, entries []Entry) error {
	switch kind {
	case KindClass:
		if len(entries) != 1 {
			return fmt.Errorf("write %s: class output needs exactly one entry, got %d", path, len(entries))
		}
		return atomicWrite(path, entries[0].Data)
	case KindJar:
		var buf bytes.Buffer
		if err := writeArchive(&buf, entries); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return atomicWrite(path, buf.Bytes())
	case KindDir:
		for _, e := range entries {
			dst := filepath.Join(path, filepath.FromSlash(SanitizePath(e.Name)))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := atomicWrite(dst, e.Data); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("write %s: unknown input kind %v", path, kind)
}

// writeArchive emits entries into a deterministic ZIP stream. Entries are
// re-sorted in case the caller reordered them.
func writeArchive(w io.Writer, entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	zw := zip.NewWriter(w)
	for _, e := range sorted {
		h := &zip.FileHeader{Name: SanitizePath(e.Name), Method: zip.Deflate}
		h.SetMode(0o644)
		h.Modified = FixedZipTime
		ew, err := zw.CreateHeader(h)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", e.Name, err)
		}
		if _, err := ew.Write(e.Data); err != nil {
			return fmt.Errorf("write entry %s: %w", e.Name, err)
		}
	}
	return zw.Close()
}

// SanitizePath normalizes archive entry paths: forward slashes, no drive
// prefix, no leading '/', and no '.' or '..' segments escaping the root.
func SanitizePath(p string) string {
	s := filepath.ToSlash(p)
	if len(s) > 1 && s[1] == ':' {
		s = s[2:]
	}
	s = strings.TrimLeft(s, "/")
	parts := strings.Split(s, "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
			continue
		}
		stack = append(stack, part)
	}
	s = strings.Join(stack, "/")
	if s == "" {
		return "entry"
	}
	return s
}

// atomicWrite writes data next to the destination and renames it into
// place so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
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
