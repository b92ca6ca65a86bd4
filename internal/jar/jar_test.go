package jar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSingleClass(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Foo.class")
	if err := os.WriteFile(path, []byte{0xca, 0xfe, 0xba, 0xbe}, 0o644); err != nil {
		t.Fatalf("write class: %v", err)
	}
	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if in.Kind != KindClass {
		t.Errorf("kind = %v, want class", in.Kind)
	}
	if len(in.Entries) != 1 || in.Entries[0].Name != "Foo.class" {
		t.Fatalf("entries = %+v", in.Entries)
	}
	if !in.Entries[0].IsClass() {
		t.Error("Foo.class should classify as a class entry")
	}
}

func TestJarRoundTripSortedAndPassthrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.jar")
	entries := []Entry{
		{Name: "z/Last.class", Data: []byte("zz")},
		{Name: "META-INF/MANIFEST.MF", Data: []byte("Manifest-Version: 1.0\n")},
		{Name: "a/First.class", Data: []byte("aa")},
	}
	if err := Write(path, KindJar, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if in.Kind != KindJar {
		t.Errorf("kind = %v, want jar", in.Kind)
	}
	want := []string{"META-INF/MANIFEST.MF", "a/First.class", "z/Last.class"}
	if len(in.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(in.Entries), len(want))
	}
	for i, name := range want {
		if in.Entries[i].Name != name {
			t.Errorf("entry %d = %q, want %q", i, in.Entries[i].Name, name)
		}
	}
	if string(in.Entries[0].Data) != "Manifest-Version: 1.0\n" {
		t.Errorf("non-class entry not passed through: %q", in.Entries[0].Data)
	}
}

func TestJarWriteIsReproducible(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		{Name: "b/B.class", Data: []byte("bbbb")},
		{Name: "a/A.class", Data: []byte("aaaa")},
	}
	p1 := filepath.Join(dir, "one.jar")
	p2 := filepath.Join(dir, "two.jar")
	if err := Write(p1, KindJar, entries); err != nil {
		t.Fatalf("Write one: %v", err)
	}
	// Reversed order must produce identical bytes.
	if err := Write(p2, KindJar, []Entry{entries[1], entries[0]}); err != nil {
		t.Fatalf("Write two: %v", err)
	}
	b1, err := os.ReadFile(p1)
	if err != nil {
		t.Fatalf("read one: %v", err)
	}
	b2, err := os.ReadFile(p2)
	if err != nil {
		t.Fatalf("read two: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("archives with the same entries differ byte-for-byte")
	}
}

func TestOpenDirSkipsVCS(t *testing.T) {
	root := t.TempDir()
	mustWrite := func(rel string, data []byte) {
		t.Helper()
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	mustWrite("pkg/B.class", []byte("b"))
	mustWrite("pkg/A.class", []byte("a"))
	mustWrite("notes.txt", []byte("n"))
	mustWrite(".git/HEAD", []byte("ref"))

	in, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if in.Kind != KindDir {
		t.Errorf("kind = %v, want dir", in.Kind)
	}
	want := []string{"notes.txt", "pkg/A.class", "pkg/B.class"}
	if len(in.Entries) != len(want) {
		t.Fatalf("entries = %+v, want names %v", in.Entries, want)
	}
	for i, name := range want {
		if in.Entries[i].Name != name {
			t.Errorf("entry %d = %q, want %q", i, in.Entries[i].Name, name)
		}
	}
}

func TestWriteDirMaterializesTree(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	entries := []Entry{
		{Name: "pkg/A.class", Data: []byte("a")},
		{Name: "notes.txt", Data: []byte("n")},
	}
	if err := Write(out, KindDir, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(out, "pkg", "A.class"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "a" {
		t.Errorf("data = %q, want %q", got, "a")
	}
}

func TestWriteClassRequiresOneEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Foo.class")
	err := Write(path, KindClass, []Entry{{Name: "a"}, {Name: "b"}})
	if err == nil {
		t.Fatal("Write accepted two entries for a class output")
	}
}

func TestSanitizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a/b.class", "a/b.class"},
		{"/abs/b.class", "abs/b.class"},
		{"../../escape.class", "escape.class"},
		{"a/./b/../c.class", "a/c.class"},
		{"C:\\win\\x.class", "win/x.class"},
		{"", "entry"},
	}
	for _, c := range cases {
		if got := SanitizePath(c.in); got != c.want {
			t.Errorf("SanitizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestOpenRejectsUnknownFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open accepted a file with an unknown extension")
	}
}
