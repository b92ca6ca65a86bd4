package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classpatch.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writePlan(t, `
[select]
exclude = ["java/*"]
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Probe.Class != "classpatch/runtime/Trace" {
		t.Errorf("probe class = %q, want default", p.Probe.Class)
	}
	if p.Probe.EntryMethod != "enter" || p.Probe.ExitMethod != "leave" {
		t.Errorf("probe methods = %q/%q, want enter/leave", p.Probe.EntryMethod, p.Probe.ExitMethod)
	}
	if p.Output.Report != "classpatch-report.json" {
		t.Errorf("report = %q, want default", p.Output.Report)
	}
	if got := p.Select.Exclude; len(got) != 1 || got[0] != "java/*" {
		t.Errorf("exclude = %v, want [java/*]", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writePlan(t, `
[probe]
class = "acme/Hooks"
entry_method = "in"
entry_descriptor = "()V"
exit_method = "out"
exit_descriptor = "()V"

[locals]
declare = [{ name = "mark", descriptor = "I" }]
parameter = { name = "ctx", descriptor = "Ljava/lang/Object;" }
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Probe.Class != "acme/Hooks" || p.Probe.EntryDescriptor != "()V" {
		t.Errorf("probe = %+v", p.Probe)
	}
	if len(p.Locals.Declare) != 1 || p.Locals.Declare[0].Name != "mark" {
		t.Errorf("declare = %+v", p.Locals.Declare)
	}
	if p.Locals.Parameter == nil || p.Locals.Parameter.Descriptor != "Ljava/lang/Object;" {
		t.Errorf("parameter = %+v", p.Locals.Parameter)
	}
}

func TestLoadAggregatesValidationErrors(t *testing.T) {
	path := writePlan(t, `
[probe]
class = "acme.Hooks"
entry_descriptor = "(I)V"

[locals]
declare = [{ name = "x", descriptor = "Q" }]
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load accepted an invalid plan")
	}
	msg := err.Error()
	for _, want := range []string{"probe.class", "probe.entry_descriptor", "locals.declare[0]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidateRejectsNonVoidProbe(t *testing.T) {
	p := DefaultPlan()
	p.Probe.ExitDescriptor = "()I"
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "probe.exit_descriptor") {
		t.Fatalf("Validate = %v, want exit descriptor error", err)
	}
}

func TestIncludesClass(t *testing.T) {
	p := DefaultPlan()
	p.Select.Include = []string{"com/example/*"}
	p.Select.Exclude = []string{"com/example/generated/*"}

	cases := []struct {
		name string
		want bool
	}{
		{"com/example/Foo", true},
		{"com/example/deep/Bar", true},
		{"com/example/generated/Stub", false},
		{"org/other/Baz", false},
	}
	for _, c := range cases {
		if got := p.IncludesClass(c.name); got != c.want {
			t.Errorf("IncludesClass(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIncludesClassEmptyIncludeMeansAll(t *testing.T) {
	p := DefaultPlan()
	if !p.IncludesClass("any/Thing") {
		t.Error("empty include list should select every class")
	}
}

func TestAllowsMethod(t *testing.T) {
	p := DefaultPlan()
	p.Select.MethodExclude = []string{"toString", "lambda$*"}

	if p.AllowsMethod("<init>") {
		t.Error("constructors should be excluded by default")
	}
	if p.AllowsMethod("<clinit>") {
		t.Error("class initializers should be excluded by default")
	}
	p.Select.Constructors = true
	if !p.AllowsMethod("<init>") {
		t.Error("constructors should be allowed when enabled")
	}
	if p.AllowsMethod("toString") {
		t.Error("toString is excluded by pattern")
	}
	if p.AllowsMethod("lambda$run$0") {
		t.Error("lambda$run$0 matches lambda$*")
	}
	if !p.AllowsMethod("run") {
		t.Error("run should be allowed")
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pat, s string
		want   bool
	}{
		{"*", "anything/at/all", true},
		{"com/*/Foo", "com/a/b/Foo", true},
		{"com/*", "org/Foo", false},
		{"Foo?", "Food", true},
		{"Foo?", "Foo", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, c := range cases {
		if got := matchGlob(c.pat, c.s); got != c.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", c.pat, c.s, got, c.want)
		}
	}
}

func TestHashIgnoresOutputAndFormatting(t *testing.T) {
	a, err := Load(writePlan(t, "[select]\nexclude = [\"java/*\"]\n"))
	if err != nil {
		t.Fatalf("Load a: %v", err)
	}
	b, err := Load(writePlan(t, "# same plan, different file\n[select]\nexclude = [ \"java/*\" ]\n\n[output]\nreport = \"elsewhere.json\"\n"))
	if err != nil {
		t.Fatalf("Load b: %v", err)
	}
	if a.Hash() != b.Hash() {
		t.Error("hash should ignore comments, whitespace, and output paths")
	}

	c := DefaultPlan()
	c.Select.Exclude = []string{"java/*"}
	c.Select.Constructors = true
	if a.Hash() == c.Hash() {
		t.Error("hash should change when selection changes")
	}
}

func TestInitWritesLoadablePlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classpatch.toml")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load starter: %v", err)
	}
	if p.Probe.Class != "classpatch/runtime/Trace" {
		t.Errorf("starter probe class = %q", p.Probe.Class)
	}
	if err := Init(path); err == nil {
		t.Error("Init should refuse to overwrite an existing plan")
	}
}
