// Package plan loads and validates the TOML run plan (classpatch.toml):
// which runtime probes to call, which classes and methods to instrument,
// which extra locals to declare, and where outputs go.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"classpatch/internal/classfile"
)

// Probe names the static runtime methods invoked at method entry and
// before every return. Class is a JVM internal name (slash-separated).
// Descriptors must return void and take either no parameters or a single
// java/lang/String, which receives the instrumented method's identity.
type Probe struct {
	Class           string `toml:"class"`
	EntryMethod     string `toml:"entry_method"`
	EntryDescriptor string `toml:"entry_descriptor"`
	ExitMethod      string `toml:"exit_method"`
	ExitDescriptor  string `toml:"exit_descriptor"`
}

// Select narrows which classes and methods receive probes. Include and
// Exclude hold glob patterns over internal class names; an empty Include
// list means every class. MethodExclude holds glob patterns over plain
// method names.
type Select struct {
	Include       []string `toml:"include"`
	Exclude       []string `toml:"exclude"`
	MethodExclude []string `toml:"method_exclude"`
	Constructors  bool     `toml:"constructors"`
	ClassInit     bool     `toml:"class_init"`
}

// Local is one extra local variable (or parameter) to declare, as a name
// plus a field descriptor.
type Local struct {
	Name       string `toml:"name"`
	Descriptor string `toml:"descriptor"`
}

// Locals lists extra locals declared in every instrumented method, plus an
// optional trailing parameter appended to the method's signature.
type Locals struct {
	Declare   []Local `toml:"declare"`
	Parameter *Local  `toml:"parameter"`
}

// Output names the run's artifacts.
type Output struct {
	Report   string `toml:"report"`
	Snapshot string `toml:"snapshot"`
	CacheDir string `toml:"cache_dir"`
}

// Plan is a fully resolved run plan.
type Plan struct {
	Probe  Probe  `toml:"probe"`
	Select Select `toml:"select"`
	Locals Locals `toml:"locals"`
	Output Output `toml:"output"`
}

// DefaultPlan returns the plan used when a key (or the whole file) is
// absent: probe classpatch/runtime/Trace.enter/leave with the method
// identity as the only argument, every class included, constructors and
// class initializers left alone.
func DefaultPlan() *Plan {
	return &Plan{
		Probe: Probe{
			Class:           "classpatch/runtime/Trace",
			EntryMethod:     "enter",
			EntryDescriptor: "(Ljava/lang/String;)V",
			ExitMethod:      "leave",
			ExitDescriptor:  "(Ljava/lang/String;)V",
		},
		Output: Output{
			Report:   "classpatch-report.json",
			Snapshot: "classpatch-frames.cbor",
			CacheDir: ".classpatch-cache",
		},
	}
}

// Load reads a plan file, fills absent keys from DefaultPlan, and
// validates the result.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p := DefaultPlan()
	if err := toml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s:\n%w", path, err)
	}
	return p, nil
}

// Validate checks every field that later stages rely on, aggregating all
// problems into one error.
func (p *Plan) Validate() error {
	var errs errlist

	if strings.TrimSpace(p.Probe.Class) == "" {
		errs.add("probe.class must be non-empty")
	} else if strings.ContainsAny(p.Probe.Class, ".;[") {
		errs.add("probe.class must be an internal name (slash-separated), got %q", p.Probe.Class)
	}
	checkProbeMethod(&errs, "entry", p.Probe.EntryMethod, p.Probe.EntryDescriptor)
	checkProbeMethod(&errs, "exit", p.Probe.ExitMethod, p.Probe.ExitDescriptor)

	for i, pat := range p.Select.Include {
		checkPattern(&errs, fmt.Sprintf("select.include[%d]", i), pat)
	}
	for i, pat := range p.Select.Exclude {
		checkPattern(&errs, fmt.Sprintf("select.exclude[%d]", i), pat)
	}
	for i, pat := range p.Select.MethodExclude {
		checkPattern(&errs, fmt.Sprintf("select.method_exclude[%d]", i), pat)
	}

	for i, l := range p.Locals.Declare {
		checkLocal(&errs, fmt.Sprintf("locals.declare[%d]", i), l)
	}
	if p.Locals.Parameter != nil {
		checkLocal(&errs, "locals.parameter", *p.Locals.Parameter)
	}

	if strings.TrimSpace(p.Output.Report) == "" {
		errs.add("output.report must be non-empty")
	}
	if strings.TrimSpace(p.Output.CacheDir) == "" {
		errs.add("output.cache_dir must be non-empty")
	}

	return errs.err()
}

func checkProbeMethod(errs *errlist, which, name, desc string) {
	if strings.TrimSpace(name) == "" {
		errs.add("probe.%s_method must be non-empty", which)
	}
	params, ret, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		errs.add("probe.%s_descriptor: %v", which, err)
		return
	}
	if ret != "V" {
		errs.add("probe.%s_descriptor must return void, got %q", which, desc)
	}
	switch {
	case len(params) == 0:
	case len(params) == 1 && params[0] == "Ljava/lang/String;":
	default:
		errs.add("probe.%s_descriptor must take no arguments or one java/lang/String, got %q", which, desc)
	}
}

func checkLocal(errs *errlist, prefix string, l Local) {
	if strings.TrimSpace(l.Name) == "" {
		errs.add("%s: name must be non-empty", prefix)
	} else if strings.ContainsAny(l.Name, " .;[/") {
		errs.add("%s: name %q is not a plain identifier", prefix, l.Name)
	}
	if err := classfile.CheckFieldDescriptor(l.Descriptor); err != nil {
		errs.add("%s: %v", prefix, err)
	}
}

func checkPattern(errs *errlist, prefix, pat string) {
	if strings.TrimSpace(pat) == "" {
		errs.add("%s: pattern must be non-empty", prefix)
	}
}

// IncludesClass reports whether the plan selects the named class (internal
// name). An empty include list selects everything; excludes win.
func (p *Plan) IncludesClass(name string) bool {
	for _, pat := range p.Select.Exclude {
		if matchGlob(pat, name) {
			return false
		}
	}
	if len(p.Select.Include) == 0 {
		return true
	}
	for _, pat := range p.Select.Include {
		if matchGlob(pat, name) {
			return true
		}
	}
	return false
}

// AllowsMethod reports whether the plan selects the named method.
// Constructors and class initializers are opt-in.
func (p *Plan) AllowsMethod(name string) bool {
	switch name {
	case "<init>":
		if !p.Select.Constructors {
			return false
		}
	case "<clinit>":
		if !p.Select.ClassInit {
			return false
		}
	}
	for _, pat := range p.Select.MethodExclude {
		if matchGlob(pat, name) {
			return false
		}
	}
	return true
}

// matchGlob matches pat against s where '*' spans any run of characters,
// slashes included, and '?' matches one character. Class patterns like
// com/example/* are meant as whole-subtree prefixes, so '*' deliberately
// crosses package separators.
func matchGlob(pat, s string) bool {
	// Iterative wildcard match with single-star backtracking.
	var starPat, starS = -1, 0
	pi, si := 0, 0
	for si < len(s) {
		switch {
		case pi < len(pat) && (pat[pi] == byte(s[si]) || pat[pi] == '?'):
			pi++
			si++
		case pi < len(pat) && pat[pi] == '*':
			starPat, starS = pi, si
			pi++
		case starPat >= 0:
			starS++
			pi = starPat + 1
			si = starS
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}

// Hash returns a stable digest of the plan's semantic content. It is
// computed from the resolved fields, not the file bytes, so reformatting
// or commenting the TOML does not invalidate the cache.
func (p *Plan) Hash() string {
	h := sha256.New()
	writeField := func(parts ...string) {
		for _, s := range parts {
			fmt.Fprintf(h, "%d:%s;", len(s), s)
		}
	}
	writeField(p.Probe.Class, p.Probe.EntryMethod, p.Probe.EntryDescriptor,
		p.Probe.ExitMethod, p.Probe.ExitDescriptor)
	writeList := func(l []string) {
		fmt.Fprintf(h, "#%d;", len(l))
		writeField(l...)
	}
	writeList(p.Select.Include)
	writeList(p.Select.Exclude)
	writeList(p.Select.MethodExclude)
	fmt.Fprintf(h, "%t;%t;", p.Select.Constructors, p.Select.ClassInit)
	fmt.Fprintf(h, "#%d;", len(p.Locals.Declare))
	for _, l := range p.Locals.Declare {
		writeField(l.Name, l.Descriptor)
	}
	if p.Locals.Parameter != nil {
		writeField(p.Locals.Parameter.Name, p.Locals.Parameter.Descriptor)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// starter is the commented plan written by Init.
const starter = `# classpatch run plan.

[probe]
# Runtime class receiving entry/exit calls, as a JVM internal name.
class = "classpatch/runtime/Trace"
# Static probe methods. Descriptors must return void and take either no
# arguments or a single java/lang/String (the instrumented method's
# identity, e.g. "com/example/Foo.bar(I)V").
entry_method = "enter"
entry_descriptor = "(Ljava/lang/String;)V"
exit_method = "leave"
exit_descriptor = "(Ljava/lang/String;)V"

[select]
# Glob patterns over internal class names. '*' crosses package separators.
# Empty include list means every class; excludes win.
include = []
exclude = ["java/*", "javax/*", "sun/*", "jdk/*"]
# Glob patterns over plain method names.
method_exclude = []
# Constructors and class initializers are skipped unless enabled here.
constructors = false
class_init = false

[locals]
# Extra locals declared in every instrumented method:
#   declare = [{ name = "traceState", descriptor = "I" }]
declare = []
# Optional extra trailing parameter appended to each method's signature:
#   parameter = { name = "traceCtx", descriptor = "Ljava/lang/Object;" }

[output]
report = "classpatch-report.json"
snapshot = "classpatch-frames.cbor"
cache_dir = ".classpatch-cache"
`

// Init writes a commented starter plan. It refuses to overwrite an
// existing file.
func Init(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("write starter plan: %w", err)
	}
	if _, err := io.WriteString(f, starter); err != nil {
		f.Close()
		return fmt.Errorf("write starter plan: %w", err)
	}
	return f.Close()
}
