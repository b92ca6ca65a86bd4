// Package main provides the classpatch CLI: it rewrites JVM class files
// under an instrumentation plan while keeping their verification-frame
// tables, local-variable tables, and exception metadata consistent.
//
// Modes:
//   - instrument <input> -plan classpatch.toml [-out path]  : full pipeline
//   - dump <input> [-method name] [-diff other]             : print frame tables
//   - verify <input>                                        : structural check only
//   - plan-init [-path classpatch.toml]                     : write a starter plan
//
// <input> is a .class file, a .jar/.zip, or a directory walked recursively.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tliron/commonlog"

	"classpatch/internal/cache"
	"classpatch/internal/classfile"
	"classpatch/internal/dump"
	"classpatch/internal/graph"
	"classpatch/internal/instrument"
	"classpatch/internal/jar"
	"classpatch/internal/meta"
	"classpatch/internal/plan"
	"classpatch/internal/report"
	"classpatch/internal/verify"

	_ "github.com/tliron/commonlog/simple"
)

func usage() {
	name := "classpatch"
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s instrument <input> -plan classpatch.toml [-out path] [-report path] [-cache dir] [-v]\n", name)
	fmt.Fprintf(os.Stderr, "  %s dump <input> [-method name] [-diff other] [-v]\n", name)
	fmt.Fprintf(os.Stderr, "  %s verify <input> [-v]\n", name)
	fmt.Fprintf(os.Stderr, "  %s plan-init [-path classpatch.toml]\n", name)
	fmt.Fprintf(os.Stderr, "  %s -version\n", name)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "instrument":
		err = runInstrument(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:], os.Stdout)
	case "verify":
		err = runVerify(os.Args[2:], os.Stdout)
	case "plan-init":
		err = runPlanInit(os.Args[2:])
	case "-version", "--version", "version":
		fmt.Println(meta.Ident())
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func configureLogging(verbose bool) {
	verbosity := 0
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
}

// loadPlan reads the plan, falling back to defaults when the default plan
// file simply does not exist.
func loadPlan(path string) (*plan.Plan, error) {
	p, err := plan.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) && path == "classpatch.toml" {
		return plan.DefaultPlan(), nil
	}
	return p, err
}

func runInstrument(args []string) error {
	fs := flag.NewFlagSet("instrument", flag.ExitOnError)
	planPath := fs.String("plan", "classpatch.toml", "plan file")
	outPath := fs.String("out", "", "output path (default: rewrite the input in place)")
	reportPath := fs.String("report", "", "report path (overrides the plan)")
	cacheDir := fs.String("cache", "", "cache directory (overrides the plan)")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("instrument: exactly one input expected")
	}
	configureLogging(*verbose)

	p, err := loadPlan(*planPath)
	if err != nil {
		return err
	}
	if *reportPath != "" {
		p.Output.Report = *reportPath
	}
	if *cacheDir != "" {
		p.Output.CacheDir = *cacheDir
	}
	planHash := p.Hash()

	in, err := jar.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	prev, err := cache.Load(p.Output.CacheDir, planHash)
	if err != nil {
		return err
	}
	next := cache.New(planHash)
	rep := report.New(*planPath, planHash)
	sidecar := &report.Snapshot{RunID: rep.RunID}

	var parsed []*classfile.File
	out := make([]jar.Entry, 0, len(in.Entries))
	counts := map[string]int{}

	for _, e := range in.Entries {
		if !e.IsClass() {
			out = append(out, e)
			continue
		}
		inHash := cache.HashBytes(e.Data)

		if prior, ok := prev.Lookup(inHash); ok {
			if data, err := cache.ReadBlob(p.Output.CacheDir, prior.Output); err == nil {
				out = append(out, jar.Entry{Name: e.Name, Data: data})
				next.Put(inHash, prior)
				rep.AddClass(report.Class{
					Path:         e.Name,
					SHA256Before: inHash,
					SHA256After:  prior.Output,
					Outcome:      prior.Outcome,
				})
				counts[prior.Outcome]++
				if f, err := classfile.Parse(data); err == nil {
					parsed = append(parsed, f)
				}
				continue
			}
			// Blob missing; fall through to a full run for this class.
		}

		res, err := instrument.Class(e.Data, p)
		if err != nil {
			out = append(out, e)
			rep.AddClass(report.Class{
				Path:         e.Name,
				SHA256Before: inHash,
				Outcome:      "failed",
				Methods: []report.Method{{
					Class:    e.Name,
					Outcome:  "failed",
					Warnings: []string{err.Error()},
				}},
			})
			counts["failed"]++
			continue
		}

		data := e.Data
		outcome := "unchanged"
		if res.Changed {
			data = res.File.Bytes()
			outcome = "instrumented"
		}
		outHash := cache.HashBytes(data)
		out = append(out, jar.Entry{Name: e.Name, Data: data})
		parsed = append(parsed, res.File)

		cls := report.Class{
			Path:         e.Name,
			SHA256Before: inHash,
			SHA256After:  outHash,
			Outcome:      outcome,
		}
		for _, mr := range res.Methods {
			cls.Methods = append(cls.Methods, report.Method{
				Class:        res.ClassName,
				Method:       mr.Name,
				Descriptor:   mr.Descriptor,
				Outcome:      mr.Outcome,
				FramesBefore: mr.FramesBefore,
				FramesAfter:  mr.FramesAfter,
				Warnings:     mr.Warnings,
			})
			if mr.AfterFrames != nil {
				sidecar.Add(report.MethodFrames{
					Class:      res.ClassName,
					Method:     mr.Name,
					Descriptor: mr.Descriptor,
					Before:     report.CaptureFrames(mr.BeforeFrames, res.File.Pool),
					After:      report.CaptureFrames(mr.AfterFrames, res.File.Pool),
				})
			}
		}
		rep.AddClass(cls)
		counts[outcome]++

		next.Put(inHash, cache.Entry{Output: outHash, Outcome: outcome})
		if err := cache.SaveBlob(p.Output.CacheDir, outHash, data); err != nil {
			return err
		}
	}

	rep.Graph = graph.Build(parsed)

	dest := *outPath
	if dest == "" {
		dest = in.Path
	}
	if err := jar.Write(dest, in.Kind, out); err != nil {
		return err
	}
	if err := rep.Save(p.Output.Report); err != nil {
		return err
	}
	if p.Output.Snapshot != "" {
		if err := report.SaveSnapshot(p.Output.Snapshot, sidecar); err != nil {
			return err
		}
	}
	if err := cache.Save(p.Output.CacheDir, next); err != nil {
		return err
	}

	fmt.Printf("%s: %d instrumented, %d unchanged, %d failed -> %s\n",
		fs.Arg(0), counts["instrumented"], counts["unchanged"], counts["failed"], dest)
	return nil
}

func runDump(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	methodName := fs.String("method", "", "dump only methods with this name")
	diffWith := fs.String("diff", "", "second input; print a unified diff of the dumps")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("dump: exactly one input expected")
	}
	configureLogging(*verbose)

	a, err := dumpInput(fs.Arg(0), *methodName)
	if err != nil {
		return err
	}
	if *diffWith == "" {
		fmt.Fprint(w, a)
		return nil
	}
	b, err := dumpInput(*diffWith, *methodName)
	if err != nil {
		return err
	}
	d, err := dump.Unified(fs.Arg(0), *diffWith, a, b)
	if err != nil {
		return err
	}
	fmt.Fprint(w, d)
	return nil
}

// dumpInput renders the frame tables of every class in an input.
func dumpInput(path, methodName string) (string, error) {
	in, err := jar.Open(path)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, e := range in.Entries {
		if !e.IsClass() {
			continue
		}
		f, err := classfile.Parse(e.Data)
		if err != nil {
			return "", fmt.Errorf("%s: %w", e.Name, err)
		}
		if methodName == "" {
			text, err := dump.Class(f)
			if err != nil {
				return "", fmt.Errorf("%s: %w", e.Name, err)
			}
			sb.WriteString(text)
			continue
		}
		for i := range f.Methods {
			name, _, err := f.MemberName(&f.Methods[i])
			if err != nil || name != methodName {
				continue
			}
			text, err := dump.Method(f, &f.Methods[i])
			if err != nil {
				return "", fmt.Errorf("%s: %w", e.Name, err)
			}
			sb.WriteString(text)
		}
	}
	return sb.String(), nil
}

func runVerify(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("verify: exactly one input expected")
	}
	configureLogging(*verbose)

	in, err := jar.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	failures := 0
	for _, e := range in.Entries {
		if !e.IsClass() {
			continue
		}
		f, err := classfile.Parse(e.Data)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", e.Name, err)
			failures++
			continue
		}
		for i := range f.Methods {
			if _, err := verify.CheckMethod(f, &f.Methods[i]); err != nil {
				fmt.Fprintf(w, "%s: %v\n", e.Name, err)
				failures++
			}
		}
	}
	if failures > 0 {
		return fmt.Errorf("verify: %d failure(s)", failures)
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func runPlanInit(args []string) error {
	fs := flag.NewFlagSet("plan-init", flag.ExitOnError)
	path := fs.String("path", "classpatch.toml", "where to write the starter plan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := plan.Init(*path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *path)
	return nil
}
