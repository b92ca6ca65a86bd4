// Package meta reports the tool's identity for the CLI -version flag and
// the run report.
package meta

import "runtime/debug"

// Tool is the canonical tool name embedded in reports.
const Tool = "classpatch"

// Version returns the module version recorded by the Go toolchain, or
// "dev" for local builds.
func Version() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "dev"
	}
	return bi.Main.Version
}

// Ident returns "classpatch <version>" for banners and reports.
func Ident() string {
	return Tool + " " + Version()
}
