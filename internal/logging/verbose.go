// Package logging provides the same two-function verbose-diagnostic style
// sidkshatriya-dontbug used throughout its engine package (Verboseln/Verbosef,
// gated by a package-level flag, printed in yellow via fatih/color),
// generalized so every package in this repository can share it instead of
// each rolling its own gate.
package logging

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Enabled gates Verboseln/Verbosef, set from the --verbose CLI flag (see
// cmd/root.go).
var Enabled bool

// Verboseln prints args in yellow, space-separated with a trailing newline,
// only when Enabled.
func Verboseln(args ...interface{}) {
	if !Enabled {
		return
	}
	color.New(color.FgYellow).Fprint(os.Stderr, fmt.Sprintln(args...))
}

// Verbosef prints a formatted message in yellow, only when Enabled.
func Verbosef(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	color.New(color.FgYellow).Fprintln(os.Stderr, fmt.Sprintf(format, args...))
}
