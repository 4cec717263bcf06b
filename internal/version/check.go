// Package version validates that a configured executable exists on PATH (or
// at an explicit path) and reports a version satisfying a semver constraint.
//
// Grounded on sidkshatriya-dontbug's engine/base.go, which runs
// `<exe> --version`, extracts a version substring with a regexp, and checks
// it against a minimum with github.com/Masterminds/semver before letting a
// debug session start (see checkPhpExecutable, CheckRRExecutable,
// CheckGdbExecutable, getPathAndVersionLineOrFatal). This package repurposes
// that exact pattern from PHP/rr/gdb to the shell adapter's backing
// executable.
package version

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Masterminds/semver"
)

var versionLineRe = regexp.MustCompile(`(\d+\.\d+(\.\d+)?)`)

// Check locates exe (resolving through PATH if exe is a bare name), runs it
// with versionFlag, and verifies the first dotted-number substring of its
// output satisfies constraint. It returns the resolved path and the raw
// version string found.
func Check(exe, versionFlag, constraint string) (path, rawVersion string, err error) {
	resolved, err := exec.LookPath(exe)
	if err != nil {
		return "", "", fmt.Errorf("version: could not find executable %q on PATH: %w", exe, err)
	}

	out, err := exec.Command(resolved, versionFlag).CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("version: failed to run %q %s: %w", resolved, versionFlag, err)
	}

	match := versionLineRe.FindString(string(out))
	if match == "" {
		return "", "", fmt.Errorf("version: could not find a version number in %q output:\n%s", resolved, strings.TrimSpace(string(out)))
	}

	if constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return "", "", fmt.Errorf("version: invalid constraint %q: %w", constraint, err)
		}
		v, err := semver.NewVersion(match)
		if err != nil {
			return "", "", fmt.Errorf("version: could not parse version %q from %q: %w", match, resolved, err)
		}
		if !c.Check(v) {
			return "", "", fmt.Errorf("version: %q reports version %s, which does not satisfy %q", resolved, match, constraint)
		}
	}

	return resolved, match, nil
}
