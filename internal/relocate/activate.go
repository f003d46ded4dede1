// SPDX-License-Identifier: MPL-2.0

package relocate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Layout contract for runtime environments. The activation script sits a
// fixed number of directory levels below the environment root; the relocation
// expression walks back up that many levels at execution time. The two
// constants live together so a layout change cannot desynchronize them
// unnoticed — NormalizeActivate cross-checks them before rewriting.
const (
	// ActivateScript is the activation script path relative to the
	// environment root, in slash form.
	ActivateScript = "bin/activate"

	// activateDepth is the number of directory levels between the activation
	// script and the environment root.
	activateDepth = 1
)

// rootAssignRe matches the literal installation-root assignment written by
// the environment installer, e.g.:
//
//	VIRTUAL_ENV="/build/.venv"
//	export VIRTUAL_ENV=/build/.venv
var rootAssignRe = regexp.MustCompile(`^(\s*(?:export\s+)?VIRTUAL_ENV=)("?)(/[^"\n]*)("?)\s*$`)

// NormalizeActivate rewrites the activation script under envRoot so that the
// installation root is computed from the script's own location instead of
// being a baked-in absolute path. After normalization the script is correct
// wherever the archive is later extracted, as long as the relative layout is
// preserved.
//
// The rewritten script is re-parsed as POSIX shell before the original is
// discarded; a script this pass would break is a rewrite failure, not a
// warning. Returns the pre-rewrite Record, or nil if the script was already
// normalized.
func NormalizeActivate(envRoot string) (*Record, error) {
	if err := checkLayoutContract(); err != nil {
		return nil, err
	}

	path := filepath.Join(envRoot, filepath.FromSlash(ActivateScript))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RewriteError{Path: path, Cause: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &RewriteError{Path: path, Cause: err}
	}

	lines := strings.Split(string(data), "\n")
	rewritten := false
	already := false
	for i, line := range lines {
		m := rootAssignRe.FindStringSubmatch(line)
		if m == nil {
			// Idempotence: a previous run replaced the literal with the
			// computed expression, which no longer matches the literal form.
			if strings.HasPrefix(strings.TrimSpace(line), "VIRTUAL_ENV=$(") ||
				strings.HasPrefix(strings.TrimSpace(line), "export VIRTUAL_ENV=$(") {
				already = true
			}
			continue
		}
		lines[i] = m[1] + relocatableRootExpr()
		rewritten = true
	}

	if !rewritten {
		if already {
			return nil, nil
		}
		return nil, &RewriteError{
			Path:  path,
			Cause: fmt.Errorf("no literal installation-root assignment found"),
		}
	}

	out := strings.Join(lines, "\n")
	if err := checkShellSyntax(path, out); err != nil {
		return nil, &RewriteError{Path: path, Cause: err}
	}

	if err := os.WriteFile(path, []byte(out), info.Mode()); err != nil {
		return nil, &RewriteError{Path: path, Cause: err}
	}

	return &Record{Path: path, Original: data, Mode: info.Mode()}, nil
}

// relocatableRootExpr builds the shell expression that resolves the
// environment root from the activation script's own location, walking up
// activateDepth directory levels. ${BASH_SOURCE[0]:-$0} keeps the expression
// working when the script is sourced from bash, zsh, or plain sh.
func relocatableRootExpr() string {
	up := strings.Repeat("/..", activateDepth)
	return fmt.Sprintf(`$(cd "$(dirname "${BASH_SOURCE[0]:-$0}")%s" > /dev/null 2>&1 && pwd)`, up)
}

// checkLayoutContract verifies that activateDepth still matches the actual
// position of ActivateScript. The two constants are maintained together, but
// this check turns a missed edit into an immediate error instead of a
// subtly wrong archive.
func checkLayoutContract() error {
	levels := strings.Count(ActivateScript, "/")
	if levels != activateDepth {
		return fmt.Errorf("layout contract violation: %s is %d level(s) below the root but activateDepth is %d",
			ActivateScript, levels, activateDepth)
	}
	return nil
}

// checkShellSyntax parses src as POSIX-compatible shell and returns the
// parse error, if any.
func checkShellSyntax(name, src string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(bytes.NewReader([]byte(src)), name); err != nil {
		return fmt.Errorf("rewritten script does not parse: %w", err)
	}
	return nil
}
