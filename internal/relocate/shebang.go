// SPDX-License-Identifier: MPL-2.0

// Package relocate makes an installed runtime environment position
// independent. It rewrites script interpreter lines to a PATH-resolved form
// and edits the activation script so the installation root is recomputed from
// the script's own location at execution time.
//
// Every in-place mutation is captured as a Record (path plus original bytes)
// before the file is touched, so a dry run can report planned changes and
// roll them back without re-deriving the originals.
package relocate

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// envShebang is the relocatable interpreter-line prefix. Scripts rewritten to
// this form resolve their interpreter by searching PATH instead of embedding
// the absolute path of the build machine's environment.
const envShebang = "#!/usr/bin/env"

type (
	// Record captures one file's content before an in-place rewrite.
	// A slice of Records is enough to restore the tree to its pre-relocation
	// state, which backs the dry-run mode.
	Record struct {
		// Path is the absolute path of the mutated file.
		Path string
		// Original is the file content before the rewrite.
		Original []byte
		// Mode is the file mode before the rewrite.
		Mode fs.FileMode
	}

	// RewriteError reports a file that should have been made relocatable but
	// could not be. It aborts the whole build: a partially relocatable
	// environment produces a silently broken artifact, which is worse than
	// no artifact.
	RewriteError struct {
		// Path is the file that could not be rewritten.
		Path string
		// Cause is the underlying failure.
		Cause error
	}
)

// Error implements the error interface.
func (e *RewriteError) Error() string {
	return fmt.Sprintf("cannot rewrite %s: %v", e.Path, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *RewriteError) Unwrap() error {
	return e.Cause
}

// RewriteShebangs walks dir and rewrites the interpreter line of every
// regular script file whose interpreter is an absolute path inside envRoot.
// The new line is "#!/usr/bin/env <interpreter-name>", preserving any
// arguments after the interpreter path.
//
// Symlinks are never rewritten; the link target is a regular file that the
// walk reaches on its own. Files already carrying the env form are left
// untouched, which makes the rewrite idempotent. Returns one Record per
// mutated file, sorted by path.
func RewriteShebangs(dir, envRoot string) ([]Record, error) {
	absEnv, err := filepath.Abs(envRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving environment root: %w", err)
	}

	var records []Record
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rec, rwErr := rewriteFile(path, absEnv)
		if rwErr != nil {
			return rwErr
		}
		if rec != nil {
			records = append(records, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

// rewriteFile rewrites a single file's shebang if needed. Returns a non-nil
// Record when the file was mutated, nil when it was skipped.
func rewriteFile(path, absEnv string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RewriteError{Path: path, Cause: err}
	}
	if !bytes.HasPrefix(data, []byte("#!")) {
		return nil, nil
	}

	line, rest, _ := bytes.Cut(data, []byte("\n"))
	replacement, ok := relocatableShebang(string(line), absEnv)
	if !ok {
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &RewriteError{Path: path, Cause: err}
	}

	var out bytes.Buffer
	out.Grow(len(data))
	out.WriteString(replacement)
	out.WriteByte('\n')
	out.Write(rest)

	if err := os.WriteFile(path, out.Bytes(), info.Mode()); err != nil {
		return nil, &RewriteError{Path: path, Cause: err}
	}

	return &Record{Path: path, Original: data, Mode: info.Mode()}, nil
}

// relocatableShebang computes the env-form interpreter line for a shebang
// pointing inside absEnv. Returns ok=false when no rewrite is needed: the
// line already uses the env form, the interpreter is not an absolute path,
// or it lives outside the environment.
func relocatableShebang(line, absEnv string) (string, bool) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "#!"))
	if body == "" {
		return "", false
	}

	fields := strings.Fields(body)
	interp := fields[0]

	// Idempotence: the env form is the fixed point of this rewrite.
	if interp == strings.TrimPrefix(envShebang, "#!") {
		return "", false
	}
	if !filepath.IsAbs(interp) {
		return "", false
	}
	if !withinDir(absEnv, interp) {
		return "", false
	}

	parts := append([]string{envShebang, filepath.Base(interp)}, fields[1:]...)
	return strings.Join(parts, " "), true
}

// Restore writes every record's original content back. Used by dry-run mode
// and by failure paths that must leave the environment untouched.
func Restore(records []Record) error {
	for _, rec := range records {
		if err := os.WriteFile(rec.Path, rec.Original, rec.Mode); err != nil {
			return fmt.Errorf("restoring %s: %w", rec.Path, err)
		}
	}
	return nil
}

// withinDir reports whether path is lexically inside dir.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
