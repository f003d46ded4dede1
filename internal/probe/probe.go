// SPDX-License-Identifier: MPL-2.0

// Package probe inspects a filesystem tree and reports the binary format of
// every file under a designated executables directory, plus a single platform
// tag for the tree as a whole.
//
// Classification works over a closed variant set — native executable, shared
// library, interpreted script, or none — with one detection predicate per
// format. The platform tag is derived from the native binaries found during
// the walk; if two binaries disagree, the tree is considered corrupted (or a
// mixed-platform environment) and probing fails with a TagMismatchError
// rather than silently picking one.
package probe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoBinaries indicates that no native binary was found, so no platform
// tag could be derived for the tree.
var ErrNoBinaries = errors.New("no native binaries found")

type (
	// FileEntry is one file discovered during the probe walk. Entries are
	// immutable once captured.
	FileEntry struct {
		// Path is relative to the probed root, in slash form.
		Path string
		// Format is the detected binary format.
		Format Format
		// Interpreter is the interpreter line for scripts (without "#!").
		Interpreter string
		// Tag is the platform tag for native binaries; nil otherwise.
		Tag *Tag
	}

	// Inconsistency records a file that could not be inspected. It does not
	// stop the probe; the caller decides whether the report is usable.
	Inconsistency struct {
		// Path is relative to the probed root.
		Path string
		// Reason describes why the file could not be classified.
		Reason string
	}

	// Report is the outcome of probing a tree.
	Report struct {
		// Tag is the platform tag shared by every native binary in the tree.
		Tag Tag
		// Files lists every regular file inspected, in walk order.
		Files []FileEntry
		// Inconsistencies lists files that could not be opened or parsed.
		Inconsistencies []Inconsistency
	}

	// TagMismatchError is returned when two inspected binaries report
	// different platform tags. This blocks archiving: a mixed-platform
	// environment would produce a silently non-executable artifact.
	TagMismatchError struct {
		// FirstPath is the binary that established the reference tag.
		FirstPath string
		// FirstTag is the reference tag.
		FirstTag Tag
		// Path is the binary that disagreed.
		Path string
		// Tag is the disagreeing tag.
		Tag Tag
	}
)

// Error implements the error interface.
func (e *TagMismatchError) Error() string {
	return fmt.Sprintf("platform tag mismatch: %s is %s but %s is %s",
		e.FirstPath, e.FirstTag, e.Path, e.Tag)
}

// Probe walks root/sub and classifies every regular file found. Symlinks are
// recorded but not followed; the archive builder dereferences them later.
//
// Unreadable or unparseable files become Inconsistency records and the walk
// continues. A platform tag disagreement between two native binaries aborts
// with a *TagMismatchError. If the walk finds no native binary at all, Probe
// returns ErrNoBinaries, since no platform tag can be derived.
func Probe(root, sub string) (*Report, error) {
	start := filepath.Join(root, sub)
	info, err := os.Stat(start)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", start, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("probing %s: not a directory", start)
	}

	report := &Report{}
	var firstTagged string

	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			rel := relOrPath(root, path)
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
				Path:   rel,
				Reason: walkErr.Error(),
			})
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel := relOrPath(root, path)

		det, classErr := Classify(path)
		if classErr != nil {
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
				Path:   rel,
				Reason: classErr.Error(),
			})
			return nil
		}

		entry := FileEntry{
			Path:        rel,
			Format:      det.Format,
			Interpreter: det.Interpreter,
			Tag:         det.Tag,
		}
		report.Files = append(report.Files, entry)

		if det.Tag != nil {
			if firstTagged == "" {
				firstTagged = rel
				report.Tag = *det.Tag
			} else if *det.Tag != report.Tag {
				return &TagMismatchError{
					FirstPath: firstTagged,
					FirstTag:  report.Tag,
					Path:      rel,
					Tag:       *det.Tag,
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if firstTagged == "" {
		return nil, fmt.Errorf("%w under %s", ErrNoBinaries, start)
	}

	sort.Slice(report.Files, func(i, j int) bool {
		return report.Files[i].Path < report.Files[j].Path
	})

	return report, nil
}

// Scripts returns the entries classified as interpreted scripts.
func (r *Report) Scripts() []FileEntry {
	var out []FileEntry
	for _, f := range r.Files {
		if f.Format == FormatScript {
			out = append(out, f)
		}
	}
	return out
}

// relOrPath returns path relative to root, falling back to path itself when
// the relation cannot be computed.
func relOrPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
