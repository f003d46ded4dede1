// SPDX-License-Identifier: MPL-2.0

// Package archive builds and verifies the portable tar.gz container format
// used for every relkit artifact.
//
// The builder walks one or more source trees in deterministic lexicographic
// order, applies exclusion globs, and dereferences symbolic links so the
// produced archive extracts cleanly on platforms where cross-filesystem
// symlinks misbehave. The verifier re-opens a finished archive and checks,
// without extracting, that the builder's guarantees actually held.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type (
	// Source selects one tree to capture into an archive.
	Source struct {
		// Path is the filesystem root of the tree.
		Path string
		// Prefix is prepended to every entry's archive path. Empty places
		// the tree's contents at the archive root.
		Prefix string
	}

	// Builder produces one compressed archive from a set of source trees.
	// A Builder is used for a single build and not shared across concurrent
	// builds of different artifacts.
	Builder struct {
		// Sources are captured in order; entries within each source are
		// sorted lexicographically by archive path.
		Sources []Source
		// Excludes filters entries by path relative to each source root.
		// Excluded directories are pruned without descending.
		Excludes *ExclusionSet
		// KeepPartial preserves a partially written output file after a
		// failed build, for inspection. The default is to remove it.
		KeepPartial bool
	}

	// Manifest is the ordered list of file paths written to the archive.
	Manifest []string

	// entry is one filesystem object scheduled for archiving, captured
	// during the walk and discarded after the archive is written.
	entry struct {
		archivePath string
		fsPath      string
		info        os.FileInfo
	}
)

// Build walks the configured sources and writes a tar.gz archive to outPath.
// Missing source trees are a precondition failure detected before any bytes
// are written. Any failure after that — including context cancellation —
// removes the partial output file so a truncated archive never masquerades
// as a complete one.
func (b *Builder) Build(ctx context.Context, outPath string) (Manifest, error) {
	if len(b.Sources) == 0 {
		return nil, fmt.Errorf("no source trees configured")
	}

	// Preconditions first: nothing is created on disk until every input
	// is known to exist. A source may be a directory tree or a single
	// regular file.
	for _, src := range b.Sources {
		info, err := os.Stat(src.Path)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Path, err)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil, fmt.Errorf("source %s: neither a directory nor a regular file", src.Path)
		}
	}

	var entries []entry
	for _, src := range b.Sources {
		info, err := os.Stat(src.Path)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Path, err)
		}
		if !info.IsDir() {
			entries = append(entries, entry{
				archivePath: path.Join(src.Prefix, filepath.Base(src.Path)),
				fsPath:      src.Path,
				info:        info,
			})
			continue
		}
		seen := map[string]bool{}
		if err := b.collect(src.Path, "", src.Prefix, seen, &entries); err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].archivePath < entries[j].archivePath
	})

	manifest, err := writeArchive(ctx, outPath, entries)
	if err != nil {
		// Remove the partial output; callers get either a complete archive
		// or none at all. KeepPartial leaves it behind for inspection.
		if !b.KeepPartial {
			_ = os.Remove(outPath)
		}
		return nil, err
	}

	return manifest, nil
}

// collect gathers entries under root/rel, pruning excluded directories and
// dereferencing symlinks. seen holds the resolved directories of the current
// descent only, so a directory reachable twice through sibling links (the
// venv lib64 -> lib layout) dereferences normally and just a link back to an
// ancestor is a cycle.
func (b *Builder) collect(root, rel, prefix string, seen map[string]bool, out *[]entry) error {
	dir := filepath.Join(root, filepath.FromSlash(rel))

	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	if seen[real] {
		return fmt.Errorf("symlink cycle at %s", dir)
	}
	seen[real] = true
	defer delete(seen, real)

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, d := range dirents {
		childRel := path.Join(rel, d.Name())
		if b.Excludes.Match(childRel) {
			continue
		}

		full := filepath.Join(dir, d.Name())

		// os.Stat follows symlinks: a link to a file becomes that file's
		// content, a link to a directory is walked like a directory. A
		// broken link fails here, before any archive bytes are written.
		info, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("dereferencing %s: %w", full, err)
		}

		if info.IsDir() {
			if err := b.collect(root, childRel, prefix, seen, out); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			// Sockets, fifos and devices have no portable representation.
			continue
		}

		*out = append(*out, entry{
			archivePath: path.Join(prefix, childRel),
			fsPath:      full,
			info:        info,
		})
	}
	return nil
}

// writeArchive streams the sorted entries into a tar.gz file.
func writeArchive(ctx context.Context, outPath string, entries []entry) (_ Manifest, err error) {
	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing archive: %w", closeErr)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	manifest := make(Manifest, 0, len(entries))
	for _, e := range entries {
		// Interrupt-driven abort: the deferred cleanup in Build removes
		// the partial file.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if writeErr := writeEntry(tw, e); writeErr != nil {
			return nil, writeErr
		}
		manifest = append(manifest, e.archivePath)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalizing gzip stream: %w", err)
	}

	return manifest, nil
}

// writeEntry writes one regular file into the tar stream. Because symlinks
// were dereferenced during the walk, every header is a regular-file header.
func writeEntry(tw *tar.Writer, e entry) error {
	hdr, err := tar.FileInfoHeader(e.info, "")
	if err != nil {
		return fmt.Errorf("building header for %s: %w", e.archivePath, err)
	}
	hdr.Name = e.archivePath
	hdr.Typeflag = tar.TypeReg

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", e.archivePath, err)
	}

	src, err := os.Open(e.fsPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", e.fsPath, err)
	}
	defer func() { _ = src.Close() }() // read-only handle

	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("writing %s: %w", e.archivePath, err)
	}
	return nil
}

// DefaultName returns the deterministic archive filename for an artifact:
// "<name>_<version>_<qualifier>.tar.gz". Qualifier parts equal to "" are
// skipped.
func DefaultName(name, version string, qualifiers ...string) string {
	parts := []string{name, strings.TrimPrefix(version, "v")}
	for _, q := range qualifiers {
		if q != "" {
			parts = append(parts, q)
		}
	}
	return strings.Join(parts, "_") + ".tar.gz"
}
