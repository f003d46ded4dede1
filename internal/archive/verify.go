// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/gzip"
)

// maxEntrySize caps how many bytes a single entry may expand to while the
// verifier drains it. Guards against decompression bombs in archives that
// did not come from this builder.
const maxEntrySize = 4 << 30

// Summary reports what the verifier found in a finished archive.
type Summary struct {
	// Entries is the number of file entries in the archive.
	Entries int
	// Paths lists every entry path in stream order.
	Paths []string
	// Bytes is the total uncompressed payload size.
	Bytes int64
}

// CheckError is a named verification failure: the archive was readable but
// violated one of the builder's guarantees.
type CheckError struct {
	Check  string
	Detail string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("archive check %q failed: %s", e.Check, e.Detail)
}

// Verify re-opens the archive at archivePath and confirms the builder's
// guarantees without extracting: every entry is readable to EOF, the archive
// is non-empty, no entry is a symbolic link, and — when expectEntry is
// non-empty — an entry with exactly that path exists.
func Verify(archivePath, expectEntry string) (*Summary, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }() // read-only handle

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, &CheckError{Check: "readable", Detail: fmt.Sprintf("not a gzip stream: %v", err)}
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)

	sum := &Summary{}
	found := expectEntry == ""
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &CheckError{Check: "readable", Detail: fmt.Sprintf("corrupt tar stream after %d entries: %v", sum.Entries, err)}
		}

		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			return nil, &CheckError{Check: "no-symlinks", Detail: fmt.Sprintf("entry %s is a link", hdr.Name)}
		}
		if hdr.Typeflag != tar.TypeReg {
			// Directory headers are tolerated but not counted as files.
			continue
		}

		clean := path.Clean(hdr.Name)
		if clean == expectEntry {
			found = true
		}

		n, err := io.Copy(io.Discard, io.LimitReader(tr, maxEntrySize+1))
		if err != nil {
			return nil, &CheckError{Check: "readable", Detail: fmt.Sprintf("entry %s truncated: %v", hdr.Name, err)}
		}
		if n > maxEntrySize {
			return nil, &CheckError{Check: "readable", Detail: fmt.Sprintf("entry %s exceeds size limit", hdr.Name)}
		}

		sum.Entries++
		sum.Paths = append(sum.Paths, clean)
		sum.Bytes += n
	}

	if sum.Entries == 0 {
		return nil, &CheckError{Check: "non-empty", Detail: "archive contains no file entries"}
	}
	if !found {
		return nil, &CheckError{Check: "entry-present", Detail: fmt.Sprintf("expected entry %s not found", expectEntry)}
	}

	return sum, nil
}
