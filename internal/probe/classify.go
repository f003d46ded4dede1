// SPDX-License-Identifier: MPL-2.0

package probe

import (
	"bufio"
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// FormatNone is the classification for files that are neither native
	// binaries nor interpreted scripts (data files, bytecode caches, text).
	FormatNone Format = iota
	// FormatNativeExecutable is a platform-native executable (ELF, Mach-O, PE).
	FormatNativeExecutable
	// FormatSharedLibrary is a native shared object (.so, .dylib, .dll).
	FormatSharedLibrary
	// FormatScript is a script with a "#!" interpreter line.
	FormatScript
)

// headLen is how many leading bytes each detector gets to inspect.
// 64 bytes covers the ELF64 header, the Mach-O header, and the DOS stub magic.
const headLen = 64

// Format classifies a file's binary format. The set is closed: adding a new
// platform format means adding a detector, not editing the callers.
type Format int

// String returns the format name used in reports and logs.
func (f Format) String() string {
	switch f {
	case FormatNativeExecutable:
		return "native-executable"
	case FormatSharedLibrary:
		return "shared-library"
	case FormatScript:
		return "interpreted-script"
	case FormatNone:
		return "none"
	}
	return "none"
}

// Tag identifies what platform a native binary can run on.
type Tag struct {
	// OS is the operating system name (e.g., "linux", "darwin", "windows").
	OS string
	// Arch is the CPU architecture name (e.g., "x86_64", "arm64").
	Arch string
}

// String renders the tag in the conventional "<os>/<arch>" form.
func (t Tag) String() string {
	return t.OS + "/" + t.Arch
}

// Detection is the result of classifying a single file.
type Detection struct {
	// Format is the detected binary format.
	Format Format
	// Tag is the platform tag for native binaries; nil for scripts and plain files.
	Tag *Tag
	// Interpreter is the interpreter line (without "#!") for scripts.
	Interpreter string
}

// detector pairs a format name with its detection predicate. Detectors are
// tried in order; the first match wins. A detector returns (nil, nil) when
// the file is not its format, and an error only when the magic matched but
// the header could not be parsed.
type detector struct {
	name   string
	detect func(path string, head []byte) (*Detection, error)
}

// detectors is the closed set of known formats. Script detection runs first
// because a "#!" prefix is unambiguous and cheapest to check.
var detectors = []detector{
	{name: "script", detect: detectScript},
	{name: "elf", detect: detectELF},
	{name: "macho", detect: detectMachO},
	{name: "pe", detect: detectPE},
}

// Classify inspects the file at path and reports its binary format.
// Files matching no known format classify as FormatNone with a nil tag.
func Classify(path string) (*Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }() // read-only handle

	// A file shorter than headLen is not an error; it simply cannot be a
	// native binary and falls through to FormatNone.
	head := make([]byte, headLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading file header: %w", err)
	}
	head = head[:n]

	for _, d := range detectors {
		det, detErr := d.detect(path, head)
		if detErr != nil {
			return nil, fmt.Errorf("parsing %s header: %w", d.name, detErr)
		}
		if det != nil {
			return det, nil
		}
	}

	return &Detection{Format: FormatNone}, nil
}

// detectScript classifies files with a "#!" interpreter line and captures
// the remainder of the first line.
func detectScript(path string, head []byte) (*Detection, error) {
	if !bytes.HasPrefix(head, []byte("#!")) {
		return nil, nil
	}

	// Re-read the first line in full; the interpreter line can exceed headLen.
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }() // read-only handle

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}

	interp := strings.TrimSpace(strings.TrimPrefix(line, "#!"))
	return &Detection{Format: FormatScript, Interpreter: interp}, nil
}

// detectELF classifies ELF binaries and extracts the architecture from the
// e_machine field. The OS tag is "linux"; relkit does not target other ELF
// platforms and a BSD environment would fail the tag match downstream anyway.
func detectELF(path string, head []byte) (*Detection, error) {
	if len(head) < 4 || !bytes.HasPrefix(head, []byte(elf.ELFMAG)) {
		return nil, nil
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	arch, ok := elfArch(f.Machine)
	if !ok {
		return nil, fmt.Errorf("unsupported ELF machine %s", f.Machine)
	}

	format := FormatNativeExecutable
	// ET_DYN covers both shared objects and PIE executables; the filename
	// disambiguates, matching how the packaged environments are laid out.
	if f.Type == elf.ET_DYN && isSharedObjectName(path) {
		format = FormatSharedLibrary
	}

	return &Detection{Format: format, Tag: &Tag{OS: "linux", Arch: arch}}, nil
}

// detectMachO classifies Mach-O binaries (64-bit, both byte orders).
func detectMachO(path string, head []byte) (*Detection, error) {
	if len(head) < 4 {
		return nil, nil
	}
	magic := uint32(head[0]) | uint32(head[1])<<8 | uint32(head[2])<<16 | uint32(head[3])<<24
	if magic != macho.Magic64 && magic != macho.Magic32 && magic != 0xcffaedfe && magic != 0xcefaedfe {
		return nil, nil
	}

	f, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	arch, ok := machoArch(f.Cpu)
	if !ok {
		return nil, fmt.Errorf("unsupported Mach-O cpu %s", f.Cpu)
	}

	format := FormatNativeExecutable
	if f.Type == macho.TypeDylib || f.Type == macho.TypeBundle {
		format = FormatSharedLibrary
	}

	return &Detection{Format: format, Tag: &Tag{OS: "darwin", Arch: arch}}, nil
}

// detectPE classifies Windows PE binaries behind the DOS "MZ" stub.
func detectPE(path string, head []byte) (*Detection, error) {
	if len(head) < 2 || head[0] != 'M' || head[1] != 'Z' {
		return nil, nil
	}

	f, err := pe.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	arch, ok := peArch(f.Machine)
	if !ok {
		return nil, fmt.Errorf("unsupported PE machine %#x", f.Machine)
	}

	format := FormatNativeExecutable
	if strings.HasSuffix(strings.ToLower(path), ".dll") {
		format = FormatSharedLibrary
	}

	return &Detection{Format: format, Tag: &Tag{OS: "windows", Arch: arch}}, nil
}

// elfArch maps ELF machine values to tag architecture names.
func elfArch(m elf.Machine) (string, bool) {
	switch m {
	case elf.EM_X86_64:
		return "x86_64", true
	case elf.EM_AARCH64:
		return "arm64", true
	case elf.EM_386:
		return "i386", true
	case elf.EM_ARM:
		return "arm", true
	case elf.EM_RISCV:
		return "riscv64", true
	}
	return "", false
}

// machoArch maps Mach-O cpu types to tag architecture names.
func machoArch(c macho.Cpu) (string, bool) {
	switch c {
	case macho.CpuAmd64:
		return "x86_64", true
	case macho.CpuArm64:
		return "arm64", true
	}
	return "", false
}

// peArch maps PE machine values to tag architecture names.
func peArch(m uint16) (string, bool) {
	switch m {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "x86_64", true
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "arm64", true
	case pe.IMAGE_FILE_MACHINE_I386:
		return "i386", true
	}
	return "", false
}

// isSharedObjectName reports whether the filename looks like a shared object
// (libfoo.so or versioned libfoo.so.1.2).
func isSharedObjectName(path string) bool {
	base := strings.ToLower(path)
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.HasSuffix(base, ".so") || strings.Contains(base, ".so.") ||
		strings.HasSuffix(base, ".dylib")
}
