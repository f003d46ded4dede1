// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"relkit/internal/config"
	"relkit/internal/manifest"
	"relkit/internal/probe"
)

// fakeRunner materializes build outputs without running real commands.
type fakeRunner struct {
	prepareEnv func(ctx context.Context) error
	bundle     func(ctx context.Context, kind Kind) error

	prepareCalls int
	bundleCalls  []Kind
}

func (f *fakeRunner) PrepareEnv(ctx context.Context) error {
	f.prepareCalls++
	if f.prepareEnv != nil {
		return f.prepareEnv(ctx)
	}
	return nil
}

func (f *fakeRunner) Bundle(ctx context.Context, kind Kind) error {
	f.bundleCalls = append(f.bundleCalls, kind)
	if f.bundle != nil {
		return f.bundle(ctx, kind)
	}
	return nil
}

// writeELF writes a minimal valid ELF64 header, enough for classification.
func writeELF(t *testing.T, path string, typ elf.Type, machine elf.Machine) {
	t.Helper()

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])

	hdr := struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		Phoff     uint64
		Shoff     uint64
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}{
		Type:    uint16(typ),
		Machine: uint16(machine),
		Version: uint32(elf.EV_CURRENT),
		Ehsize:  64,
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatal(err)
	}
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:        "myapp",
		Version:     "1.0.0",
		Entrypoint:  "src/main.py",
		Interpreter: "python3",
		EnvRoot:     ".venv",
		Include:     []string{"src", "README.md"},
		Build: manifest.BuildConfig{
			OnefileOutput: "build/onefile/myapp",
			OnedirOutput:  "build/onedir/myapp",
		},
	}
}

func newPipeline(t *testing.T, root string, runner Runner) *Pipeline {
	t.Helper()
	p, err := New(root, testManifest(), &config.Config{OutputDir: "dist"}, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// populateEnv builds a small interpreter environment under root/.venv: a
// native interpreter, a console script with an environment-local shebang,
// and an activation script with a hardcoded root assignment.
func populateEnv(t *testing.T, root string) string {
	t.Helper()
	envDir := filepath.Join(root, ".venv")
	if err := os.MkdirAll(filepath.Join(envDir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}

	writeELF(t, filepath.Join(envDir, "bin", "python3"), elf.ET_EXEC, elf.EM_X86_64)

	pip := fmt.Sprintf("#!%s/bin/python3\nimport pip\n", envDir)
	if err := os.WriteFile(filepath.Join(envDir, "bin", "pip"), []byte(pip), 0o755); err != nil {
		t.Fatal(err)
	}

	activate := fmt.Sprintf("# activation\nVIRTUAL_ENV=%q\nexport VIRTUAL_ENV\nPATH=\"$VIRTUAL_ENV/bin:$PATH\"\nexport PATH\n", envDir)
	if err := os.WriteFile(filepath.Join(envDir, "bin", "activate"), []byte(activate), 0o644); err != nil {
		t.Fatal(err)
	}
	return envDir
}

func TestRun_SourceArtifact(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.py"), []byte("print()\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("# myapp\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := newPipeline(t, root, &fakeRunner{})
	art, err := p.Run(context.Background(), Request{Kind: KindSource})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := filepath.Join(root, "dist", "myapp_1.0.0_src.tar.gz")
	if art.Path != want {
		t.Errorf("Path = %q, want %q", art.Path, want)
	}
	if art.Tag != nil {
		t.Errorf("Tag = %v, want nil for platform-independent artifact", art.Tag)
	}
	if !art.Verified {
		t.Error("Verified = false")
	}
	found := false
	for _, e := range art.Manifest {
		if e == "src/main.py" {
			found = true
		}
	}
	if !found {
		t.Errorf("entrypoint missing from manifest %v", art.Manifest)
	}
}

func TestRun_SourceMissingInclude(t *testing.T) {
	root := t.TempDir()

	p := newPipeline(t, root, &fakeRunner{})
	_, err := p.Run(context.Background(), Request{Kind: KindSource})

	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StagePreparing {
		t.Fatalf("err = %v, want preparing StageError", err)
	}
}

func TestRun_RuntimeArtifact(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shebang environments are not built on windows")
	}

	root := t.TempDir()
	envDir := populateEnv(t, root)

	runner := &fakeRunner{}
	p := newPipeline(t, root, runner)
	art, err := p.Run(context.Background(), Request{Kind: KindRuntime})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if runner.prepareCalls != 1 {
		t.Errorf("PrepareEnv called %d times", runner.prepareCalls)
	}
	want := filepath.Join(root, "dist", "myapp_1.0.0_linux_x86_64_runtime.tar.gz")
	if art.Path != want {
		t.Errorf("Path = %q, want %q", art.Path, want)
	}
	if art.Tag == nil || art.Tag.OS != "linux" || art.Tag.Arch != "x86_64" {
		t.Errorf("Tag = %v", art.Tag)
	}
	if art.Relocations != 2 {
		t.Errorf("Relocations = %d, want 2 (shebang + activate)", art.Relocations)
	}
	if !art.Verified {
		t.Error("Verified = false")
	}

	// The environment on disk is left relocated.
	pip, err := os.ReadFile(filepath.Join(envDir, "bin", "pip"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(pip), "#!/usr/bin/env python3") {
		t.Errorf("pip shebang not rewritten: %q", strings.SplitN(string(pip), "\n", 2)[0])
	}
	activate, err := os.ReadFile(filepath.Join(envDir, "bin", "activate"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(activate), envDir) {
		t.Error("activation script still hardcodes the build path")
	}
}

func TestRun_RuntimeDryRunRollsBack(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shebang environments are not built on windows")
	}

	root := t.TempDir()
	envDir := populateEnv(t, root)

	pipBefore, err := os.ReadFile(filepath.Join(envDir, "bin", "pip"))
	if err != nil {
		t.Fatal(err)
	}
	activateBefore, err := os.ReadFile(filepath.Join(envDir, "bin", "activate"))
	if err != nil {
		t.Fatal(err)
	}

	p := newPipeline(t, root, &fakeRunner{})
	art, err := p.Run(context.Background(), Request{Kind: KindRuntime, DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if art.Path != "" {
		t.Errorf("Path = %q, want empty for dry run", art.Path)
	}
	if art.Relocations != 2 {
		t.Errorf("Relocations = %d, want 2", art.Relocations)
	}
	if art.Verified {
		t.Error("Verified = true for dry run")
	}

	pipAfter, err := os.ReadFile(filepath.Join(envDir, "bin", "pip"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pipBefore, pipAfter) {
		t.Error("dry run left pip modified")
	}
	activateAfter, err := os.ReadFile(filepath.Join(envDir, "bin", "activate"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(activateBefore, activateAfter) {
		t.Error("dry run left activate modified")
	}

	if _, err := os.Stat(filepath.Join(root, "dist")); !errors.Is(err, os.ErrNotExist) {
		t.Error("dry run created output directory")
	}
}

func TestRun_RuntimeTagMismatchProducesNoArtifact(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shebang environments are not built on windows")
	}

	root := t.TempDir()
	envDir := populateEnv(t, root)
	writeELF(t, filepath.Join(envDir, "bin", "stray"), elf.ET_EXEC, elf.EM_AARCH64)

	p := newPipeline(t, root, &fakeRunner{})
	_, err := p.Run(context.Background(), Request{Kind: KindRuntime})

	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StageProbing {
		t.Fatalf("err = %v, want probing StageError", err)
	}
	var mismatch *probe.TagMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want TagMismatchError in chain", err)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "dist"))
	if len(entries) != 0 {
		t.Errorf("artifacts produced despite mismatch: %v", entries)
	}
}

func TestRun_VerifyFailureLeavesArchiveOnDisk(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shebang environments are not built on windows")
	}

	root := t.TempDir()
	populateEnv(t, root)

	// The environment ships python3, so expecting a different interpreter
	// fails verification after the archive is fully written.
	m := testManifest()
	m.Interpreter = "python9"
	p, err := New(root, m, &config.Config{OutputDir: "dist"}, &fakeRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Run(context.Background(), Request{Kind: KindRuntime})
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StageVerifying {
		t.Fatalf("err = %v, want verifying StageError", err)
	}

	// The rejected archive stays on disk for inspection.
	archivePath := filepath.Join(root, "dist", "myapp_1.0.0_linux_x86_64_runtime.tar.gz")
	if _, err := os.Stat(archivePath); err != nil {
		t.Errorf("failed archive not kept: %v", err)
	}
}

func TestRun_KeepFailedPreservesPartialArchive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shebang environments are not built on windows")
	}

	root := t.TempDir()
	populateEnv(t, root)

	p, err := New(root, testManifest(), &config.Config{OutputDir: "dist", KeepFailed: true}, &fakeRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Cancellation lands mid-archiving; KeepFailed retains the partial
	// output instead of cleaning it up.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx, Request{Kind: KindRuntime})

	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StageArchiving {
		t.Fatalf("err = %v, want archiving StageError", err)
	}
	archivePath := filepath.Join(root, "dist", "myapp_1.0.0_linux_x86_64_runtime.tar.gz")
	if _, err := os.Stat(archivePath); err != nil {
		t.Errorf("partial archive not preserved: %v", err)
	}
}

func TestRun_PrepareFailureAttributed(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{
		prepareEnv: func(context.Context) error { return errors.New("venv build exploded") },
	}

	p := newPipeline(t, root, runner)
	_, err := p.Run(context.Background(), Request{Kind: KindRuntime})

	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StagePreparing {
		t.Fatalf("err = %v, want preparing StageError", err)
	}
	if !strings.Contains(err.Error(), "venv build exploded") {
		t.Errorf("cause lost: %v", err)
	}
}

func TestRun_OnefileArtifact(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{
		bundle: func(_ context.Context, kind Kind) error {
			if kind != KindOnefile {
				return fmt.Errorf("unexpected kind %s", kind)
			}
			dir := filepath.Join(root, "build", "onefile")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			writeELF(t, filepath.Join(dir, "myapp"), elf.ET_EXEC, elf.EM_X86_64)
			return nil
		},
	}

	p := newPipeline(t, root, runner)
	art, err := p.Run(context.Background(), Request{Kind: KindOnefile})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := filepath.Join(root, "dist", "myapp_1.0.0_linux_x86_64")
	if art.Path != want {
		t.Errorf("Path = %q, want %q", art.Path, want)
	}
	info, err := os.Stat(art.Path)
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		t.Error("copied artifact is not executable")
	}
	if !art.Verified {
		t.Error("Verified = false")
	}
}

func TestRun_OnefileNotNativeExecutable(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{
		bundle: func(context.Context, Kind) error {
			dir := filepath.Join(root, "build", "onefile")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(dir, "myapp"), []byte("#!/bin/sh\necho hi\n"), 0o755)
		},
	}

	p := newPipeline(t, root, runner)
	_, err := p.Run(context.Background(), Request{Kind: KindOnefile})

	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StageProbing {
		t.Fatalf("err = %v, want probing StageError", err)
	}
}

func TestRun_OnedirArtifact(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{
		bundle: func(_ context.Context, kind Kind) error {
			if kind != KindOnedir {
				return fmt.Errorf("unexpected kind %s", kind)
			}
			dir := filepath.Join(root, "build", "onedir", "myapp")
			if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
				return err
			}
			writeELF(t, filepath.Join(dir, "myapp"), elf.ET_EXEC, elf.EM_X86_64)
			return os.WriteFile(filepath.Join(dir, "lib", "data.bin"), []byte("xx"), 0o644)
		},
	}

	p := newPipeline(t, root, runner)
	art, err := p.Run(context.Background(), Request{Kind: KindOnedir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := filepath.Join(root, "dist", "myapp_1.0.0_linux_x86_64_dir.tar.gz")
	if art.Path != want {
		t.Errorf("Path = %q, want %q", art.Path, want)
	}
	for _, e := range art.Manifest {
		if !strings.HasPrefix(e, "myapp-1.0.0/") {
			t.Errorf("entry %q not under the release prefix", e)
		}
	}
	if !art.Verified {
		t.Error("Verified = false")
	}
}

func TestRun_UnknownKind(t *testing.T) {
	p := newPipeline(t, t.TempDir(), &fakeRunner{})
	_, err := p.Run(context.Background(), Request{Kind: Kind("tarball")})

	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StageRequested {
		t.Fatalf("err = %v, want requested StageError", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("zipball"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestStageString(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageRequested, "requested"},
		{StagePreparing, "preparing"},
		{StageProbing, "probing"},
		{StageRelocating, "relocating"},
		{StageArchiving, "archiving"},
		{StageVerifying, "verifying"},
		{StageDone, "done"},
		{Stage(42), "stage(42)"},
	}
	for _, tt := range tests {
		if got := tt.stage.String(); got != tt.want {
			t.Errorf("Stage(%d).String() = %q, want %q", int(tt.stage), got, tt.want)
		}
	}
}
