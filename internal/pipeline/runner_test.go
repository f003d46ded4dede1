// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"relkit/internal/manifest"
)

func testExecRunner(dir string, build manifest.BuildConfig) *ExecRunner {
	return &ExecRunner{
		Dir:    dir,
		Build:  build,
		Logger: log.New(io.Discard),
	}
}

func TestExecRunner_PrepareEnv(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	r := testExecRunner(dir, manifest.BuildConfig{
		EnvCommand: []string{"sh", "-c", "echo ok > marker"},
	})

	if err := r.PrepareEnv(context.Background()); err != nil {
		t.Fatalf("PrepareEnv: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Errorf("command did not run in Dir: %v", err)
	}
}

func TestExecRunner_CommandFailureIncludesOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	r := testExecRunner(t.TempDir(), manifest.BuildConfig{
		EnvCommand: []string{"sh", "-c", "echo boom >&2; exit 3"},
	})

	err := r.PrepareEnv(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("stderr missing from error: %v", err)
	}
}

func TestExecRunner_MissingCommand(t *testing.T) {
	r := testExecRunner(t.TempDir(), manifest.BuildConfig{})

	err := r.PrepareEnv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "env_command") {
		t.Fatalf("err = %v, want env_command configuration error", err)
	}

	err = r.Bundle(context.Background(), KindOnefile)
	if err == nil || !strings.Contains(err.Error(), "onefile_command") {
		t.Fatalf("err = %v, want onefile_command configuration error", err)
	}
}

func TestExecRunner_BundleRejectsNonBundleKind(t *testing.T) {
	r := testExecRunner(t.TempDir(), manifest.BuildConfig{})
	if err := r.Bundle(context.Background(), KindSource); err == nil {
		t.Error("expected error for non-bundle kind")
	}
}

func TestTail(t *testing.T) {
	out := []byte("a\nb\nc\nd\n")
	if got := tail(out, 2); got != "c\nd" {
		t.Errorf("tail = %q", got)
	}
	if got := tail([]byte("only\n"), 5); got != "only" {
		t.Errorf("tail = %q", got)
	}
}
