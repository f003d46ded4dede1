// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
name = "myapp"
version = "1.2.0"
entrypoint = "src/main.py"
include = ["src", "README.md"]
exclude_file = ".relkitignore"

[build]
env_command = ["make", "venv"]
onefile_command = ["make", "onefile"]
`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if m.Name != "myapp" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.Interpreter != "python3" {
		t.Errorf("Interpreter = %q, want default python3", m.Interpreter)
	}
	if m.EnvRoot != ".venv" {
		t.Errorf("EnvRoot = %q, want default .venv", m.EnvRoot)
	}
	if len(m.Include) != 2 {
		t.Errorf("Include = %v", m.Include)
	}
	if len(m.Build.EnvCommand) != 2 || m.Build.EnvCommand[0] != "make" {
		t.Errorf("Build.EnvCommand = %v", m.Build.EnvCommand)
	}
	if m.Build.OnefileOutput != "build/onefile/myapp" {
		t.Errorf("Build.OnefileOutput = %q, want default", m.Build.OnefileOutput)
	}
	if m.Build.OnedirOutput != "build/onedir/myapp" {
		t.Errorf("Build.OnedirOutput = %q, want default", m.Build.OnedirOutput)
	}
}

func TestLoad_ExplicitOverridesKeepDefaultsOut(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
name = "myapp"
version = "0.1.0"
interpreter = "python3.12"
env_root = "env"
`)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Interpreter != "python3.12" {
		t.Errorf("Interpreter = %q", m.Interpreter)
	}
	if m.EnvRoot != "env" {
		t.Errorf("EnvRoot = %q", m.EnvRoot)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr bool
	}{
		{"valid", func(m *Manifest) {}, false},
		{"version with v prefix", func(m *Manifest) { m.Version = "v2.0.0" }, false},
		{"missing name", func(m *Manifest) { m.Name = "" }, true},
		{"uppercase name", func(m *Manifest) { m.Name = "MyApp" }, true},
		{"missing version", func(m *Manifest) { m.Version = "" }, true},
		{"bad version", func(m *Manifest) { m.Version = "1.2" }, true},
		{"absolute env_root", func(m *Manifest) { m.EnvRoot = "/opt/venv" }, true},
		{"absolute include", func(m *Manifest) { m.Include = []string{"/etc"} }, true},
		{"escaping include", func(m *Manifest) { m.Include = []string{"../secrets"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{
				Name:        "myapp",
				Version:     "1.0.0",
				Interpreter: "python3",
				EnvRoot:     ".venv",
			}
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_InvalidVersionSentinel(t *testing.T) {
	m := &Manifest{Name: "myapp", Version: "not-a-version", EnvRoot: ".venv"}
	if err := m.Validate(); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("err = %v, want ErrInvalidVersion", err)
	}
}

func TestNormalizedVersion(t *testing.T) {
	m := &Manifest{Version: "v1.2.0"}
	if got := m.NormalizedVersion(); got != "1.2.0" {
		t.Errorf("NormalizedVersion = %q", got)
	}
	m.Version = "1.2.0"
	if got := m.NormalizedVersion(); got != "1.2.0" {
		t.Errorf("NormalizedVersion = %q", got)
	}
}

func TestLocate(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "name = \"x\"\nversion = \"1.0.0\"\n")
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Locate(nested)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	want := filepath.Join(root, DefaultFile)
	if got != want {
		t.Errorf("Locate = %q, want %q", got, want)
	}
}

func TestLocate_NotFound(t *testing.T) {
	if _, err := Locate(t.TempDir()); err == nil {
		t.Error("expected error when no manifest exists")
	}
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "name = [unterminated")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
