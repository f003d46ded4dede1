// SPDX-License-Identifier: MPL-2.0

// Package manifest loads and validates the relkit.toml project manifest.
//
// The manifest is the single project-level input to a build: it names the
// project, pins its version, and describes how the interpreter environment
// and bundled executables are produced.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/semver"
)

// DefaultFile is the manifest filename looked up in the project root.
const DefaultFile = "relkit.toml"

const (
	defaultInterpreter = "python3"
	defaultEnvRoot     = ".venv"
)

// ErrInvalidVersion indicates the manifest version is not valid semver.
var ErrInvalidVersion = errors.New("version is not a valid semantic version")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

type (
	// Manifest is the parsed relkit.toml.
	Manifest struct {
		// Name identifies the project and prefixes every artifact filename.
		Name string `toml:"name"`
		// Version is the project version, with or without a leading "v".
		Version string `toml:"version"`
		// Entrypoint is the relative path of the main program file,
		// included in source archives.
		Entrypoint string `toml:"entrypoint"`
		// Interpreter is the base name of the interpreter executable
		// expected inside the environment. Defaults to "python3".
		Interpreter string `toml:"interpreter"`
		// EnvRoot is the interpreter environment directory relative to the
		// project root. Defaults to ".venv".
		EnvRoot string `toml:"env_root"`
		// Include lists the files and directories captured by source
		// archives, relative to the project root.
		Include []string `toml:"include"`
		// ExcludeFile optionally names a file of exclusion patterns,
		// relative to the project root.
		ExcludeFile string `toml:"exclude_file"`

		Build BuildConfig `toml:"build"`
	}

	// BuildConfig holds the external commands that produce build inputs.
	// Each command is an argv vector, run from the project root.
	BuildConfig struct {
		// EnvCommand creates or refreshes the interpreter environment.
		EnvCommand []string `toml:"env_command"`
		// OnefileCommand produces a single standalone executable.
		OnefileCommand []string `toml:"onefile_command"`
		// OnedirCommand produces a standalone application directory.
		OnedirCommand []string `toml:"onedir_command"`
		// OnefileOutput is the path of the executable OnefileCommand
		// produces, relative to the project root. Defaults to
		// "build/onefile/<name>".
		OnefileOutput string `toml:"onefile_output"`
		// OnedirOutput is the directory OnedirCommand produces, relative
		// to the project root. Defaults to "build/onedir/<name>".
		OnedirOutput string `toml:"onedir_output"`
	}
)

// Load reads and validates the manifest at path. Optional fields receive
// their defaults before validation runs.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Locate finds the manifest for dir, walking up parent directories until one
// is found or the filesystem root is reached.
func Locate(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(abs, DefaultFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no %s found in %s or any parent directory", DefaultFile, dir)
		}
		abs = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.Interpreter == "" {
		m.Interpreter = defaultInterpreter
	}
	if m.EnvRoot == "" {
		m.EnvRoot = defaultEnvRoot
	}
	if m.Build.OnefileOutput == "" {
		m.Build.OnefileOutput = path.Join("build", "onefile", m.Name)
	}
	if m.Build.OnedirOutput == "" {
		m.Build.OnedirOutput = path.Join("build", "onedir", m.Name)
	}
}

// Validate checks the manifest for structural problems. It assumes defaults
// have been applied.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q: must start with a lowercase letter or digit and contain only [a-z0-9._-]", m.Name)
	}
	if m.Version == "" {
		return errors.New("version is required")
	}
	if !semver.IsValid(normalizeVersion(m.Version)) {
		return fmt.Errorf("version %q: %w", m.Version, ErrInvalidVersion)
	}
	if filepath.IsAbs(m.EnvRoot) {
		return fmt.Errorf("env_root %q: must be relative to the project root", m.EnvRoot)
	}
	for _, inc := range m.Include {
		if filepath.IsAbs(inc) {
			return fmt.Errorf("include entry %q: must be relative to the project root", inc)
		}
		if strings.HasPrefix(filepath.ToSlash(filepath.Clean(inc)), "..") {
			return fmt.Errorf("include entry %q: escapes the project root", inc)
		}
	}
	return nil
}

// NormalizedVersion returns the version without a leading "v", the form used
// in artifact filenames.
func (m *Manifest) NormalizedVersion() string {
	return strings.TrimPrefix(m.Version, "v")
}

// normalizeVersion ensures the "v" prefix the semver package requires.
func normalizeVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
