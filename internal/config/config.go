// SPDX-License-Identifier: MPL-2.0

// Package config loads the user-level relkit configuration.
//
// User configuration is distinct from the project manifest: the manifest
// describes a project, while this configuration carries per-user preferences
// such as the output directory and verbosity. Settings resolve in order:
// built-in defaults, then the config file, then RELKIT_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"relkit/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "relkit"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "toml"

	envPrefix = "RELKIT"
)

// configDirOverride allows tests to override the config directory.
var configDirOverride string

// SetConfigDirOverride sets a custom config directory path. Intended for
// tests, which cannot rely on os.UserHomeDir honoring HOME everywhere.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}

// Reset clears test overrides.
func Reset() {
	configDirOverride = ""
}

// Config holds user-level settings.
type Config struct {
	// OutputDir is where finished artifacts are written. Relative paths
	// resolve against the project root.
	OutputDir string `mapstructure:"output_dir"`
	// Verbose enables debug-level logging.
	Verbose bool `mapstructure:"verbose"`
	// KeepFailed preserves partial build state for inspection instead of
	// cleaning it up when a build fails.
	KeepFailed bool `mapstructure:"keep_failed"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:  "dist",
		Verbose:    false,
		KeepFailed: false,
	}
}

// ConfigDir returns the relkit configuration directory using
// platform-specific conventions: Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, and Linux/others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// Load reads the user configuration. A missing config file is not an error;
// defaults and environment variables still apply. configFilePath, when
// non-empty, names an explicit file that must exist.
func Load(configFilePath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("output_dir", defaults.OutputDir)
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("keep_failed", defaults.KeepFailed)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFilePath != "" {
		if !fileExists(configFilePath) {
			return nil, issue.NewContext().
				WithOperation("load configuration").
				WithResource(configFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Check that the file exists and is readable").
				Wrap(fmt.Errorf("config file not found: %s", configFilePath)).
				Build()
		}
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, issue.NewContext().
				WithOperation("load configuration").
				WithResource(configFilePath).
				WithSuggestion("Check that the file contains valid TOML syntax").
				Wrap(err).
				Build()
		}
	} else {
		cfgDir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
		if fileExists(cfgPath) {
			v.SetConfigFile(cfgPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, issue.NewContext().
					WithOperation("load configuration").
					WithResource(cfgPath).
					WithSuggestion("Check that the file contains valid TOML syntax").
					Wrap(err).
					Build()
			}
		}
		// No config file found: defaults plus env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.OutputDir == "" {
		return nil, issue.NewContext().
			WithOperation("validate configuration").
			WithSuggestion("Set output_dir to a non-empty path").
			Wrap(fmt.Errorf("output_dir must not be empty")).
			Build()
	}

	return &cfg, nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	cfgDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(cfgDir, 0o755)
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
