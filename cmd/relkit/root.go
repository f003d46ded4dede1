// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for relkit.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"relkit/internal/config"
	"relkit/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables verbose output
	verbose bool
	// cfgFile allows specifying a custom config file
	cfgFile string
	// projectDir overrides the project root lookup
	projectDir string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "relkit",
		Short: "Package and relocate build artifacts",
		Long: TitleStyle.Render("relkit") + SubtitleStyle.Render(" - package and relocate build artifacts") + `

relkit turns a project and its interpreter environment into portable,
verified release artifacts: source archives, relocated runtime
archives, and standalone onefile/onedir distributions.

Projects are described by a 'relkit.toml' manifest in the project root.

` + SubtitleStyle.Render("Examples:") + `
  relkit build source            Archive the project sources
  relkit build runtime           Build a relocated runtime archive
  relkit build onefile onedir    Build standalone distributions
  relkit verify dist/app.tar.gz  Re-check a finished archive`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/relkit/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "project directory (the manifest is searched upward from here)")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(verifyCmd)
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// loadUserConfig loads the user configuration, honoring the --config and
// --verbose flags.
func loadUserConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

// formatErrorForDisplay renders an error for terminal output. Build errors
// carry suggestions; everything else prints as-is.
func formatErrorForDisplay(err error, verbose bool) string {
	var buildErr *issue.BuildError
	if errors.As(err, &buildErr) {
		return buildErr.Format(verbose)
	}
	return err.Error()
}
