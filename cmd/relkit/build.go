// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"relkit/internal/issue"
	"relkit/internal/manifest"
	"relkit/internal/pipeline"
)

var (
	// dryRun inspects and relocates without writing artifacts.
	dryRun bool

	buildCmd = &cobra.Command{
		Use:   "build [kind...]",
		Short: "Build release artifacts",
		Long: `Build one or more release artifacts for the current project.

Artifact kinds:
  source    platform-independent archive of the project sources
  runtime   relocated interpreter environment as a tar.gz archive
  onefile   single standalone executable
  onedir    standalone application directory as a tar.gz archive

Kinds build sequentially in the order given; the first failure stops
the run. With --dry-run every inspection step executes but no artifact
is written, and any relocation is rolled back.`,
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{"source", "runtime", "onefile", "onedir"},
		RunE:      runBuild,
	}
)

func init() {
	buildCmd.Flags().BoolVar(&dryRun, "dry-run", false, "inspect and relocate, then roll back without writing artifacts")
}

func runBuild(cmd *cobra.Command, args []string) error {
	kinds := make([]pipeline.Kind, 0, len(args))
	for _, arg := range args {
		kind, err := pipeline.ParseKind(arg)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	cfg, err := loadUserConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	manifestPath, err := manifest.Locate(projectDir)
	if err != nil {
		return &ExitError{Code: 1, Err: issue.NewContext().
			WithOperation("locate project manifest").
			WithResource(projectDir).
			WithSuggestion("Run relkit from inside a project directory").
			WithSuggestion("Create a relkit.toml manifest in the project root").
			Wrap(err).
			Build()}
	}
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	root := filepath.Dir(manifestPath)

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "relkit",
	})
	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
	runner := &pipeline.ExecRunner{Dir: root, Build: m.Build, Logger: logger}

	p, err := pipeline.New(root, m, cfg, runner)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	for _, kind := range kinds {
		art, err := p.Run(cmd.Context(), pipeline.Request{Kind: kind, DryRun: dryRun})
		if err != nil {
			wrapped := issue.NewContext().
				WithOperation(fmt.Sprintf("build %s artifact", kind)).
				WithResource(m.Name).
				WithSuggestion("Re-run with --verbose for stage-by-stage logs").
				WithSuggestion("Use --dry-run to inspect without writing artifacts").
				Wrap(err).
				Build()
			fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+formatErrorForDisplay(wrapped, cfg.Verbose))
			return &ExitError{Code: 1, Err: err}
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderArtifact(art))
	}

	return nil
}

// renderArtifact formats one finished build for terminal output.
func renderArtifact(art *pipeline.Artifact) string {
	platform := "platform-independent"
	if art.Tag != nil {
		platform = art.Tag.String()
	}

	if art.Path == "" {
		return fmt.Sprintf("%s %-8s %s (%d relocations planned)",
			WarningStyle.Render("~"), art.Kind, SubtitleStyle.Render("dry run, "+platform), art.Relocations)
	}

	mark := SuccessStyle.Render("✓")
	if !art.Verified {
		mark = WarningStyle.Render("?")
	}
	return fmt.Sprintf("%s %-8s %s (%s, %s)",
		mark, art.Kind, PathStyle.Render(art.Path), formatSize(art.Size), platform)
}

// formatSize renders a byte count in human-readable units.
func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
