// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"relkit/internal/archive"
	"relkit/internal/issue"
)

var (
	// verifyExpect names an entry that must be present in the archive.
	verifyExpect string

	verifyCmd = &cobra.Command{
		Use:   "verify <archive>",
		Short: "Re-check a finished archive",
		Long: `Verify that an archive satisfies the builder's guarantees: every
entry is readable to the end, the archive is non-empty, and no entry
is a symbolic link. With --expect, the named entry must also exist.`,
		Args: cobra.ExactArgs(1),
		RunE: runVerify,
	}
)

func init() {
	verifyCmd.Flags().StringVar(&verifyExpect, "expect", "", "entry path that must be present")
}

func runVerify(cmd *cobra.Command, args []string) error {
	path := args[0]

	sum, err := archive.Verify(path, verifyExpect)
	if err != nil {
		return &ExitError{Code: 1, Err: issue.NewContext().
			WithOperation("verify archive").
			WithResource(path).
			WithSuggestion("Rebuild the artifact with relkit build").
			WithSuggestion("Check that the file was not truncated in transfer").
			Wrap(err).
			Build()}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d entries, %s uncompressed)\n",
		SuccessStyle.Render("✓"), PathStyle.Render(path), sum.Entries, formatSize(sum.Bytes))
	if verbose {
		for _, p := range sum.Paths {
			fmt.Fprintln(cmd.OutOrStdout(), "  "+p)
		}
	}
	return nil
}
