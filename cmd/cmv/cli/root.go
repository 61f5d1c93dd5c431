// Package cli is the thin command shell over the transcript engine.
// Commands parse arguments, call the library packages and render results;
// no engine logic lives here.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/logging"
)

// SilentError signals that the command already rendered its error.
type SilentError struct {
	Err error
}

func (e *SilentError) Error() string { return e.Err.Error() }
func (e *SilentError) Unwrap() error { return e.Err }

// NewRootCmd builds the cmv command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cmv",
		Short: "Version control for AI coding-assistant conversations",
		Long: `cmv snapshots live conversation transcripts, forks independent
continuations from any snapshot, and trims accumulated tool output and
metadata without touching what was actually said.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = logging.Init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close()
		},
	}

	rootCmd.AddCommand(
		newSnapshotCmd(),
		newListCmd(),
		newTreeCmd(),
		newBranchCmd(),
		newDeleteCmd(),
		newTrimCmd(),
		newAnalyzeCmd(),
		newImpactCmd(),
		newExportCmd(),
		newImportCmd(),
		newHookCmd(),
		newLogCmd(),
	)

	return rootCmd
}

// printJSON renders any result as indented JSON for --json consumers.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
