package cli

import (
	"github.com/spf13/cobra"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/snapshot"
)

func newBranchCmd() *cobra.Command {
	var (
		branchName  string
		doTrim      bool
		threshold   int
		orientation string
	)

	cmd := &cobra.Command{
		Use:   "branch <snapshot>",
		Short: "Fork a fresh session from a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := snapshot.CreateBranch(snapshot.BranchOptions{
				SnapshotName:       args[0],
				BranchName:         branchName,
				Trim:               doTrim,
				TrimThreshold:      threshold,
				OrientationMessage: orientation,
			})
			if err != nil {
				return err
			}

			cmd.Printf("Created branch %s from snapshot %s\n", result.Branch.Name, result.Snapshot)
			cmd.Println(kv("session id", result.Branch.ForkedSessionID))
			cmd.Println(kv("transcript", result.SessionPath))
			if m := result.TrimMetrics; m != nil {
				cmd.Println(kv("trimmed", humanBytes(m.OriginalBytes)+" -> "+humanBytes(m.TrimmedBytes)))
			}
			cmd.Printf("\nResume it with: claude --resume %s\n", result.Branch.ForkedSessionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&branchName, "name", "n", "", "branch name (default branch-<n>)")
	cmd.Flags().BoolVar(&doTrim, "trim", false, "trim the transcript while branching")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "stub threshold in characters (with --trim)")
	cmd.Flags().StringVarP(&orientation, "message", "m", "", "orientation message appended to the fork")
	return cmd
}
