package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/hook"
)

func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hook <trigger>",
		Short:  "Auto-trim hook entry point (invoked by the host assistant)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The hook contract is exit 0 no matter what; unknown triggers
			// included.
			if !hook.IsKnownTrigger(args[0]) {
				return nil
			}
			hook.Run(os.Stdin, args[0])
			return nil
		},
	}
	return cmd
}

func newLogCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the auto-trim log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := hook.ReadLog()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, entries)
			}
			if len(entries) == 0 {
				cmd.Println("No auto-trims recorded.")
				return nil
			}
			for _, e := range entries {
				cmd.Println(kv(e.Timestamp.Format("2006-01-02 15:04:05"),
					fmt.Sprintf("%s %s %s -> %s (-%.1f%%)",
						e.Trigger, e.SessionID,
						humanBytes(e.OriginalBytes), humanBytes(e.TrimmedBytes), e.ReductionPercent)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}
