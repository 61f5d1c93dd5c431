package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/trim"
)

func newTrimCmd() *cobra.Command {
	var threshold int

	cmd := &cobra.Command{
		Use:   "trim <source.jsonl> <destination.jsonl>",
		Short: "Trim a transcript into a new file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics, err := trim.Trim(args[0], args[1], trim.Options{Threshold: threshold})
			if err != nil {
				return err
			}

			cmd.Println(headerStyle.Render("Trim complete"))
			cmd.Println(kv("size", fmt.Sprintf("%s -> %s (-%.1f%%)",
				humanBytes(metrics.OriginalBytes), humanBytes(metrics.TrimmedBytes), metrics.ReductionPercent())))
			cmd.Println(kv("tool results stubbed", metrics.ToolResultsStubbed))
			cmd.Println(kv("thinking removed", metrics.SignaturesStripped))
			cmd.Println(kv("file history removed", metrics.FileHistoryRemoved))
			cmd.Println(kv("images stripped", metrics.ImagesStripped))
			cmd.Println(kv("inputs stubbed", metrics.ToolUseInputsStubbed))
			cmd.Println(kv("pre-compaction skipped", metrics.PreCompactionLinesSkipped))
			cmd.Println(kv("queue ops removed", metrics.QueueOperationsRemoved))
			cmd.Println(kv("kept", fmt.Sprintf("%d user, %d assistant, %d tool uses",
				metrics.UserMessages, metrics.AssistantResponses, metrics.ToolUseRequests)))
			return nil
		},
	}

	cmd.Flags().IntVar(&threshold, "threshold", 0, "stub threshold in characters (default 500, min 50)")
	return cmd
}
