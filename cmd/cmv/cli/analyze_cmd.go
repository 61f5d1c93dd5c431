package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/analyze"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/pricing"
	"github.com/cmv-dev/cmv/cmd/cmv/cli/session"
)

// resolveTranscript accepts either a session id/prefix or a direct path.
func resolveTranscript(arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	}
	entry, err := session.Find(arg)
	if err != nil {
		return "", err
	}
	return entry.FullPath, nil
}

func newAnalyzeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze <session-or-path>",
		Short: "Break down what a transcript spends its bytes on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveTranscript(args[0])
			if err != nil {
				return err
			}
			a, err := analyze.Analyze(path)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, a)
			}

			cmd.Println(headerStyle.Render("Session breakdown"))
			cmd.Println(kv("active bytes", humanBytes(a.TotalBytes)))
			cmd.Println(kv("estimated tokens", fmt.Sprintf("%d (%d%% of %d)", a.EstimatedTokens, a.ContextUsedPercent, a.ContextLimit)))
			cmd.Println()
			printBucket(cmd, "tool results", a.Breakdown.ToolResults.Bytes, a.Breakdown.ToolResults.Percent, a.Breakdown.ToolResults.Count)
			printBucket(cmd, "thinking signatures", a.Breakdown.ThinkingSignatures.Bytes, a.Breakdown.ThinkingSignatures.Percent, a.Breakdown.ThinkingSignatures.Count)
			printBucket(cmd, "file history", a.Breakdown.FileHistory.Bytes, a.Breakdown.FileHistory.Percent, a.Breakdown.FileHistory.Count)
			printBucket(cmd, "tool use requests", a.Breakdown.ToolUseRequests.Bytes, a.Breakdown.ToolUseRequests.Percent, a.Breakdown.ToolUseRequests.Count)
			printBucket(cmd, "conversation", a.Breakdown.Conversation.Bytes, a.Breakdown.Conversation.Percent, -1)
			printBucket(cmd, "other", a.Breakdown.Other.Bytes, a.Breakdown.Other.Percent, -1)
			cmd.Println()
			cmd.Println(kv("messages", fmt.Sprintf("%d user, %d assistant, %d tool results",
				a.MessageCount.User, a.MessageCount.Assistant, a.MessageCount.ToolResults)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printBucket(cmd *cobra.Command, name string, bytes int64, percent float64, count int) {
	value := fmt.Sprintf("%-10s %5.1f%%", humanBytes(bytes), percent)
	if count >= 0 {
		value += fmt.Sprintf("  (%d)", count)
	}
	cmd.Println(kv(name, value))
}

func newImpactCmd() *cobra.Command {
	var (
		modelName string
		hitRate   float64
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "impact <session-or-path>",
		Short: "Estimate the cost impact of trimming under cache pricing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveTranscript(args[0])
			if err != nil {
				return err
			}
			a, err := analyze.Analyze(path)
			if err != nil {
				return err
			}
			model, err := pricing.FindModel(modelName)
			if err != nil {
				return err
			}
			impact := pricing.EstimateImpact(a, model, hitRate)
			if asJSON {
				return printJSON(cmd, impact)
			}

			cmd.Println(headerStyle.Render("Cache impact (" + impact.Model + ")"))
			cmd.Println(kv("tokens", fmt.Sprintf("%d -> %d (-%.0f%%)", impact.PreTrimTokens, impact.PostTrimTokens, impact.ReductionPercent)))
			cmd.Println(kv("steady cost/turn", fmt.Sprintf("$%.4f -> $%.4f", impact.PreTrimSteadyCost, impact.PostTrimSteadyCost)))
			cmd.Println(kv("first-turn penalty", fmt.Sprintf("$%.4f", impact.CacheMissPenalty)))
			if impact.BreakEvenTurns > 0 {
				cmd.Println(kv("breaks even after", fmt.Sprintf("%d turns", impact.BreakEvenTurns)))
			} else {
				cmd.Println(kv("breaks even after", "never (no per-turn savings)"))
			}
			cmd.Println()
			for _, p := range impact.Projections {
				cmd.Println(kv(fmt.Sprintf("%d turns", p.Turns),
					fmt.Sprintf("$%.4f -> $%.4f (%.0f%% saved)", p.WithoutTrim, p.WithTrim, p.SavedPercent)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelName, "model", pricing.DefaultModel, "pricing model (opus, sonnet, haiku)")
	cmd.Flags().Float64Var(&hitRate, "hit-rate", pricing.DefaultCacheHitRate, "assumed steady-state cache hit rate")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}
