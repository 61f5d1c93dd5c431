package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	var (
		sessionID   string
		description string
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "snapshot <name>",
		Short: "Capture a transcript as a named snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, warnings, err := snapshot.Create(snapshot.CreateOptions{
				Name:        args[0],
				SessionID:   sessionID,
				Description: description,
				Tags:        tags,
			})
			if err != nil {
				return err
			}
			for _, w := range warnings {
				cmd.Println(warnStyle.Render("warning: " + w))
			}
			cmd.Printf("Created snapshot %s (%s) from session %s\n", snap.Name, snap.ID, snap.SourceSessionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "source session id or prefix (default: most recent)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "free-text description")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tags (repeatable)")
	return cmd
}

func newListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := snapshot.List()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, snaps)
			}
			if len(snaps) == 0 {
				cmd.Println("No snapshots. Create one with: cmv snapshot <name>")
				return nil
			}
			for _, s := range snaps {
				line := headerStyle.Render(s.Name)
				if len(s.Branches) > 0 {
					line += labelStyle.Render(fmt.Sprintf("  (%d branches)", len(s.Branches)))
				}
				cmd.Println(line)
				cmd.Println(kv("created", s.CreatedAt.Format("2006-01-02 15:04")))
				cmd.Println(kv("source session", s.SourceSessionID))
				if s.Description != "" {
					cmd.Println(kv("description", s.Description))
				}
				if len(s.Tags) > 0 {
					cmd.Println(kv("tags", strings.Join(s.Tags, ", ")))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show snapshot lineage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := snapshot.BuildTree()
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				cmd.Println("No snapshots.")
				return nil
			}
			for _, root := range roots {
				printTree(cmd, root, 0)
			}
			return nil
		},
	}
	return cmd
}

func printTree(cmd *cobra.Command, node *snapshot.TreeNode, depth int) {
	indent := strings.Repeat("  ", depth)
	line := indent + headerStyle.Render(node.Snapshot.Name)
	for _, b := range node.Snapshot.Branches {
		line += labelStyle.Render(" [" + b.Name + "]")
	}
	cmd.Println(line)
	for _, child := range node.Children {
		printTree(cmd, child, depth+1)
	}
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <snapshot> [branch]",
		Short: "Delete a snapshot, or one branch of it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				if err := snapshot.DeleteBranch(args[0], args[1]); err != nil {
					return err
				}
				cmd.Printf("Deleted branch %s of snapshot %s\n", args[1], args[0])
				return nil
			}
			if err := snapshot.Delete(args[0]); err != nil {
				return err
			}
			cmd.Printf("Deleted snapshot %s\n", args[0])
			return nil
		},
	}
	return cmd
}
