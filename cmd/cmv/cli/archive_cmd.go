package cli

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cmv-dev/cmv/cmd/cmv/cli/snapshot"
)

func newExportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <snapshot>",
		Short: "Export a snapshot as a portable .cmv archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := snapshot.Export(args[0], outPath)
			if err != nil {
				return err
			}
			cmd.Printf("Exported %s to %s\n", args[0], path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "archive path (default <name>.cmv)")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		rename string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Import a .cmv archive into the snapshot store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := snapshot.ImportOptions{Rename: rename, Force: force}
			result, err := snapshot.Import(args[0], opts)

			// On a name conflict, offer interactive resolution when attached
			// to a terminal.
			if errors.Is(err, snapshot.ErrSnapshotExists) && !force && rename == "" && isTTY() {
				opts, retry := promptConflictResolution(err)
				if !retry {
					return err
				}
				result, err = snapshot.Import(args[0], opts)
			}
			if err != nil {
				return err
			}

			for _, w := range result.Warnings {
				cmd.Println(warnStyle.Render("warning: " + w))
			}
			cmd.Printf("Imported snapshot %s (%s)\n", result.Snapshot.Name, result.Snapshot.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&rename, "rename", "", "import under a different name")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing snapshot of the same name")
	return cmd
}

// promptConflictResolution asks how to resolve an import name collision.
func promptConflictResolution(conflictErr error) (snapshot.ImportOptions, bool) {
	const (
		choiceRename = "rename"
		choiceForce  = "force"
		choiceAbort  = "abort"
	)

	choice := choiceAbort
	newName := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("%v", conflictErr)).
				Options(
					huh.NewOption("Import under a new name", choiceRename),
					huh.NewOption("Replace the existing snapshot", choiceForce),
					huh.NewOption("Abort", choiceAbort),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil || choice == choiceAbort {
		return snapshot.ImportOptions{}, false
	}

	if choice == choiceForce {
		return snapshot.ImportOptions{Force: true}, true
	}

	nameForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("New snapshot name").Value(&newName),
		),
	)
	if err := nameForm.Run(); err != nil || newName == "" {
		return snapshot.ImportOptions{}, false
	}
	return snapshot.ImportOptions{Rename: newName}, true
}
