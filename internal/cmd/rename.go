package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/spawn"
)

var renameCmd = &cobra.Command{
	Use:   "rename <id> <new-name>",
	Short: "Rename a builder or utility shell",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

func init() {
	rootCmd.AddCommand(renameCmd)
}

func runRename(cmd *cobra.Command, args []string) error {
	id, newName := args[0], args[1]
	if !spawn.ValidName(newName) {
		return errors.NewValidationError("name", "must be 1-32 characters of [a-zA-Z0-9_-]")
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if oldName, ok, err := app.store.RenameBuilder(id, newName); err != nil {
		return err
	} else if ok {
		fmt.Printf("Renamed builder %s -> %s\n", oldName, newName)
		return nil
	}
	if oldName, ok, err := app.store.RenameUtil(id, newName); err != nil {
		return err
	} else if ok {
		fmt.Printf("Renamed util %s -> %s\n", oldName, newName)
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
}
