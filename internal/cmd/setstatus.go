package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/state"
)

var setStatusCmd = &cobra.Command{
	Use:   "set-status <id> <status>",
	Short: "Set a builder's status",
	Long: `Set-status updates a builder's advisory status. Builders run this
themselves to report progress. Valid statuses: spawning, implementing,
blocked, pr-ready, complete.`,
	Args: cobra.ExactArgs(2),
	RunE: runSetStatus,
}

func init() {
	rootCmd.AddCommand(setStatusCmd)
}

func runSetStatus(cmd *cobra.Command, args []string) error {
	status := strings.ToLower(args[1])
	if !state.ValidStatus(status) {
		return errors.NewValidationError("status",
			"must be one of spawning, implementing, blocked, pr-ready, complete")
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	snapshot, err := app.store.Load()
	if err != nil {
		return err
	}
	builder := findBuilder(snapshot, args[0])
	if builder == nil {
		return fmt.Errorf("%w: %s", errors.ErrBuilderNotFound, args[0])
	}

	if _, err := app.store.UpdateBuilderStatus(builder.ID, status); err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", builder.Name, status)
	return nil
}
