package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/errors"
)

var (
	cleanupRmWorktree bool
	cleanupRmBranch   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <id>",
	Short: "Remove a builder session",
	Long: `Cleanup kills a builder's session and removes its record. The worktree
and branch are preserved by default so finished work stays inspectable;
pass --rm-worktree / --rm-branch to delete them. Real uncommitted
changes in the worktree are reported either way.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupRmWorktree, "rm-worktree", false, "also remove the worktree")
	cleanupCmd.Flags().BoolVar(&cleanupRmBranch, "rm-branch", false, "also delete the branch")
}

func runCleanup(cmd *cobra.Command, args []string) error {
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

	// Report genuine uncommitted work before anything dies. Files the tool
	// itself scaffolds into the worktree don't count.
	if builder.Worktree != "" {
		changes, err := app.trees.UncommittedChanges(builder.Worktree, app.cfg.ScaffoldGlobs())
		if err == nil && len(changes) > 0 {
			fmt.Printf("Uncommitted changes in %s:\n", builder.Worktree)
			for _, c := range changes {
				fmt.Printf("  %s\n", c)
			}
		}
	}

	app.life.KillGracefully(builder.PID, builder.TmuxSession)
	if _, err := app.store.RemoveBuilder(builder.ID); err != nil {
		return err
	}

	if builder.Worktree != "" {
		if cleanupRmWorktree {
			if err := app.trees.Remove(builder.Worktree); err != nil {
				fmt.Printf("Warning: %v\n", err)
			}
		} else {
			fmt.Printf("Worktree preserved: %s\n", builder.Worktree)
		}
	}
	if builder.Branch != "" {
		if cleanupRmBranch {
			if err := app.trees.DeleteBranch(builder.Branch); err != nil {
				fmt.Printf("Warning: %v\n", err)
			}
		} else {
			fmt.Printf("Branch preserved:   %s\n", builder.Branch)
		}
	}

	if err := app.trees.Prune(); err != nil {
		app.logger.Warn("worktree prune failed", "error", err)
	}

	fmt.Printf("Removed %s\n", builder.ID)
	return nil
}
