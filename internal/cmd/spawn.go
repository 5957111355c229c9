package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/spawn"
)

var spawnOpts spawn.Options

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a builder session",
	Long: `Spawn creates a builder session in one of six modes. Exactly one mode
flag is required:

  --spec FILE     implement a spec file
  --task TEXT     work on a free-text task
  --protocol NAME follow a protocol from .codev/protocols/
  --issue N       fix a GitHub issue (claim checks apply)
  --shell         bare interactive session, no worktree
  --worktree      interactive session in an isolated worktree`,
	RunE: runSpawn,
}

func init() {
	rootCmd.AddCommand(spawnCmd)

	spawnCmd.Flags().StringVar(&spawnOpts.SpecFile, "spec", "", "spec file to implement")
	spawnCmd.Flags().StringVar(&spawnOpts.Task, "task", "", "free-text task description")
	spawnCmd.Flags().StringVar(&spawnOpts.Protocol, "protocol", "", "protocol name")
	spawnCmd.Flags().IntVar(&spawnOpts.IssueNumber, "issue", 0, "GitHub issue number")
	spawnCmd.Flags().BoolVar(&spawnOpts.Shell, "shell", false, "bare shell, no worktree")
	spawnCmd.Flags().BoolVar(&spawnOpts.Worktree, "worktree", false, "interactive worktree session")
	spawnCmd.Flags().StringVar(&spawnOpts.PlanFile, "plan", "", "plan file referenced in the spec prompt")
	spawnCmd.Flags().StringSliceVar(&spawnOpts.TaskFiles, "file", nil, "file hint for the task prompt (repeatable)")
	spawnCmd.Flags().StringVar(&spawnOpts.Name, "name", "", "display name for the builder")
	spawnCmd.Flags().BoolVar(&spawnOpts.Force, "force", false, "proceed despite issue claim heuristics")
	spawnCmd.Flags().BoolVar(&spawnOpts.NoRole, "no-role", false, "skip role injection")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	// Validation is pure and needs no wiring; a bad invocation should not
	// even touch the registry or state store.
	if err := spawnOpts.Validate(); err != nil {
		return err
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	builder, warnings, err := app.spawner.Spawn(&spawnOpts)
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Spawned %s (%s) on port %d\n", builder.Name, builder.Type, builder.Port)
	if builder.Worktree != "" {
		fmt.Printf("  worktree: %s\n  branch:   %s\n", builder.Worktree, builder.Branch)
	}
	fmt.Printf("  terminal: http://127.0.0.1:%d\n", builder.Port)
	return nil
}
