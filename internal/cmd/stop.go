package cmd

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/tmux"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every session for this project and clear state",
	Long: `Stop kills the architect, all builders, utils, and file viewers, shuts
down the dashboard server, and clears the session state. Worktrees and
branches are preserved.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	snapshot, err := app.store.Load()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	kill := func(pid int, session string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.life.KillGracefully(pid, session)
		}()
	}
	count := 0
	if a := snapshot.Architect; a != nil {
		kill(a.PID, a.TmuxSession)
		count++
	}
	for _, b := range snapshot.Builders {
		kill(b.PID, b.TmuxSession)
		count++
	}
	for _, u := range snapshot.Utils {
		kill(u.PID, u.TmuxSession)
		count++
	}
	for _, a := range snapshot.Annotations {
		kill(a.PID, tmux.SessionName(tmux.KindAnnotation, a.ID))
		count++
	}
	wg.Wait()

	// The dashboard is not in the state store; its pid lives in the port
	// registry block.
	if blocks, err := app.registry.Blocks(); err == nil {
		for _, blk := range blocks {
			if blk.ProjectPath == app.block.ProjectPath && blk.PID != 0 {
				tmux.KillProcessTree(blk.PID)
			}
		}
	}

	_ = tmux.KillServer(app.life.Socket())

	if err := app.store.ClearState(); err != nil {
		return err
	}
	fmt.Printf("Stopped %d session(s)\n", count)
	return nil
}
