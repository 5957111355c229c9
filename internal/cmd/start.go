package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/tmux"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the architect session and dashboard for this project",
	Long: `Start brings up the project instance: it reclaims stale port blocks,
kills orphaned sessions left by crashes, starts the architect agent
session, and launches the dashboard server. Running start on an
already-running project is a no-op with a warning.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if reclaimed, err := app.registry.CleanupStale(); err == nil && reclaimed > 0 {
		fmt.Printf("Reclaimed %d stale port block(s)\n", reclaimed)
	}

	if killed, err := app.life.ReconcileOrphans(app.store); err != nil {
		return err
	} else if killed > 0 {
		fmt.Printf("Killed %d orphaned session(s)\n", killed)
	}

	// Idempotent: a live architect means the project is already up.
	if arch, err := app.store.GetArchitect(); err != nil {
		return err
	} else if arch != nil && tmux.IsProcessAlive(arch.PID) {
		fmt.Printf("Already running — dashboard at %s\n", app.dashboardURL())
		return nil
	}

	session := tmux.SessionName(tmux.KindArchitect, "main")
	agent := strings.Fields(app.cfg.Agent.Command)
	pid, err := app.life.SpawnSession(session, app.root, app.block.ArchitectPort(), agent...)
	if err != nil {
		return fmt.Errorf("failed to start architect: %w", err)
	}
	if err := app.store.SetArchitect(&state.Architect{
		Port:        app.block.ArchitectPort(),
		PID:         pid,
		Cmd:         app.cfg.Agent.Command,
		StartedAt:   time.Now().UTC(),
		TmuxSession: session,
	}); err != nil {
		return err
	}

	if err := launchDashboard(app); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: dashboard did not start: %v\n", err)
	}

	fmt.Printf("Started — dashboard at %s\n", app.dashboardURL())
	return nil
}

// launchDashboard starts `codev dashboard` as a detached child and records
// its pid in the port registry for stale-block detection.
func launchDashboard(app *app) error {
	if dashboardReachable(app.block) {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(exe, "dashboard")
	child.Dir = app.root
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return err
	}
	pid := child.Process.Pid
	go func() { _ = child.Wait() }()

	if err := app.registry.SetPID(app.root, pid); err != nil {
		app.logger.Warn("could not record dashboard pid", "error", err)
	}

	deadline := time.Now().Add(app.cfg.ReadyTimeout())
	for time.Now().Before(deadline) {
		if dashboardReachable(app.block) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	tmux.KillProcessTree(pid)
	return fmt.Errorf("dashboard not reachable on port %d", app.block.DashboardPort())
}
