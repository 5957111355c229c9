package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/state"
)

var utilCmd = &cobra.Command{
	Use:   "util [name]",
	Short: "Open a utility shell",
	Long: `Util creates a bare shell session with no worktree and no agent. If
the dashboard is running it appears there as a tab; otherwise a
standalone session is spawned and its terminal URL printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUtil,
}

func init() {
	rootCmd.AddCommand(utilCmd)
}

func runUtil(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}

	if dashboardReachable(app.block) {
		var resp struct {
			Util *state.Util `json:"util"`
		}
		body := map[string]string{"name": name}
		if err := dashboardPost(app.block, "/api/tabs/shell", body, &resp); err != nil {
			return err
		}
		fmt.Printf("Opened shell %s in the dashboard (%s)\n", resp.Util.Name, app.dashboardURL())
		return nil
	}

	u, err := app.spawner.SpawnUtil(name)
	if err != nil {
		return err
	}
	fmt.Printf("Opened shell %s at http://127.0.0.1:%d\n", u.Name, u.Port)
	return nil
}
