package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run the dashboard state server in the foreground",
	Long: `Dashboard runs the project's HTTP state server. You normally do not
invoke this directly; start launches it in the background.`,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := dashboard.New(app.root, app.cfg, app.store, app.life, app.spawner, app.logger)
	return srv.Run(ctx, app.block.DashboardPort())
}
