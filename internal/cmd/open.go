package cmd

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/state"
)

var openCmd = &cobra.Command{
	Use:   "open <file>",
	Short: "View a file in a terminal tab",
	Long: `Open starts a read-only viewer on a file inside the project. If the
dashboard is running the file appears there as a tab; otherwise a
standalone viewer is spawned and a browser pointed at it.`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

func init() {
	rootCmd.AddCommand(openCmd)
}

func runOpen(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if dashboardReachable(app.block) {
		var resp struct {
			Annotation *state.Annotation `json:"annotation"`
		}
		body := map[string]string{"path": args[0]}
		if err := dashboardPost(app.block, "/api/tabs/file", body, &resp); err != nil {
			return err
		}
		fmt.Printf("Opened %s in the dashboard (%s)\n", resp.Annotation.File, app.dashboardURL())
		return nil
	}

	a, err := app.spawner.SpawnAnnotation(args[0], "")
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d", a.Port)
	openBrowser(url)
	fmt.Printf("Viewing %s at %s\n", a.File, url)
	return nil
}

// openBrowser is best-effort; the URL is printed regardless.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
	if cmd.Process != nil {
		go func() { _ = cmd.Wait() }()
	}
}
