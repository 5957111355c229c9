package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/tmux"
)

var sendInterrupt bool

var sendCmd = &cobra.Command{
	Use:   "send <session> <text>...",
	Short: "Inject text into a session",
	Long: `Send types text into a builder or util session as if at the keyboard,
followed by Enter. <session> is a builder/util ID or name, or "architect".
With --interrupt, a Ctrl+C is sent first.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVarP(&sendInterrupt, "interrupt", "i", false, "send Ctrl+C before the text")
}

func runSend(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	session, err := resolveSession(app, args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	return tmux.SendKeys(app.life.Socket(), session, text, sendInterrupt)
}

// resolveSession maps an ID or display name to a tmux session name.
func resolveSession(app *app, ref string) (string, error) {
	snapshot, err := app.store.Load()
	if err != nil {
		return "", err
	}

	if ref == "architect" {
		if snapshot.Architect == nil {
			return "", errors.ErrArchitectNotRunning
		}
		return snapshot.Architect.TmuxSession, nil
	}
	for _, b := range snapshot.Builders {
		if b.ID == ref || b.Name == ref {
			return b.TmuxSession, nil
		}
	}
	for _, u := range snapshot.Utils {
		if u.ID == ref || u.Name == ref {
			return u.TmuxSession, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errors.ErrSessionNotFound, ref)
}

// findBuilder maps an ID or display name to a builder record.
func findBuilder(snapshot *state.State, ref string) *state.Builder {
	for _, b := range snapshot.Builders {
		if b.ID == ref || b.Name == ref {
			return b
		}
	}
	return nil
}
