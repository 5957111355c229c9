package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sessions running for this project",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	statusStyles = map[string]lipgloss.Style{
		state.StatusSpawning:     lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		state.StatusImplementing: lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		state.StatusBlocked:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		state.StatusPRReady:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		state.StatusComplete:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	}
)

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if pruned, err := app.life.PruneDead(app.store); err != nil {
		return err
	} else if pruned > 0 {
		fmt.Printf("Pruned %d dead session(s)\n\n", pruned)
	}

	snapshot, err := app.store.Load()
	if err != nil {
		return err
	}

	styled := term.IsTerminal(int(os.Stdout.Fd()))
	style := func(st lipgloss.Style, s string) string {
		if !styled {
			return s
		}
		return st.Render(s)
	}

	if snapshot.Architect == nil && len(snapshot.Builders) == 0 &&
		len(snapshot.Utils) == 0 && len(snapshot.Annotations) == 0 {
		fmt.Println("Nothing running. Use `codev start`.")
		return nil
	}

	fmt.Printf("Dashboard: %s\n\n", app.dashboardURL())

	if a := snapshot.Architect; a != nil {
		fmt.Println(style(headerStyle, "Architect"))
		fmt.Printf("  port %d  pid %d  up %s\n\n", a.Port, a.PID, age(a.StartedAt))
	}

	if len(snapshot.Builders) > 0 {
		fmt.Println(style(headerStyle, fmt.Sprintf("Builders (%d)", len(snapshot.Builders))))
		for _, b := range snapshot.Builders {
			st := b.Status
			if s, ok := statusStyles[b.Status]; ok {
				st = style(s, b.Status)
			}
			detail := b.Type
			switch {
			case b.TaskText != "":
				// Task text is free-form user input; truncate by visual
				// width so pasted escapes and wide runes don't skew columns.
				detail = util.TruncateANSI(b.TaskText, 40)
			case b.ProtocolName != "":
				detail = "protocol " + b.ProtocolName
			case b.IssueNumber != 0:
				detail = fmt.Sprintf("issue #%d", b.IssueNumber)
			}
			fmt.Printf("  %-20s %-14s port %-6d %s\n", b.Name, st, b.Port,
				style(dimStyle, detail))
			if b.Branch != "" {
				fmt.Printf("  %s\n", style(dimStyle, "  "+b.Branch+"  "+age(b.CreatedAt)))
			}
		}
		fmt.Println()
	}

	if len(snapshot.Utils) > 0 {
		fmt.Println(style(headerStyle, fmt.Sprintf("Utility shells (%d)", len(snapshot.Utils))))
		for _, u := range snapshot.Utils {
			fmt.Printf("  %-20s port %d\n", u.Name, u.Port)
		}
		fmt.Println()
	}

	if len(snapshot.Annotations) > 0 {
		fmt.Println(style(headerStyle, fmt.Sprintf("Open files (%d)", len(snapshot.Annotations))))
		for _, a := range snapshot.Annotations {
			fmt.Printf("  %-40s port %d\n", util.TruncateString(a.File, 40), a.Port)
		}
	}
	return nil
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
