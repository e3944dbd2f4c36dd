package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jpatrickfarrell/jat-sub014/internal/style"
)

var listServers bool

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List agent sessions",
	Long: `List the agent sessions the running jat serve is supervising.

With --servers, list sidecar dev-server sessions and their detected
ports instead.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listServers, "servers", false, "list dev-server sessions")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if listServers {
		return listServerSessions()
	}

	sessions, err := newClient().sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println(style.Dim.Render("no sessions"))
		return nil
	}

	nameWidth := 16
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w >= 110 {
		nameWidth = 24
	}

	tbl := style.NewTable(
		style.Column{Name: "SESSION", Width: nameWidth},
		style.Column{Name: "STATE", Width: 12},
		style.Column{Name: "TASK", Width: 12},
		style.Column{Name: "PROJECT", Width: 10},
		style.Column{Name: "AGE", Width: 7, Right: true},
		style.Column{Name: "", Width: 2},
	)
	now := time.Now()
	for _, s := range sessions {
		marker := ""
		if s.PendingQuestion != nil {
			marker = "?"
		}
		tbl.Row(s.Name, style.State(s.State), s.TaskID, s.Project, age(now.Sub(s.SpawnedAt)), marker)
	}
	fmt.Print(tbl.Render())
	return nil
}

func listServerSessions() error {
	servers, err := newClient().servers()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println(style.Dim.Render("no servers"))
		return nil
	}

	tbl := style.NewTable(
		style.Column{Name: "SERVER", Width: 20},
		style.Column{Name: "DIR", Width: 28},
		style.Column{Name: "PORT", Width: 5, Right: true},
		style.Column{Name: "AGE", Width: 7, Right: true},
	)
	now := time.Now()
	for _, s := range servers {
		port := ""
		if s.Port > 0 {
			port = strconv.Itoa(s.Port)
		}
		tbl.Row(s.Name, s.Dir, port, age(now.Sub(s.StartedAt)))
	}
	fmt.Print(tbl.Render())
	return nil
}

// age formats a duration the way tmux status lines do: coarse, one unit.
func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
