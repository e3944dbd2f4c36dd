package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpatrickfarrell/jat-sub014/internal/style"
)

var killCmd = &cobra.Command{
	Use:   "kill <session>...",
	Short: "Kill agent sessions",
	Long: `Kill one or more agent sessions.

Killing tears down the tmux session and releases everything serve holds
for it: capture polling, classifier evidence, rule cooldowns, and any
pending question.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	client := newClient()
	var failed bool
	for _, name := range args {
		if err := client.kill(name); err != nil {
			failed = true
			fmt.Printf("%s %s: %v\n", style.ErrText.Render("failed"), name, err)
			continue
		}
		fmt.Printf("%s %s\n", style.OkText.Render("killed"), name)
	}
	if failed {
		return fmt.Errorf("not all sessions were killed")
	}
	return nil
}
