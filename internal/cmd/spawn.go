package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpatrickfarrell/jat-sub014/internal/style"
)

var (
	spawnProject string
	spawnEpic    bool
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <task-id>",
	Short: "Spawn an agent session for a task",
	Long: `Spawn an agent session for a task via the running jat serve.

With --epic the task's children are fanned out across multiple agents;
each agent works through its share of the children in order.

Examples:
  jat spawn jat-142 --project web
  jat spawn epic-7 --project web --epic`,
	Args: cobra.ExactArgs(1),
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().StringVarP(&spawnProject, "project", "p", "", "project key from projects.json (required)")
	spawnCmd.Flags().BoolVar(&spawnEpic, "epic", false, "fan the task's children out across agents")
	_ = spawnCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(spawnCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	v, err := newClient().spawn(args[0], spawnProject, spawnEpic)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", style.OkText.Render("spawned"), v.Name)
	if v.Epic != nil && len(v.Epic.Tasks) > 0 {
		fmt.Printf("  %s\n", style.Dim.Render(fmt.Sprintf("%d follow-up task(s) queued", len(v.Epic.Tasks))))
	}
	return nil
}
