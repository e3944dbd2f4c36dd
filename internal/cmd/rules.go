package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jpatrickfarrell/jat-sub014/internal/rules"
	"github.com/jpatrickfarrell/jat-sub014/internal/style"
)

var (
	rulesPath       string
	rulesImportMode string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage output rules",
	Long: `Manage the output rules serve evaluates against agent pane deltas.

These commands operate on the rules store file directly; the file lock
keeps them safe to run while serve is up. serve picks up changes on its
next evaluation.`,
	RunE: func(cmd *cobra.Command, args []string) error { return cmd.Help() },
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export rules as JSON",
	Long: `Export the rule set as a versioned JSON document.

Writes to stdout unless a file argument is given. The export includes
disabled rules and their validation annotations, so a replace-import of
the document reproduces the store exactly.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesExport,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import rules from a JSON export",
	Long: `Import rules from a previously exported JSON document.

--mode merge (the default) unions by rule id with incoming rules winning
conflicts; --mode replace discards the current rule set first.`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesImport,
}

func init() {
	rulesCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "rules store file (default ~/.config/jat/rules.json)")
	rulesImportCmd.Flags().StringVar(&rulesImportMode, "mode", string(rules.ImportMerge), "merge or replace")
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesExportCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}

func openRuleStore() (*rules.Store, error) {
	path := rulesPath
	if path == "" {
		p, err := rules.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	store := rules.NewStore(path)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return store, nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	store, err := openRuleStore()
	if err != nil {
		return err
	}
	snapshot := store.Snapshot()
	if len(snapshot) == 0 {
		fmt.Println(style.Dim.Render("no rules"))
		return nil
	}

	tbl := style.NewTable(
		style.Column{Name: "PRI", Width: 4, Right: true},
		style.Column{Name: "NAME", Width: 28},
		style.Column{Name: "CATEGORY", Width: 12},
		style.Column{Name: "ACTIONS", Width: 7, Right: true},
		style.Column{Name: "STATUS", Width: 16},
	)
	for _, r := range snapshot {
		status := style.OkText.Render("enabled")
		switch {
		case r.ValidationError != "":
			status = style.ErrText.Render("invalid")
		case !r.Enabled:
			status = style.Dim.Render("disabled")
		}
		tbl.Row(strconv.Itoa(r.Priority), r.Name, string(r.Category), strconv.Itoa(len(r.Actions)), status)
	}
	fmt.Print(tbl.Render())
	return nil
}

func runRulesExport(cmd *cobra.Command, args []string) error {
	store, err := openRuleStore()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(store.Export(), "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if len(args) == 0 {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", style.OkText.Render("exported"), args[0])
	return nil
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	mode := rules.ImportMode(rulesImportMode)
	if mode != rules.ImportMerge && mode != rules.ImportReplace {
		return fmt.Errorf("unknown import mode %q", rulesImportMode)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var file rules.ExportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	store, err := openRuleStore()
	if err != nil {
		return err
	}
	if err := store.Import(file, mode); err != nil {
		return err
	}
	fmt.Printf("%s %d rule(s) (%s)\n", style.OkText.Render("imported"), len(file.Rules), mode)
	return nil
}
