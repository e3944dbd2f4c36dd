package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpatrickfarrell/jat-sub014/internal/style"
)

var sendKeys []string

var sendCmd = &cobra.Command{
	Use:   "send <session> [text]",
	Short: "Send text or keys to a session",
	Long: `Send literal text or named keys to an agent session's pane.

Text is typed as-is without a trailing Enter; pass Enter explicitly with
--key when the input should be submitted.

Examples:
  jat send jat-FairBay "looks good, continue" --key Enter
  jat send jat-FairBay --key Escape
  jat send jat-FairBay --key C-c --key C-c`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringArrayVarP(&sendKeys, "key", "k", nil, "named key to send after the text (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	name := args[0]
	if len(args) < 2 && len(sendKeys) == 0 {
		return fmt.Errorf("nothing to send: pass text, --key, or both")
	}

	client := newClient()
	if len(args) == 2 {
		if err := client.sendText(name, args[1]); err != nil {
			return err
		}
	}
	if len(sendKeys) > 0 {
		if err := client.sendKeys(name, sendKeys); err != nil {
			return err
		}
	}
	fmt.Printf("%s %s\n", style.OkText.Render("sent"), name)
	return nil
}
