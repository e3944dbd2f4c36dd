// Package cmd implements the jat CLI: the long-running `serve` orchestrator
// plus one-shot commands that drive it over its HTTP API.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jpatrickfarrell/jat-sub014/internal/style"
)

// Exit codes. Sysexits-style: 64 for bad configuration, 70 when the
// terminal multiplexer is unusable.
const (
	ExitOK          = 0
	ExitConfig      = 64
	ExitUnavailable = 70
)

// exitError carries a specific process exit code through RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "jat",
	Short: "Supervise AI coding agents in tmux sessions",
	Long: `jat orchestrates AI coding agents running inside tmux sessions.

The serve command runs the orchestrator: it spawns agents against tasks,
classifies their activity, reacts to output with user-defined rules, and
serves an HTTP + SSE API for the dashboard. The remaining commands are
thin clients of that API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "127.0.0.1:7420", "address of the jat serve API")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, style.ErrText.Render("Error: ")+err.Error())
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return ExitOK
}
