// jat is the CLI for supervising AI coding agents in tmux sessions.
package main

import (
	"os"

	"github.com/jpatrickfarrell/jat-sub014/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
