// Shiftdesk is a conversational shift-scheduling agent.
//
// Usage:
//
//	shiftdesk serve                  Run the LINE/Telegram service
//	shiftdesk chat --user <id>       Chat with the agent from the terminal
//	shiftdesk history show --user    Print a user's recent conversation
//	shiftdesk config init            Run the configuration wizard
//	shiftdesk status | stop          Inspect or stop a running service
package main

import (
	"fmt"
	"os"

	"github.com/harun/shiftdesk/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
