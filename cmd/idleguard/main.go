// Command idleguard runs the idle session guard server, its terminal client
// and small admin helpers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "idleguard",
	Short: "Log sessions out after a period without user activity",
	Long: `idleguard tracks logged-in sessions and logs each one out once its host
has reported no keyboard, mouse, scroll or touch activity for the idle timeout.

Hosts connect over a websocket: the embedded browser page, the terminal
client (idleguard tui) or the built-in simulator (idleguard serve --mock).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
