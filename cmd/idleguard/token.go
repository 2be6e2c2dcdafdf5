package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/idleguard/idleguard/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a random value for server.auth_token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := config.GenerateToken()
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
