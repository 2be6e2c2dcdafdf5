package main

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/app"
	"github.com/idleguard/idleguard/internal/client"
	"github.com/idleguard/idleguard/internal/logging"
)

var (
	tuiURL     string
	tuiToken   string
	tuiUser    string
	tuiTimeout time.Duration
	tuiLogFile string
	tuiStyle   string
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Log in from this terminal and watch all sessions",
	Long: `Log in to an idleguard server from this terminal. Key presses, mouse
movement and terminal focus count as activity; after the idle timeout the
terminal logs out and locks.

Examples:
  idleguard tui --user ada
  idleguard tui --url wss://guard.example.com/ws --token $TOKEN --timeout 5m`,
	Args: cobra.NoArgs,
	RunE: runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
	tuiCmd.Flags().StringVar(&tuiURL, "url", "ws://127.0.0.1:8080/ws", "websocket URL of the idleguard server")
	tuiCmd.Flags().StringVar(&tuiToken, "token", "", "auth token, if the server requires one")
	tuiCmd.Flags().StringVarP(&tuiUser, "user", "u", "", "log in as this user right away")
	tuiCmd.Flags().DurationVar(&tuiTimeout, "timeout", 0, "local idle timeout (default: the server's)")
	tuiCmd.Flags().StringVar(&tuiLogFile, "log-file", "", "write debug logs to this file")
	tuiCmd.Flags().StringVar(&tuiStyle, "help-style", "", "glamour style for the help overlay (dark, light, notty)")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if tuiTimeout < 0 {
		return errors.New("--timeout must not be negative")
	}

	logger := zap.NewNop()
	if tuiLogFile != "" {
		l, _, err := logging.New(logging.Options{
			Level:       "debug",
			JSON:        true,
			OutputPaths: []string{tuiLogFile},
		})
		if err != nil {
			return err
		}
		defer l.Sync()
		logger = l
	}

	wsc := client.NewWSClient(tuiURL, tuiToken, logger)
	httpc := client.NewHTTPClient(client.HTTPBase(tuiURL), tuiToken)

	m := app.New(wsc, httpc, app.Options{
		User:      tuiUser,
		Timeout:   tuiTimeout,
		HelpStyle: tuiStyle,
		Logger:    logger,
	})
	p := tea.NewProgram(m,
		tea.WithAltScreen(),
		tea.WithMouseAllMotion(),
		tea.WithReportFocus(),
	)
	m.Host().Bind(p.Send)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("terminal client: %w", err)
	}
	return nil
}
