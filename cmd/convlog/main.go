package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/convlog/internal/config"
	"github.com/comigor/convlog/internal/conversation"
	"github.com/comigor/convlog/internal/logger"
)

const rootLongDesc string = `convlog keeps an append-only, deduplicated conversation log that survives
restarts, concurrent writers and environment switches.

Run services using:
  convlog serve     Run the chat HTTP server
  convlog mcp       Serve conversation tools over stdio

Inspect and repair the store using:
  convlog history, convlog reload, convlog backup, convlog reset`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries the loaded configuration from the root command to subcommands.
type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "convlog",
		Short:         "Append-only conversation log",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Log.Level = "debug"
			}
			if session, _ := cmd.Flags().GetString("session"); session != "" {
				cfg.Store.SessionID = session
			}
			logger.Configure(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			a.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("session", "s", "", "Session id (overrides store.session_id)")

	cmd.AddCommand(
		newServeCmd(a),
		newMCPCmd(a),
		newHistoryCmd(a),
		newReloadCmd(a),
		newBackupCmd(a),
		newResetCmd(a),
	)
	return cmd
}

func (a *app) open(ctx context.Context) (*conversation.Manager, error) {
	return conversation.Open(ctx, a.cfg.Store)
}
