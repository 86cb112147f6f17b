package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/convlog/internal/backup"
	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/logger"
)

func newHistoryCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print durable messages, oldest first",
		Long: `Print durable messages of the configured session, oldest first.

Examples:
  convlog history
  convlog history --session pipulate
  convlog history --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := history.Open(a.cfg.Store.Path, history.WithTimeout(a.cfg.Store.IOTimeout))
			if err != nil {
				return err
			}
			defer store.Close()

			session := a.cfg.Store.SessionID
			if all {
				session = history.AllSessions
			}
			out := cmd.OutOrStdout()
			n := 0
			for msg, err := range store.ListAll(cmd.Context(), session) {
				if err != nil {
					return err
				}
				printMessage(out, msg)
				n++
			}
			fmt.Fprintf(out, "%d message(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Print every session")
	return cmd
}

func printMessage(w io.Writer, m history.Message) {
	fmt.Fprintf(w, "%6d  %s  %-10s [%s] %s\n",
		m.ID, m.CreatedAt.Format(time.RFC3339), m.SessionID, m.Role, m.Content)
}

func newReloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Run a recovery pass and report what it did",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conv, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer conv.Close()

			report, err := conv.Reload(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "state=%s durable=%d adopted=%d flushed=%d\n",
				report.State, report.Durable, report.Adopted, report.Flushed)
			return err
		},
	}
}

func newBackupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage son/father/grandfather backups of the store",
	}
	cmd.AddCommand(
		newBackupSnapshotCmd(a),
		newBackupListCmd(a),
		newBackupVerifyCmd(a),
		newBackupRestoreCmd(a),
	)
	return cmd
}

func newBackupSnapshotCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Copy the store into the son slot, rotating older generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conv, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer conv.Close()

			id, err := conv.Snapshot(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %s written to %s\n", id, backup.SlotSon)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded with the backup")
	return cmd
}

func newBackupListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the contents of each backup slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conv, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer conv.Close()

			md, err := conv.Backups()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, slot := range backup.Slots {
				gen := md.Get(slot)
				if gen == nil {
					fmt.Fprintf(out, "%-12s (empty)\n", slot)
					continue
				}
				stale := ""
				if gen.Stale {
					stale = "  STALE"
				}
				fmt.Fprintf(out, "%-12s %s  %s  rows=%d  reason=%s%s\n",
					slot, gen.ID, gen.CreatedAt.Format(time.RFC3339), gen.RowCount, gen.Reason, stale)
			}
			return nil
		},
	}
}

func newBackupVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <slot>",
		Short: "Check that a backup slot holds a readable store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := backup.ParseSlot(args[0])
			if err != nil {
				return err
			}
			conv, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer conv.Close()

			report, err := conv.Verify(cmd.Context(), slot)
			if err != nil {
				return err
			}
			if !report.ParseOK {
				return fmt.Errorf("%s is unreadable: %s", slot, report.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: %d row(s)\n", slot, report.RowCount)
			return nil
		},
	}
}

func newBackupRestoreCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <slot>",
		Short: "Replace the store with a backup slot",
		Long: `Replace the store with a backup slot.

The live store is backed up with reason "before_restore" first, and messages
held in memory that the backup lacks are written back afterwards. A slot that
fails verification is refused unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := backup.ParseSlot(args[0])
			if err != nil {
				return err
			}
			conv, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer conv.Close()

			if _, err := conv.Restore(cmd.Context(), slot, force); err != nil {
				return err
			}
			n, err := conv.Count(cmd.Context(), history.AllSessions)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s: %d message(s)\n", slot, n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Restore a slot that failed verification")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset <file>...",
		Short: "Delete sibling data files after backing up the conversation store",
		Long: `Delete sibling data files (for example an application database that shares
the data directory) after backing up the conversation store with reason
"before_reset". The conversation store itself is never deleted.

If the backup fails the reset is aborted unless --force is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storePath, err := filepath.Abs(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			for _, f := range args {
				abs, err := filepath.Abs(f)
				if err != nil {
					return err
				}
				if abs == storePath {
					return fmt.Errorf("refusing to delete the conversation store %s", f)
				}
			}

			conv, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer conv.Close()

			out := cmd.OutOrStdout()
			return conv.GuardDestructive(cmd.Context(), "before_reset", func(context.Context) error {
				for _, f := range args {
					if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
						return err
					}
					logger.L.Info("reset removed file", "path", f)
					fmt.Fprintf(out, "removed %s\n", f)
				}
				return nil
			}, func(err error) bool {
				fmt.Fprintf(cmd.ErrOrStderr(), "backup failed: %v\n", err)
				return force
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reset even if the backup fails")
	return cmd
}
