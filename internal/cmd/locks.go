package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/fieldlock"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/store"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and recover field locks",
	Long: `Locks lists the field locks held in the configured store and offers
manual recovery for locks orphaned by crashed clients.`,
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held field locks",
	Long: `List every field lock, ordered by record then field.

Examples:
  # Locks on every task record
  coedit locks list --record 'task-*'

  # Locks held by one actor
  coedit locks list --owner ana`,
	Args: cobra.NoArgs,
	RunE: runLocksList,
}

var locksUnlockCmd = &cobra.Command{
	Use:   "unlock RECORD FIELD",
	Short: "Force-release a lock held by an actor",
	Args:  cobra.ExactArgs(2),
	RunE:  runLocksUnlock,
}

var locksExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Delete locks whose lease has lapsed",
	Args:  cobra.NoArgs,
	RunE:  runLocksExpire,
}

var (
	locksRecordGlob  string
	locksListOwner   string
	locksUnlockOwner string
)

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksListCmd, locksUnlockCmd, locksExpireCmd)

	locksListCmd.Flags().StringVarP(&locksRecordGlob, "record", "r", "", "Only records matching this glob pattern")
	locksListCmd.Flags().StringVar(&locksListOwner, "owner", "", "Only locks held by this actor")
	locksUnlockCmd.Flags().StringVar(&locksUnlockOwner, "owner", "", "Actor holding the lock (required)")
	_ = locksUnlockCmd.MarkFlagRequired("owner")
}

// withBackend loads configuration, opens the backend and runs fn.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

func runLocksList(cmd *cobra.Command, args []string) error {
	var match glob.Glob
	if locksRecordGlob != "" {
		g, err := glob.Compile(locksRecordGlob)
		if err != nil {
			return fmt.Errorf("invalid --record pattern: %w", err)
		}
		match = g
	}
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		rows, err := b.locks.ListLocks(ctx)
		if err != nil {
			return err
		}
		var shown []store.LockRow
		for _, row := range rows {
			if match != nil && !match.Match(row.RecordID) {
				continue
			}
			if locksListOwner != "" && row.OwnerID != locksListOwner {
				continue
			}
			shown = append(shown, row)
		}
		printLocks(cmd.OutOrStdout(), newStyles(cmd.OutOrStdout()), shown, b.cfg.Locks.LeaseTTL(), time.Now())
		return nil
	})
}

func printLocks(out io.Writer, st styles, rows []store.LockRow, ttl time.Duration, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No field locks held")
		return
	}
	st.section(out, fmt.Sprintf("Field locks (%d)", len(rows)))
	fmt.Fprintf(out, "%-20s %-20s %-12s %s\n", "RECORD", "FIELD", "OWNER", "RENEWED")
	for _, row := range rows {
		age := now.Sub(row.RenewedAt).Round(time.Second)
		renewed := fmt.Sprintf("%s ago", age)
		if row.Expired(now, ttl) {
			renewed = st.bad.Render(renewed + " (expired)")
		}
		fmt.Fprintf(out, "%-20s %-20s %-12s %s\n", row.RecordID, row.Field, row.OwnerID, renewed)
	}
}

// adminRegistry is a lock registry for one-off administrative calls. It
// is not attached to the feed.
func adminRegistry(b *backend) *fieldlock.Registry {
	return fieldlock.NewRegistry(b.locks, event.NewBus(),
		fieldlock.WithLeaseTTL(b.cfg.Locks.LeaseTTL()),
		fieldlock.WithLogger(b.logger))
}

func runLocksUnlock(cmd *cobra.Command, args []string) error {
	recordID, field := args[0], args[1]
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		if err := adminRegistry(b).ForceUnlock(ctx, recordID, field, locksUnlockOwner); err != nil {
			return err
		}
		b.logger.Warn("forced unlock",
			logging.KeyRecord, recordID, logging.KeyField, field, logging.KeyActor, locksUnlockOwner)
		fmt.Fprintf(cmd.OutOrStdout(), "Released %s held by %s\n", store.LockKey(recordID, field), locksUnlockOwner)
		return nil
	})
}

func runLocksExpire(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		expired, err := adminRegistry(b).ExpireStale(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, l := range expired {
			fmt.Fprintf(out, "Expired %s held by %s\n", l.Key(), l.OwnerID)
		}
		fmt.Fprintf(out, "%d stale locks removed\n", len(expired))
		return nil
	})
}
