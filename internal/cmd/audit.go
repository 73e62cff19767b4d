package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/audit"
	"github.com/Iron-Ham/coedit/internal/record"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the change history",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [RECORD]",
	Short: "Show the newest audit entries",
	Long: `Tail prints the newest audit entries, oldest first, optionally for a
single record.

Examples:
  # Last 20 entries across all tasks
  coedit audit tail

  # History of one record
  coedit audit tail task-42 -n 0

  # What ana changed in the last hour
  coedit audit tail --actor ana --since 1h`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditTail,
}

var (
	auditTable string
	auditLimit int
	auditActor string
	auditSince string
	auditDiff  bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTailCmd)

	auditTailCmd.Flags().StringVar(&auditTable, "table", record.TaskSchema.Table, "Record table")
	auditTailCmd.Flags().IntVarP(&auditLimit, "tail", "n", 20, "Number of entries to show (0 for all)")
	auditTailCmd.Flags().StringVar(&auditActor, "actor", "", "Only entries by this actor")
	auditTailCmd.Flags().StringVar(&auditSince, "since", "", "Only entries newer than this duration (e.g., 1h, 30m)")
	auditTailCmd.Flags().BoolVar(&auditDiff, "diff", false, "Show the changed fields of each entry")
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	q := audit.Query{Table: auditTable, Actor: auditActor, Limit: auditLimit}
	if len(args) == 1 {
		q.RecordID = args[0]
	}
	if auditSince != "" {
		d, err := time.ParseDuration(auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		q.Since = time.Now().Add(-d)
	}

	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		entries, err := b.audit.ListAudit(ctx, q)
		if err != nil {
			return err
		}
		printAudit(cmd.OutOrStdout(), entries, auditDiff)
		return nil
	})
}

func printAudit(out io.Writer, entries []audit.Entry, withDiff bool) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %-10s %-7s %-12s %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Actor, e.Kind, e.RecordID, e.Message)
		if !withDiff {
			continue
		}
		for _, k := range e.Diff {
			fmt.Fprintf(out, "    %s: %s → %s\n", k,
				record.Format(e.OldSnapshot[k]), record.Format(e.NewSnapshot[k]))
		}
	}
}
