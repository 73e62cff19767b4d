package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the realtime change feed",
	Long: `Watch subscribes to the configured feed and prints every change:
first the replay of current rows, then live inserts, updates and
deletes. Dropped subscriptions are re-established after feed.reconnect_ms.

The memory feed only carries changes made by this process; use the
journal or postgres transport to watch other clients.

Examples:
  # Follow task changes until interrupted
  coedit watch

  # Follow lock activity for ten seconds
  coedit watch --locks --for 10s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	watchTable    string
	watchLocks    bool
	watchFor      time.Duration
	watchNoReplay bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchTable, "table", record.TaskSchema.Table, "Table to follow")
	watchCmd.Flags().BoolVar(&watchLocks, "locks", false, "Follow the field lock table instead")
	watchCmd.Flags().DurationVar(&watchFor, "for", 0, "Stop after this long (0 runs until interrupted)")
	watchCmd.Flags().BoolVar(&watchNoReplay, "no-replay", false, "Skip the rows replayed on subscribe")
}

func runWatch(cmd *cobra.Command, args []string) error {
	table := watchTable
	if watchLocks {
		table = store.LocksTable
	}
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if watchFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, watchFor)
			defer cancel()
		}

		p := &changePrinter{out: cmd.OutOrStdout(), st: newStyles(cmd.OutOrStdout()), skipReplay: watchNoReplay}
		f, err := feed.Follow(ctx, b.feed, table, p.print,
			feed.WithReconnectDelay(b.cfg.Feed.ReconnectDelay()),
			feed.WithFollowLogger(b.logger))
		if err != nil {
			return err
		}
		defer f.Close()

		<-ctx.Done()
		return nil
	})
}

// changePrinter renders feed changes one per line. Handlers may run on the
// transport goroutine, so writes are serialized.
type changePrinter struct {
	mu         sync.Mutex
	out        io.Writer
	st         styles
	skipReplay bool
}

func (p *changePrinter) print(c feed.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch c.Type {
	case feed.ReplayDone:
		fmt.Fprintln(p.out, p.st.muted.Render("-- replay complete, following live changes --"))
		return
	case feed.Disconnected:
		fmt.Fprintln(p.out, p.st.bad.Render(fmt.Sprintf("-- disconnected: %v --", c.Err)))
		return
	}
	if c.Replay && p.skipReplay {
		return
	}

	kind := string(c.Type)
	if c.Replay {
		kind = "replay"
	}
	if c.Table == store.LocksTable {
		row := store.LockRowFromRecord(c.Record)
		fmt.Fprintf(p.out, "%-7s %s.%s owner=%s\n", kind, row.RecordID, row.Field, row.OwnerID)
		return
	}
	fmt.Fprintf(p.out, "%-7s %s %s\n", kind, c.Record.ID, p.st.muted.Render(summarize(c.Record)))
}

// summarize lists the title and status of a record when present.
func summarize(r record.Record) string {
	var s string
	if t := r.String(record.FieldTitle); t != "" {
		s = fmt.Sprintf("title=%q", t)
	}
	if st := r.String(record.FieldStatus); st != "" {
		if s != "" {
			s += " "
		}
		s += "status=" + st
	}
	return s
}
