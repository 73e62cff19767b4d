package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/cache"
	"github.com/Iron-Ham/coedit/internal/cluster"
	"github.com/Iron-Ham/coedit/internal/config"
	"github.com/Iron-Ham/coedit/internal/logging"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process cluster of editing clients",
	Long: `Simulate starts several clients sharing one in-memory store and lets
them open records, contend for field locks and commit random edits
concurrently. Store faults and client crashes can be injected.

Afterwards every client's cache is compared with the store, leftover
locks and stale presence are checked and the audit trail is reconciled
with the commits. The command exits non-zero when an invariant failed.

Examples:
  # Default run
  coedit simulate

  # Larger cluster with faults and crashes
  coedit simulate --clients 8 --rounds 100 --fault-rate 0.2 --crash-rate 0.02

  # Eight independent seeds in parallel
  coedit simulate --runs 8`,
	RunE: runSimulate,
}

var (
	simulateRuns    int
	simulateTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.Int("clients", 0, "Number of clients (default from simulate.clients)")
	f.Int("records", 0, "Number of records seeded (default from simulate.records)")
	f.Int("rounds", 0, "Rounds of concurrent edits (default from simulate.rounds)")
	f.Float64("fault-rate", 0, "Probability a write or audit append fails")
	f.Float64("crash-rate", 0, "Probability a client crashes mid-edit")
	f.Int64("seed", 0, "Random seed of the first run")
	f.String("merge", "", "Cache merge policy: replace or fields")
	f.IntVar(&simulateRuns, "runs", 1, "Independent runs with consecutive seeds")
	f.DurationVar(&simulateTimeout, "timeout", 5*time.Minute, "Abort after this long")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simulateRuns < 1 {
		return fmt.Errorf("--runs must be at least 1")
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	opts, err := simulationOptions(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), simulateTimeout)
	defer cancel()

	reports, err := simulate(ctx, opts, simulateRuns)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	st := newStyles(out)
	failed := 0
	for i, rep := range reports {
		printReport(out, st, opts.Seed+int64(i), rep)
		if !rep.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs violated an invariant", failed, len(reports))
	}
	return nil
}

// simulationOptions maps configuration onto cluster options.
func simulationOptions(cfg *config.Config, logger *logging.Logger) (cluster.Options, error) {
	merge, ok := cache.ParseMergePolicy(cfg.Cache.MergePolicy)
	if !ok {
		return cluster.Options{}, fmt.Errorf("unknown cache.merge_policy %q", cfg.Cache.MergePolicy)
	}
	opts := cluster.DefaultOptions()
	opts.Clients = cfg.Simulate.Clients
	opts.Records = cfg.Simulate.Records
	opts.Rounds = cfg.Simulate.Rounds
	opts.FaultRate = cfg.Simulate.FaultRate
	opts.CrashRate = cfg.Simulate.CrashRate
	opts.Seed = cfg.Simulate.Seed
	opts.Merge = merge
	opts.Logger = logger
	if lease := cfg.Locks.LeaseTTL(); lease > 0 {
		opts.LeaseTTL = lease
	}
	catalog, err := catalogFrom(cfg.Pricing)
	if err != nil {
		return cluster.Options{}, err
	}
	maps.Copy(opts.Catalog, catalog)
	return opts, nil
}

// simulate runs n clusters concurrently, seeding run i with opts.Seed+i.
// Reports are returned in seed order.
func simulate(ctx context.Context, opts cluster.Options, n int) ([]cluster.Report, error) {
	p := pool.NewWithResults[indexedReport]().WithErrors().WithContext(ctx).WithCancelOnError()
	for i := range n {
		o := opts
		o.Seed = opts.Seed + int64(i)
		o.Logger = opts.Logger.With("run", i)
		p.Go(func(ctx context.Context) (indexedReport, error) {
			c, err := cluster.New(ctx, o)
			if err != nil {
				return indexedReport{}, err
			}
			defer c.Close(context.WithoutCancel(ctx))
			rep, err := c.Run(ctx)
			if err != nil {
				return indexedReport{}, fmt.Errorf("seed %d: %w", o.Seed, err)
			}
			return indexedReport{index: i, report: rep}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	out := make([]cluster.Report, n)
	for _, r := range results {
		out[r.index] = r.report
	}
	return out, nil
}

type indexedReport struct {
	index  int
	report cluster.Report
}

func printReport(out io.Writer, st styles, seed int64, rep cluster.Report) {
	st.section(out, fmt.Sprintf("Simulation seed %d", seed))
	st.row(out, "Clients", rep.Clients)
	st.row(out, "Records", rep.Records)
	st.row(out, "Rounds", rep.Rounds)
	st.row(out, "Elapsed", rep.Elapsed.Round(time.Millisecond))
	fmt.Fprintln(out)

	st.section(out, "Edits")
	st.row(out, "Attempts", rep.Attempts)
	st.row(out, "Commits", rep.Commits)
	st.row(out, "Lock contention", rep.Contended)
	st.row(out, "Cancels", rep.Cancels)
	st.row(out, "Commit failures", rep.CommitFailures)
	st.row(out, "Recalc misses", rep.RecalcMisses)
	fmt.Fprintln(out)

	st.section(out, "Recovery")
	st.row(out, "Crashes", rep.Crashes)
	st.row(out, "Expired locks", rep.ExpiredLocks)
	st.row(out, "Stale presence", rep.StalePresence)
	st.row(out, "Audit entries", rep.AuditEntries)
	st.row(out, "Audit failures", rep.AuditFailures)
	st.row(out, "Pricing drift", rep.PricingDrift)
	fmt.Fprintln(out)

	if rep.OK() {
		fmt.Fprintln(out, st.good.Render("OK: all invariants held"))
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintln(out, st.bad.Render(fmt.Sprintf("FAILED: %d violations", len(rep.Violations))))
	for _, v := range rep.Violations {
		fmt.Fprintf(out, "  - %s\n", v)
	}
	fmt.Fprintln(out)
}
