package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the debug log",
	Long: `View and filter the coedit debug log.

Logging must be enabled (logging.enabled: true) for a log file to exist.

Examples:
  # Show last 50 entries
  coedit logs

  # Filter by log level
  coedit logs --level warn

  # One record's activity in the last hour
  coedit logs --record task-42 --since 1h

  # Search messages
  coedit logs --grep "commit failed"`,
	RunE: runLogs,
}

var (
	logsTail   int
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsClient string
	logsRecord string
	logsFile   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only messages containing this text")
	logsCmd.Flags().StringVar(&logsClient, "client", "", "Only entries from this client")
	logsCmd.Flags().StringVar(&logsRecord, "record", "", "Only entries about this record")
	logsCmd.Flags().StringVar(&logsFile, "file", "", "Log file (default from logging.file)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := logsFile
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Logging.LogFile()
	}

	filter := logging.Filter{
		MinLevel:        logsLevel,
		ClientID:        logsClient,
		RecordID:        logsRecord,
		MessageContains: logsGrep,
	}
	if lv := strings.ToUpper(logsLevel); lv != "" && lv != "WARNING" && !slices.Contains(logging.ValidLevels(), lv) {
		return fmt.Errorf("invalid --level %q: use debug, info, warn or error", logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	entries, err := logging.ReadFile(path)
	if err != nil {
		return fmt.Errorf("no log at %s (is logging.enabled set?): %w", path, err)
	}
	entries = filter.Apply(entries)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	printLogEntries(cmd.OutOrStdout(), newStyles(cmd.OutOrStdout()), entries)
	return nil
}

func printLogEntries(out io.Writer, st styles, entries []logging.Entry) {
	for _, e := range entries {
		level := fmt.Sprintf("%-5s", e.Level)
		switch e.Level {
		case logging.LevelError:
			level = st.bad.Render(level)
		case logging.LevelDebug:
			level = st.muted.Render(level)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s %s", e.Time.Local().Format("15:04:05.000"), level, e.Message)
		if e.ClientID != "" {
			fmt.Fprintf(&b, " client=%s", e.ClientID)
		}
		if e.RecordID != "" {
			fmt.Fprintf(&b, " record=%s", e.RecordID)
		}
		if e.Field != "" {
			fmt.Fprintf(&b, " field=%s", e.Field)
		}
		for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
			fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
		}
		fmt.Fprintln(out, b.String())
	}
}
