package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/presence"
)

var presenceCmd = &cobra.Command{
	Use:   "presence [RECORD]",
	Short: "Show who is viewing or editing records",
	Long: `Presence lists the live members of the shared presence group, or only
the members on RECORD.

Only the redis transport is shared between processes; with the memory
transport the group is always empty.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPresence,
}

func init() {
	rootCmd.AddCommand(presenceCmd)
}

func runPresence(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	ch, err := presenceChannel(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	members, err := ch.Members(cmd.Context())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		var on []presence.Claim
		for _, m := range members {
			if m.RecordID == args[0] {
				on = append(on, m)
			}
		}
		members = on
	}
	printMembers(cmd.OutOrStdout(), members, time.Now())
	return nil
}

func printMembers(out io.Writer, members []presence.Claim, now time.Time) {
	if len(members) == 0 {
		fmt.Fprintln(out, "Nobody is here")
		return
	}
	fmt.Fprintf(out, "%-14s %-14s %-6s %s\n", "ACTOR", "RECORD", "MODE", "SEEN")
	for _, m := range members {
		fmt.Fprintf(out, "%-14s %-14s %-6s %s ago\n",
			m.ActorName, m.RecordID, m.Mode, now.Sub(m.SeenAt).Round(time.Second))
	}
}
