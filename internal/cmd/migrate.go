package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/store/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the configured SQL store",
	Long: `Migrate creates or upgrades the records, field_locks and audit_log
tables of the configured store. On Postgres it also installs the
notification triggers that feed realtime changes.

The memory store has no schema; migrating it is an error.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == "memory" {
		return fmt.Errorf("store.driver is memory: nothing to migrate")
	}
	d, err := sqlstore.ParseDialect(cfg.Store.Driver)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	st, err := sqlstore.Open(cmd.Context(), d, cfg.Store.DSN, cfg.Store.MaxOpenConns, sqlstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("migrated store", "driver", d.String())
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s store\n", d)
	return nil
}
