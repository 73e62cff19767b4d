package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Iron-Ham/coedit/internal/config"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "coedit",
	Short: "Field-level collaborative record editing",
	Long: `Coedit keeps several clients editing the same records consistent:
per-field locks, presence, optimistic local caches, derived pricing
fields and an audit trail of every meaningful change.

The commands here inspect and operate a configured backend and run
in-process simulations of many clients sharing one store.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/coedit/config.yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
}

// bindFlags connects command line flags to the configuration keys they
// override.
func bindFlags() {
	pf := rootCmd.PersistentFlags()
	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("env_file", pf.Lookup("env-file"))

	sf := simulateCmd.Flags()
	_ = viper.BindPFlag("simulate.clients", sf.Lookup("clients"))
	_ = viper.BindPFlag("simulate.records", sf.Lookup("records"))
	_ = viper.BindPFlag("simulate.rounds", sf.Lookup("rounds"))
	_ = viper.BindPFlag("simulate.fault_rate", sf.Lookup("fault-rate"))
	_ = viper.BindPFlag("simulate.crash_rate", sf.Lookup("crash-rate"))
	_ = viper.BindPFlag("simulate.seed", sf.Lookup("seed"))
	_ = viper.BindPFlag("cache.merge_policy", sf.Lookup("merge"))
}

func initConfig() {
	bindFlags()

	// Load .env before AutomaticEnv so its values act like real variables
	if err := config.LoadDotEnv(viper.GetString("env_file")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
	}

	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// e.g. COEDIT_STORE_DSN for store.dsn
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadConfig returns the validated effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the command logger. With file logging disabled only
// errors are written, to errOut.
func newLogger(cfg *config.Config, errOut io.Writer) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NewWithWriter(errOut, logging.LevelError, "text"), nil
	}
	return logging.New(logging.Options{
		Path:   cfg.Logging.LogFile(),
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	})
}
