package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/coedit/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify coedit configuration",
	Long: `View or modify coedit configuration.

Without arguments, displays the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Keys use dot notation, e.g.:
  coedit config set store.driver sqlite
  coedit config set store.dsn /var/lib/coedit/coedit.db
  coedit config set locks.lease_ttl_seconds 60
  coedit config set pricing.catalog.wi-100.unit_price 120.00

The resulting configuration is validated before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/coedit/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// targetFile is the file config set writes: the active file, else the
// default location.
func targetFile() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return config.ConfigFile()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := strings.ToLower(args[0]), args[1]

	value, err := typedValue(key, raw)
	if err != nil {
		return err
	}

	path := targetFile()
	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	setNested(doc, strings.Split(key, "."), value)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := validateYAML(data); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, value)
	fmt.Fprintf(out, "Config saved to %s\n", path)
	return nil
}

// typedValue parses raw as the type of key's default value.
func typedValue(key, raw string) (any, error) {
	if strings.HasPrefix(key, "pricing.catalog.") {
		if strings.Count(key, ".") != 3 {
			return nil, fmt.Errorf("catalog keys look like pricing.catalog.<code>.unit_price")
		}
		return raw, nil
	}

	defaults := viper.New()
	config.ApplyDefaults(defaults)
	if !defaults.IsSet(key) {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'coedit config show' to see valid keys", key)
	}
	switch defaults.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case int, int64:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	default:
		return raw, nil
	}
}

func setNested(doc map[string]any, path []string, value any) {
	for _, p := range path[:len(path)-1] {
		next, ok := doc[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[p] = next
		}
		doc = next
	}
	doc[path[len(path)-1]] = value
}

// validateYAML loads data over the defaults into a private viper and
// validates the result.
func validateYAML(data []byte) error {
	v := viper.New()
	config.ApplyDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if _, err := config.LoadFrom(v); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'coedit config set' to modify values", configFile)
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	body, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	content := "# coedit configuration\n" +
		"# Environment variables override any key: COEDIT_STORE_DSN for store.dsn.\n\n" +
		string(body)

	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize coedit's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_STORE_DSN)\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Fprintln(out, "A .env file in the working directory is loaded first.")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}
