package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. COEDIT_STORE_DSN.
const EnvPrefix = "COEDIT"

// Config represents the complete coedit configuration
type Config struct {
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Locks    LocksConfig    `mapstructure:"locks" yaml:"locks"`
	Presence PresenceConfig `mapstructure:"presence" yaml:"presence"`
	Feed     FeedConfig     `mapstructure:"feed" yaml:"feed"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Pricing  PricingConfig  `mapstructure:"pricing" yaml:"pricing"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Simulate SimulateConfig `mapstructure:"simulate" yaml:"simulate"`
}

// StoreConfig selects the remote record store.
type StoreConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is the driver connection string. For sqlite it is a file path or
	// ":memory:".
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// MaxOpenConns bounds the SQL connection pool (0 = driver default).
	MaxOpenConns int `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// LocksConfig controls field lock leases.
type LocksConfig struct {
	// LeaseTTLSeconds is how long a lock survives without renewal.
	LeaseTTLSeconds int `mapstructure:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
	// HeartbeatSeconds is how often held locks are renewed and stale ones
	// swept. Must be shorter than the lease.
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds" yaml:"heartbeat_seconds"`
}

// PresenceConfig controls the presence transport.
type PresenceConfig struct {
	// Transport is "memory" or "redis".
	Transport string `mapstructure:"transport" yaml:"transport"`
	// RedisURL is used when Transport is "redis".
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	// KeyPrefix namespaces redis keys and channels.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	// HeartbeatSeconds is how often a tracked member refreshes itself.
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds" yaml:"heartbeat_seconds"`
	// TimeoutSeconds is how long a silent member stays visible.
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// FeedConfig controls the realtime change feed.
type FeedConfig struct {
	// Transport is "memory", "postgres" or "journal".
	Transport string `mapstructure:"transport" yaml:"transport"`
	// Channel is the postgres NOTIFY channel.
	Channel string `mapstructure:"channel" yaml:"channel"`
	// JournalDir is the shared directory for the journal transport.
	JournalDir string `mapstructure:"journal_dir" yaml:"journal_dir"`
	// ReconnectMs is the delay before a dropped feed is re-subscribed.
	ReconnectMs int `mapstructure:"reconnect_ms" yaml:"reconnect_ms"`
}

// CacheConfig controls remote merge behaviour.
type CacheConfig struct {
	// MergePolicy is "replace" (last write wins) or "fields".
	MergePolicy string `mapstructure:"merge_policy" yaml:"merge_policy"`
}

// CatalogItem is a work item price list entry.
type CatalogItem struct {
	UnitPrice string `mapstructure:"unit_price" yaml:"unit_price"`
	Category  string `mapstructure:"category" yaml:"category"`
}

// PricingConfig controls derived amount recalculation.
type PricingConfig struct {
	// DesignatedCategory gets DesignatedFactor as its modifier.
	DesignatedCategory string `mapstructure:"designated_category" yaml:"designated_category"`
	// DesignatedFactor is a decimal string, e.g. "1.5".
	DesignatedFactor string `mapstructure:"designated_factor" yaml:"designated_factor"`
	// Catalog maps work item codes to prices.
	Catalog map[string]CatalogItem `mapstructure:"catalog" yaml:"catalog"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	// Sink is "store" (same backend as records) or "file".
	Sink string `mapstructure:"sink" yaml:"sink"`
	// FilePath is the JSONL file for the "file" sink.
	FilePath string `mapstructure:"file_path" yaml:"file_path"`
}

// LoggingConfig controls debug logging
type LoggingConfig struct {
	// Enabled turns on file logging. Otherwise only errors reach stderr.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is one of ValidLogLevels.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "json" or "text".
	Format string `mapstructure:"format" yaml:"format"`
	// File is the log path; empty means <data dir>/coedit.log.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SimulateConfig holds defaults for `coedit simulate`.
type SimulateConfig struct {
	Clients   int     `mapstructure:"clients" yaml:"clients"`
	Records   int     `mapstructure:"records" yaml:"records"`
	Rounds    int     `mapstructure:"rounds" yaml:"rounds"`
	FaultRate float64 `mapstructure:"fault_rate" yaml:"fault_rate"`
	CrashRate float64 `mapstructure:"crash_rate" yaml:"crash_rate"`
	Seed      int64   `mapstructure:"seed" yaml:"seed"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "memory",
		},
		Locks: LocksConfig{
			LeaseTTLSeconds:  30,
			HeartbeatSeconds: 10,
		},
		Presence: PresenceConfig{
			Transport:        "memory",
			RedisURL:         "redis://localhost:6379/0",
			KeyPrefix:        "coedit",
			HeartbeatSeconds: 5,
			TimeoutSeconds:   15,
		},
		Feed: FeedConfig{
			Transport:   "memory",
			Channel:     "coedit_changes",
			ReconnectMs: 1000,
		},
		Cache: CacheConfig{
			MergePolicy: "replace",
		},
		Pricing: PricingConfig{
			DesignatedCategory: "overtime",
			DesignatedFactor:   "1.5",
			Catalog:            map[string]CatalogItem{},
		},
		Audit: AuditConfig{
			Sink: "store",
		},
		Logging: LoggingConfig{
			Enabled:    false,
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Simulate: SimulateConfig{
			Clients:   4,
			Records:   3,
			Rounds:    25,
			FaultRate: 0.1,
			Seed:      1,
		},
	}
}

// LeaseTTL returns the lock lease as a time.Duration
func (c LocksConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// Heartbeat returns the lock renewal interval
func (c LocksConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Heartbeat returns the presence refresh interval
func (c PresenceConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Timeout returns how long a silent presence member is kept
func (c PresenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReconnectDelay returns the feed re-subscribe delay
func (c FeedConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectMs) * time.Millisecond
}

// LogFile returns the configured log path, defaulting under DataDir.
func (c LoggingConfig) LogFile() string {
	if c.File != "" {
		return c.File
	}
	return filepath.Join(DataDir(), "coedit.log")
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	ApplyDefaults(viper.GetViper())
}

// ApplyDefaults registers default values on v.
func ApplyDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)

	v.SetDefault("locks.lease_ttl_seconds", d.Locks.LeaseTTLSeconds)
	v.SetDefault("locks.heartbeat_seconds", d.Locks.HeartbeatSeconds)

	v.SetDefault("presence.transport", d.Presence.Transport)
	v.SetDefault("presence.redis_url", d.Presence.RedisURL)
	v.SetDefault("presence.key_prefix", d.Presence.KeyPrefix)
	v.SetDefault("presence.heartbeat_seconds", d.Presence.HeartbeatSeconds)
	v.SetDefault("presence.timeout_seconds", d.Presence.TimeoutSeconds)

	v.SetDefault("feed.transport", d.Feed.Transport)
	v.SetDefault("feed.channel", d.Feed.Channel)
	v.SetDefault("feed.journal_dir", d.Feed.JournalDir)
	v.SetDefault("feed.reconnect_ms", d.Feed.ReconnectMs)

	v.SetDefault("cache.merge_policy", d.Cache.MergePolicy)

	v.SetDefault("pricing.designated_category", d.Pricing.DesignatedCategory)
	v.SetDefault("pricing.designated_factor", d.Pricing.DesignatedFactor)
	v.SetDefault("pricing.catalog", d.Pricing.Catalog)

	v.SetDefault("audit.sink", d.Audit.Sink)
	v.SetDefault("audit.file_path", d.Audit.FilePath)

	v.SetDefault("logging.enabled", d.Logging.Enabled)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("simulate.clients", d.Simulate.Clients)
	v.SetDefault("simulate.records", d.Simulate.Records)
	v.SetDefault("simulate.rounds", d.Simulate.Rounds)
	v.SetDefault("simulate.fault_rate", d.Simulate.FaultRate)
	v.SetDefault("simulate.crash_rate", d.Simulate.CrashRate)
	v.SetDefault("simulate.seed", d.Simulate.Seed)
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coedit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coedit"
	}
	return filepath.Join(home, ".config", "coedit")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns where logs and local journals live.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coedit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coedit"
	}
	return filepath.Join(home, ".local", "share", "coedit")
}
