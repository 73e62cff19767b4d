package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // config key path, e.g. "locks.lease_ttl_seconds"
	Value   any
	Message string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Accepted enumerations.
var (
	validDrivers        = []string{"memory", "sqlite", "postgres"}
	validPresence       = []string{"memory", "redis"}
	validFeeds          = []string{"memory", "postgres", "journal"}
	validMergePolicies  = []string{"replace", "fields"}
	validAuditSinks     = []string{"store", "file"}
	validLogFormats     = []string{"json", "text"}
	validLogLevelsLower = []string{"debug", "info", "warn", "error"}
)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string { return slices.Clone(validLogLevelsLower) }

// ValidStoreDrivers returns the accepted store.driver values
func ValidStoreDrivers() []string { return slices.Clone(validDrivers) }

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateLocks()...)
	errs = append(errs, c.validatePresence()...)
	errs = append(errs, c.validateFeed()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validatePricing()...)
	errs = append(errs, c.validateAudit()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateSimulate()...)
	return errs
}

func oneOf(field, value string, valid []string) []ValidationError {
	if slices.Contains(valid, value) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
	}}
}

func positive(field string, value int) []ValidationError {
	if value > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be positive"}}
}

func (c *Config) validateStore() []ValidationError {
	errs := oneOf("store.driver", c.Store.Driver, validDrivers)
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, ValidationError{
			Field:   "store.dsn",
			Value:   c.Store.DSN,
			Message: "is required for the postgres driver",
		})
	}
	if c.Store.MaxOpenConns < 0 {
		errs = append(errs, ValidationError{Field: "store.max_open_conns", Value: c.Store.MaxOpenConns, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateLocks() []ValidationError {
	errs := positive("locks.lease_ttl_seconds", c.Locks.LeaseTTLSeconds)
	errs = append(errs, positive("locks.heartbeat_seconds", c.Locks.HeartbeatSeconds)...)
	if len(errs) == 0 && c.Locks.HeartbeatSeconds >= c.Locks.LeaseTTLSeconds {
		errs = append(errs, ValidationError{
			Field:   "locks.heartbeat_seconds",
			Value:   c.Locks.HeartbeatSeconds,
			Message: fmt.Sprintf("must be less than locks.lease_ttl_seconds (%d)", c.Locks.LeaseTTLSeconds),
		})
	}
	return errs
}

func (c *Config) validatePresence() []ValidationError {
	errs := oneOf("presence.transport", c.Presence.Transport, validPresence)
	if c.Presence.Transport == "redis" && c.Presence.RedisURL == "" {
		errs = append(errs, ValidationError{Field: "presence.redis_url", Value: "", Message: "is required for the redis transport"})
	}
	errs = append(errs, positive("presence.heartbeat_seconds", c.Presence.HeartbeatSeconds)...)
	errs = append(errs, positive("presence.timeout_seconds", c.Presence.TimeoutSeconds)...)
	if c.Presence.HeartbeatSeconds > 0 && c.Presence.TimeoutSeconds > 0 &&
		c.Presence.TimeoutSeconds <= c.Presence.HeartbeatSeconds {
		errs = append(errs, ValidationError{
			Field:   "presence.timeout_seconds",
			Value:   c.Presence.TimeoutSeconds,
			Message: "must exceed presence.heartbeat_seconds",
		})
	}
	return errs
}

func (c *Config) validateFeed() []ValidationError {
	errs := oneOf("feed.transport", c.Feed.Transport, validFeeds)
	switch c.Feed.Transport {
	case "postgres":
		if c.Store.Driver != "postgres" {
			errs = append(errs, ValidationError{Field: "feed.transport", Value: c.Feed.Transport, Message: "requires store.driver postgres"})
		}
		if c.Feed.Channel == "" {
			errs = append(errs, ValidationError{Field: "feed.channel", Value: "", Message: "is required for the postgres feed"})
		}
	case "journal":
		if c.Feed.JournalDir == "" {
			errs = append(errs, ValidationError{Field: "feed.journal_dir", Value: "", Message: "is required for the journal feed"})
		}
	}
	if c.Feed.ReconnectMs < 0 {
		errs = append(errs, ValidationError{Field: "feed.reconnect_ms", Value: c.Feed.ReconnectMs, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateCache() []ValidationError {
	return oneOf("cache.merge_policy", c.Cache.MergePolicy, validMergePolicies)
}

func (c *Config) validatePricing() []ValidationError {
	var errs []ValidationError
	if _, err := decimal.NewFromString(c.Pricing.DesignatedFactor); err != nil {
		errs = append(errs, ValidationError{Field: "pricing.designated_factor", Value: c.Pricing.DesignatedFactor, Message: "must be a decimal number"})
	}
	for code, item := range c.Pricing.Catalog {
		if _, err := decimal.NewFromString(item.UnitPrice); err != nil {
			errs = append(errs, ValidationError{
				Field:   "pricing.catalog." + code + ".unit_price",
				Value:   item.UnitPrice,
				Message: "must be a decimal number",
			})
		}
	}
	slices.SortFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}

func (c *Config) validateAudit() []ValidationError {
	errs := oneOf("audit.sink", c.Audit.Sink, validAuditSinks)
	if c.Audit.Sink == "file" && c.Audit.FilePath == "" {
		errs = append(errs, ValidationError{Field: "audit.file_path", Value: "", Message: "is required for the file sink"})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if c.Logging.Level != "" {
		errs = append(errs, oneOf("logging.level", strings.ToLower(c.Logging.Level), validLogLevelsLower)...)
	}
	if c.Logging.Format != "" {
		errs = append(errs, oneOf("logging.format", c.Logging.Format, validLogFormats)...)
	}
	errs = append(errs, positive("logging.max_size_mb", c.Logging.MaxSizeMB)...)
	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Value: c.Logging.MaxBackups, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateSimulate() []ValidationError {
	errs := positive("simulate.clients", c.Simulate.Clients)
	errs = append(errs, positive("simulate.records", c.Simulate.Records)...)
	errs = append(errs, positive("simulate.rounds", c.Simulate.Rounds)...)
	if c.Simulate.FaultRate < 0 || c.Simulate.FaultRate > 1 {
		errs = append(errs, ValidationError{Field: "simulate.fault_rate", Value: c.Simulate.FaultRate, Message: "must be between 0 and 1"})
	}
	if c.Simulate.CrashRate < 0 || c.Simulate.CrashRate > 1 {
		errs = append(errs, ValidationError{Field: "simulate.crash_rate", Value: c.Simulate.CrashRate, Message: "must be between 0 and 1"})
	}
	return errs
}
