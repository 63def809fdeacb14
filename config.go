package quotagate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the controller configuration.
type Config struct {
	// DailyLimit is the unit budget available per reset cycle.
	DailyLimit int `yaml:"daily_limit"`

	// MaxConcurrentOperations bounds how many metered admissions may be in
	// flight at once, independent of remaining budget.
	MaxConcurrentOperations int `yaml:"max_concurrent_operations"`

	// WarningThresholdPercent and CriticalThresholdPercent are percentages
	// of DailyLimit that trigger one notification each per reset cycle.
	WarningThresholdPercent  float64 `yaml:"warning_threshold_percent"`
	CriticalThresholdPercent float64 `yaml:"critical_threshold_percent"`

	// ResetHourUTC is the hour (0-23) at which the budget resets each day.
	ResetHourUTC int `yaml:"reset_hour_utc"`

	// ReservationTTLMinutes is how long a reservation may stay unconfirmed.
	ReservationTTLMinutes int `yaml:"reservation_ttl_minutes"`

	// EnablePersistence controls whether ledger snapshots are written to the
	// configured Store. StorageLocation is passed to store constructors that
	// need a path or DSN; the controller itself does not interpret it.
	EnablePersistence bool   `yaml:"enable_persistence"`
	StorageLocation   string `yaml:"storage_location"`

	// Costs overrides the built-in cost table (operation kind -> units per
	// call). Empty means DefaultCosts.
	Costs map[Operation]int `yaml:"costs"`
}

// DefaultConfig returns a config with conservative defaults and the built-in
// cost table.
func DefaultConfig() Config {
	return Config{
		DailyLimit:               10000,
		MaxConcurrentOperations:  10,
		WarningThresholdPercent:  80,
		CriticalThresholdPercent: 95,
		ResetHourUTC:             0,
		ReservationTTLMinutes:    60,
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotagate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotagate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.DailyLimit <= 0 {
		return fmt.Errorf("quotagate: config: daily_limit must be positive, got %d", c.DailyLimit)
	}
	if c.MaxConcurrentOperations < 1 {
		return fmt.Errorf("quotagate: config: max_concurrent_operations must be at least 1, got %d", c.MaxConcurrentOperations)
	}
	if c.WarningThresholdPercent <= 0 || c.WarningThresholdPercent > 100 {
		return fmt.Errorf("quotagate: config: warning_threshold_percent must be in (0, 100], got %g", c.WarningThresholdPercent)
	}
	if c.CriticalThresholdPercent <= 0 || c.CriticalThresholdPercent > 100 {
		return fmt.Errorf("quotagate: config: critical_threshold_percent must be in (0, 100], got %g", c.CriticalThresholdPercent)
	}
	if c.CriticalThresholdPercent <= c.WarningThresholdPercent {
		return fmt.Errorf("quotagate: config: critical_threshold_percent (%g) must exceed warning_threshold_percent (%g)",
			c.CriticalThresholdPercent, c.WarningThresholdPercent)
	}
	if c.ResetHourUTC < 0 || c.ResetHourUTC > 23 {
		return fmt.Errorf("quotagate: config: reset_hour_utc must be in [0, 23], got %d", c.ResetHourUTC)
	}
	if c.ReservationTTLMinutes <= 0 {
		return fmt.Errorf("quotagate: config: reservation_ttl_minutes must be positive, got %d", c.ReservationTTLMinutes)
	}
	for op, cost := range c.Costs {
		if cost <= 0 {
			return fmt.Errorf("quotagate: config: costs[%s]: must be positive, got %d", op, cost)
		}
	}
	return nil
}

func (c Config) reservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLMinutes) * time.Minute
}
