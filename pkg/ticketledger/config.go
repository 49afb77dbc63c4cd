package ticketledger

import (
	"fmt"
	"time"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	for kind, count := range c.GrantCounts {
		if !kind.Valid() {
			return fmt.Errorf("grant counts: unknown ticket kind %q", kind)
		}
		if count <= 0 {
			return fmt.Errorf("grant counts: %s must be positive, got %d", kind, count)
		}
	}
	for kind := range c.ExpiryWindows {
		if !kind.Valid() {
			return fmt.Errorf("expiry windows: unknown ticket kind %q", kind)
		}
	}
	if _, err := loadLocation(c.DefaultTimeZone); err != nil {
		return err
	}
	if c.Campaign != nil && !c.Campaign.Start.IsZero() && !c.Campaign.End.After(c.Campaign.Start) {
		return fmt.Errorf("campaign end %s must be after start %s",
			c.Campaign.End.Format(time.RFC3339), c.Campaign.Start.Format(time.RFC3339))
	}
	if c.MaxCandidateAttempts < 0 {
		return fmt.Errorf("max candidate attempts must not be negative")
	}
	if c.LocalWriteAttempts < 0 {
		return fmt.Errorf("local write attempts must not be negative")
	}
	return nil
}

// resolveConfig copies config, fills defaults and validates the result
func resolveConfig(config *Config) (Config, error) {
	defaults := DefaultConfig()
	if config == nil {
		config = &defaults
	}
	cfg := *config

	counts := make(map[TicketKind]int, len(defaults.GrantCounts))
	for kind, count := range defaults.GrantCounts {
		counts[kind] = count
	}
	for kind, count := range cfg.GrantCounts {
		counts[kind] = count
	}
	cfg.GrantCounts = counts

	windows := make(map[TicketKind]time.Duration, len(defaults.ExpiryWindows))
	for kind, window := range defaults.ExpiryWindows {
		windows[kind] = window
	}
	for kind, window := range cfg.ExpiryWindows {
		if window != 0 {
			windows[kind] = window
		}
	}
	cfg.ExpiryWindows = windows

	if cfg.DefaultTimeZone == "" {
		cfg.DefaultTimeZone = defaults.DefaultTimeZone
	}
	if cfg.MaxCandidateAttempts == 0 {
		cfg.MaxCandidateAttempts = defaults.MaxCandidateAttempts
	}
	if cfg.LocalWriteAttempts == 0 {
		cfg.LocalWriteAttempts = defaults.LocalWriteAttempts
	}
	switch {
	case cfg.LocalRetryDelay == 0:
		cfg.LocalRetryDelay = defaults.LocalRetryDelay
	case cfg.LocalRetryDelay < 0:
		cfg.LocalRetryDelay = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// expiresAt returns the expiration of a ticket of kind granted at grantedAt;
// zero when the kind's window is negative (never expires)
func (c *Config) expiresAt(kind TicketKind, grantedAt time.Time) time.Time {
	window := c.ExpiryWindows[kind]
	if window < 0 {
		return time.Time{}
	}
	return grantedAt.Add(window)
}

func (c *Config) location(timeZone string) (*time.Location, error) {
	if timeZone == "" {
		timeZone = c.DefaultTimeZone
	}
	return loadLocation(timeZone)
}
