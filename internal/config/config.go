// Package config loads ticketd configuration from a YAML file and
// TICKETD_* environment variables
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/divelog/ticketledger/pkg/ticketledger"
)

// EnvPrefix prefixes environment overrides: server.addr is TICKETD_SERVER_ADDR
const EnvPrefix = "TICKETD"

// Config is the daemon configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Local   LocalConfig   `mapstructure:"local"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// UserHeader carries the authenticated user ID set by the gateway
	UserHeader string `mapstructure:"user_header"`
	// UpstreamURL is the gated AI chat backend; empty disables the proxy
	UpstreamURL     string        `mapstructure:"upstream_url"`
	GrantDaily      bool          `mapstructure:"grant_daily"`
	AllowTestGrants bool          `mapstructure:"allow_test_grants"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

type RemoteConfig struct {
	Backend   string            `mapstructure:"backend"` // memory, firestore, postgres, redis
	Firestore FirestoreConfig   `mapstructure:"firestore"`
	Postgres  PostgresConfig    `mapstructure:"postgres"`
	Redis     RemoteRedisConfig `mapstructure:"redis"`
}

type FirestoreConfig struct {
	ProjectID         string `mapstructure:"project_id"`
	UsersCollection   string `mapstructure:"users_collection"`
	TicketsCollection string `mapstructure:"tickets_collection"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
}

type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	Migrate     bool   `mapstructure:"migrate"`
}

type RemoteRedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	KeyPrefix   string `mapstructure:"key_prefix"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type LocalConfig struct {
	Backend string       `mapstructure:"backend"` // memory, sqlite, badger, redis, tiered
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
	Badger  BadgerConfig `mapstructure:"badger"`
	Redis   RedisConfig  `mapstructure:"redis"`
	Tiered  TieredConfig `mapstructure:"tiered"`
}

// TieredConfig pairs local.redis (hot) with an on-disk cold tier
type TieredConfig struct {
	Cold string `mapstructure:"cold"` // sqlite or badger
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type BadgerConfig struct {
	Path       string `mapstructure:"path"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type LedgerConfig struct {
	DefaultTimeZone      string                   `mapstructure:"default_time_zone"`
	GrantCounts          map[string]int           `mapstructure:"grant_counts"`
	ExpiryWindows        map[string]time.Duration `mapstructure:"expiry_windows"`
	MaxCandidateAttempts int                      `mapstructure:"max_candidate_attempts"`
	LocalWriteAttempts   int                      `mapstructure:"local_write_attempts"`
	LocalRetryDelay      time.Duration            `mapstructure:"local_retry_delay"`
	RepairRemoteSummary  bool                     `mapstructure:"repair_remote_summary"`
	Campaign             CampaignConfig           `mapstructure:"campaign"`
	CircuitBreaker       CircuitBreakerConfig     `mapstructure:"circuit_breaker"`
}

type CampaignConfig struct {
	Start time.Time `mapstructure:"start"`
	End   time.Time `mapstructure:"end"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.user_header", "X-User-ID")
	v.SetDefault("server.upstream_url", "")
	v.SetDefault("server.grant_daily", true)
	v.SetDefault("server.allow_test_grants", false)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "ticketledger")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("remote.backend", "memory")
	// Keys need a default for AutomaticEnv to see them during Unmarshal
	v.SetDefault("remote.firestore.project_id", "")
	v.SetDefault("remote.firestore.users_collection", "users")
	v.SetDefault("remote.firestore.tickets_collection", "tickets")
	v.SetDefault("remote.firestore.max_attempts", 5)
	v.SetDefault("remote.postgres.dsn", "")
	v.SetDefault("remote.postgres.max_conns", 10)
	v.SetDefault("remote.postgres.max_attempts", 5)
	v.SetDefault("remote.postgres.migrate", true)
	v.SetDefault("remote.redis.addr", "localhost:6379")
	v.SetDefault("remote.redis.password", "")
	v.SetDefault("remote.redis.db", 0)
	v.SetDefault("remote.redis.key_prefix", "ticketledger:")
	v.SetDefault("remote.redis.max_attempts", 5)

	v.SetDefault("local.backend", "memory")
	v.SetDefault("local.sqlite.path", "tickets.db")
	v.SetDefault("local.badger.path", "tickets-cache")
	v.SetDefault("local.badger.sync_writes", true)
	v.SetDefault("local.redis.addr", "localhost:6379")
	v.SetDefault("local.redis.password", "")
	v.SetDefault("local.redis.db", 0)
	v.SetDefault("local.redis.key_prefix", "ticketledger:cache:")
	v.SetDefault("local.redis.ttl", 7*24*time.Hour)
	v.SetDefault("local.tiered.cold", "sqlite")

	defaults := ticketledger.DefaultConfig()
	v.SetDefault("ledger.default_time_zone", defaults.DefaultTimeZone)
	v.SetDefault("ledger.max_candidate_attempts", defaults.MaxCandidateAttempts)
	v.SetDefault("ledger.local_write_attempts", defaults.LocalWriteAttempts)
	v.SetDefault("ledger.local_retry_delay", defaults.LocalRetryDelay)
	v.SetDefault("ledger.repair_remote_summary", defaults.RepairRemoteSummary)
	v.SetDefault("ledger.campaign.start", "")
	v.SetDefault("ledger.campaign.end", "")
	v.SetDefault("ledger.circuit_breaker.enabled", true)
	v.SetDefault("ledger.circuit_breaker.failure_threshold", 5)
	v.SetDefault("ledger.circuit_breaker.reset_timeout", 30*time.Second)
}

// Load reads configuration from path (optional) and the environment
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToTimeHook,
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// stringToTimeHook decodes RFC 3339 strings into time.Time; empty strings
// decode to the zero time
func stringToTimeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	s := data.(string)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Validate checks backend selection and required connection settings
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case "memory", "redis":
	case "firestore":
		if c.Remote.Firestore.ProjectID == "" {
			return errors.New("remote.firestore.project_id is required")
		}
	case "postgres":
		if c.Remote.Postgres.DSN == "" {
			return errors.New("remote.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown remote backend %q", c.Remote.Backend)
	}

	switch c.Local.Backend {
	case "memory", "redis":
	case "sqlite":
		if c.Local.SQLite.Path == "" {
			return errors.New("local.sqlite.path is required")
		}
	case "badger":
		if c.Local.Badger.Path == "" {
			return errors.New("local.badger.path is required")
		}
	case "tiered":
		if c.Local.Tiered.Cold != "sqlite" && c.Local.Tiered.Cold != "badger" {
			return fmt.Errorf("local.tiered.cold must be sqlite or badger, got %q", c.Local.Tiered.Cold)
		}
	default:
		return fmt.Errorf("unknown local backend %q", c.Local.Backend)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	_, err := c.Ledger.ToLedgerConfig()
	return err
}

// ToLedgerConfig converts the file settings into a ticketledger.Config.
// Clock, Metrics and Logger are left for the caller to wire.
func (l LedgerConfig) ToLedgerConfig() (ticketledger.Config, error) {
	cfg := ticketledger.DefaultConfig()
	cfg.DefaultTimeZone = l.DefaultTimeZone
	cfg.MaxCandidateAttempts = l.MaxCandidateAttempts
	cfg.LocalWriteAttempts = l.LocalWriteAttempts
	cfg.LocalRetryDelay = l.LocalRetryDelay
	cfg.RepairRemoteSummary = l.RepairRemoteSummary

	for kind, n := range l.GrantCounts {
		cfg.GrantCounts[ticketledger.TicketKind(kind)] = n
	}
	for kind, d := range l.ExpiryWindows {
		cfg.ExpiryWindows[ticketledger.TicketKind(kind)] = d
	}
	if !l.Campaign.Start.IsZero() || !l.Campaign.End.IsZero() {
		cfg.Campaign = &ticketledger.Campaign{Start: l.Campaign.Start, End: l.Campaign.End}
	}
	if l.CircuitBreaker.Enabled {
		cfg.CircuitBreakerConfig = &ticketledger.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: l.CircuitBreaker.FailureThreshold,
			ResetTimeout:     l.CircuitBreaker.ResetTimeout,
		}
	}

	if err := cfg.Validate(); err != nil {
		return ticketledger.Config{}, fmt.Errorf("invalid ledger config: %w", err)
	}
	return cfg, nil
}
