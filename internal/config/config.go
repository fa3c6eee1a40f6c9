// Package config defines the top-level configuration for the spot matching
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SPOTENGINE_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Markets  []MarketEntry  `toml:"markets"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds matching loop parameters.
type EngineConfig struct {
	SnapshotInterval duration `toml:"snapshot_interval"`
	RecentTrades     int      `toml:"recent_trades"`
	SnapshotDir      string   `toml:"snapshot_dir"`
	InboundQueue     string   `toml:"inbound_queue"`
	PopTimeout       duration `toml:"pop_timeout"`
	EventStream      string   `toml:"event_stream"`
	DepositAsset     string   `toml:"deposit_asset"`
	// LockTTL bounds how long a crashed instance keeps the single-writer
	// lock. Zero disables the lock.
	LockTTL duration `toml:"lock_ttl"`
}

// LedgerConfig selects where balances and positions live.
type LedgerConfig struct {
	// Backend is "memory" or "redis".
	Backend string `toml:"backend"`
}

// MarketEntry seeds one tradable pair.
type MarketEntry struct {
	Symbol string `toml:"symbol"`
	Base   string `toml:"base"`
	Quote  string `toml:"quote"`
}

// MarketConfig converts e to the domain form, deriving assets from the
// symbol when they are not given.
func (e MarketEntry) MarketConfig() (domain.MarketConfig, error) {
	if e.Base == "" && e.Quote == "" {
		return domain.ParseSymbol(e.Symbol)
	}
	if e.Symbol != e.Base+"_"+e.Quote {
		return domain.MarketConfig{}, fmt.Errorf("%w: symbol %q does not match %s_%s", domain.ErrValidation, e.Symbol, e.Base, e.Quote)
	}
	return domain.ParseSymbol(e.Symbol)
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the snapshot
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	// ArchiveEvery archives on every Nth snapshot round.
	ArchiveEvery int `toml:"archive_every"`
	// ArchiveKeep is how many archived snapshots per market survive pruning.
	// Zero keeps everything.
	ArchiveKeep int `toml:"archive_keep"`
}

// KafkaConfig holds the persistence event mirror parameters.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			SnapshotInterval: duration{5 * time.Second},
			RecentTrades:     100,
			SnapshotDir:      "./snapshots",
			InboundQueue:     "messages",
			PopTimeout:       duration{time.Second},
			EventStream:      "engine:events",
			DepositAsset:     "USDC",
			LockTTL:          duration{15 * time.Second},
		},
		Ledger: LedgerConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "spotengine-snapshots",
			ForcePathStyle: true,
			Prefix:         "snapshots",
			ArchiveEvery:   12,
			ArchiveKeep:    48,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "engine-events",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Mode:     "engine",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":         true,
	"snapshot-check": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, snapshot-check)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.RecentTrades < 1 {
		errs = append(errs, "engine: recent_trades must be >= 1")
	}
	if c.Engine.SnapshotInterval.Duration < 0 {
		errs = append(errs, "engine: snapshot_interval must not be negative")
	}
	if c.Engine.PopTimeout.Duration <= 0 {
		errs = append(errs, "engine: pop_timeout must be > 0")
	}
	if c.Engine.SnapshotDir == "" {
		errs = append(errs, "engine: snapshot_dir must not be empty")
	}
	if c.Engine.InboundQueue == "" {
		errs = append(errs, "engine: inbound_queue must not be empty")
	}
	if c.Engine.LockTTL.Duration < 0 {
		errs = append(errs, "engine: lock_ttl must not be negative")
	}

	// Ledger
	if !validBackends[c.Ledger.Backend] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, redis)", c.Ledger.Backend))
	}
	if c.Ledger.Backend == "redis" && !c.Redis.Enabled {
		errs = append(errs, "ledger: backend redis requires redis.enabled")
	}

	// Markets
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if _, err := m.MarketConfig(); err != nil {
			errs = append(errs, fmt.Sprintf("markets[%d]: %v", i, err))
			continue
		}
		if seen[m.Symbol] {
			errs = append(errs, fmt.Sprintf("markets[%d]: duplicate symbol %q", i, m.Symbol))
		}
		seen[m.Symbol] = true
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.ArchiveEvery < 1 {
			errs = append(errs, "s3: archive_every must be >= 1 when enabled")
		}
		if c.S3.ArchiveKeep < 0 {
			errs = append(errs, "s3: archive_keep must be >= 0")
		}
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
