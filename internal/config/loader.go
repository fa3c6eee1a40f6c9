package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SPOTENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SPOTENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.SnapshotInterval, "SPOTENGINE_ENGINE_SNAPSHOT_INTERVAL")
	setInt(&cfg.Engine.RecentTrades, "SPOTENGINE_ENGINE_RECENT_TRADES")
	setStr(&cfg.Engine.SnapshotDir, "SPOTENGINE_ENGINE_SNAPSHOT_DIR")
	setStr(&cfg.Engine.InboundQueue, "SPOTENGINE_ENGINE_INBOUND_QUEUE")
	setDuration(&cfg.Engine.PopTimeout, "SPOTENGINE_ENGINE_POP_TIMEOUT")
	setStr(&cfg.Engine.EventStream, "SPOTENGINE_ENGINE_EVENT_STREAM")
	setStr(&cfg.Engine.DepositAsset, "SPOTENGINE_ENGINE_DEPOSIT_ASSET")
	setDuration(&cfg.Engine.LockTTL, "SPOTENGINE_ENGINE_LOCK_TTL")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "SPOTENGINE_LEDGER_BACKEND")

	// ── Markets ──
	setMarkets(&cfg.Markets, "SPOTENGINE_MARKETS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SPOTENGINE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SPOTENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SPOTENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPOTENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPOTENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPOTENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPOTENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPOTENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SPOTENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SPOTENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SPOTENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SPOTENGINE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPOTENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPOTENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPOTENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SPOTENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SPOTENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SPOTENGINE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SPOTENGINE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SPOTENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SPOTENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SPOTENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SPOTENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SPOTENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SPOTENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SPOTENGINE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "SPOTENGINE_S3_PREFIX")
	setInt(&cfg.S3.ArchiveEvery, "SPOTENGINE_S3_ARCHIVE_EVERY")
	setInt(&cfg.S3.ArchiveKeep, "SPOTENGINE_S3_ARCHIVE_KEEP")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "SPOTENGINE_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "SPOTENGINE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "SPOTENGINE_KAFKA_TOPIC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SPOTENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SPOTENGINE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SPOTENGINE_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "SPOTENGINE_MODE")
	setStr(&cfg.LogLevel, "SPOTENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setMarkets replaces the market list with a comma-separated list of
// BASE_QUOTE symbols.
func setMarkets(dst *[]MarketEntry, key string) {
	var symbols []string
	setStringSlice(&symbols, key)
	if len(symbols) == 0 {
		return
	}
	out := make([]MarketEntry, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, MarketEntry{Symbol: sym})
	}
	*dst = out
}
