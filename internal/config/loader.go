package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TWAPIDX_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	applyChainDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TWAPIDX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TWAPIDX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TWAPIDX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TWAPIDX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TWAPIDX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TWAPIDX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TWAPIDX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TWAPIDX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TWAPIDX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TWAPIDX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TWAPIDX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TWAPIDX_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TWAPIDX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TWAPIDX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TWAPIDX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TWAPIDX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TWAPIDX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TWAPIDX_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "TWAPIDX_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TWAPIDX_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TWAPIDX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TWAPIDX_S3_REGION")
	setStr(&cfg.S3.Bucket, "TWAPIDX_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "TWAPIDX_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "TWAPIDX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TWAPIDX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TWAPIDX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TWAPIDX_S3_FORCE_PATH_STYLE")

	// ── Orderbook ──
	setDuration(&cfg.Orderbook.Timeout, "TWAPIDX_ORDERBOOK_TIMEOUT")
	setInt(&cfg.Orderbook.MaxRetries, "TWAPIDX_ORDERBOOK_MAX_RETRIES")
	setFloat64(&cfg.Orderbook.RateLimit, "TWAPIDX_ORDERBOOK_RATE_LIMIT")
	setInt(&cfg.Orderbook.RateBurst, "TWAPIDX_ORDERBOOK_RATE_BURST")
	setInt(&cfg.Orderbook.MaxConcurrency, "TWAPIDX_ORDERBOOK_MAX_CONCURRENCY")

	// ── Indexer ──
	setDuration(&cfg.Indexer.PollInterval, "TWAPIDX_INDEXER_POLL_INTERVAL")
	setUint64(&cfg.Indexer.Confirmations, "TWAPIDX_INDEXER_CONFIRMATIONS")
	setUint64(&cfg.Indexer.MaxBlockSpan, "TWAPIDX_INDEXER_MAX_BLOCK_SPAN")
	setInt(&cfg.Indexer.RefreshEvery, "TWAPIDX_INDEXER_REFRESH_EVERY")
	setInt(&cfg.Indexer.RefreshBatch, "TWAPIDX_INDEXER_REFRESH_BATCH")
	setDuration(&cfg.Indexer.CommitTimeout, "TWAPIDX_INDEXER_COMMIT_TIMEOUT")
	setDuration(&cfg.Indexer.CallTimeout, "TWAPIDX_INDEXER_CALL_TIMEOUT")
	setDuration(&cfg.Indexer.LockTTL, "TWAPIDX_INDEXER_LOCK_TTL")

	// ── Server ──
	setInt(&cfg.Server.Port, "TWAPIDX_SERVER_PORT")
	setFloat64(&cfg.Server.RateLimit, "TWAPIDX_SERVER_RATE_LIMIT")

	// ── Chains ── RPC URLs usually embed provider keys.
	for i := range cfg.Chains {
		prefix := "TWAPIDX_CHAIN_" + strconv.FormatUint(cfg.Chains[i].ChainID, 10) + "_"
		setStr(&cfg.Chains[i].RPCURL, prefix+"RPC_URL")
		setStr(&cfg.Chains[i].OrderbookURL, prefix+"ORDERBOOK_URL")
		setUint64(&cfg.Chains[i].StartBlock, prefix+"START_BLOCK")
	}

	// ── Top-level ──
	setStr(&cfg.Mode, "TWAPIDX_MODE")
	setStr(&cfg.LogLevel, "TWAPIDX_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
