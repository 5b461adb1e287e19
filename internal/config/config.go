// Package config defines the top-level configuration for the TWAP indexer
// and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known CoW Protocol deployments. The contracts share one address on
// every supported chain.
const (
	DefaultComposableCoW = "0xfdaFc9d1902f4e0b84f65F49f244b32b31013b74"
	DefaultTwapHandler   = "0x6cF1e9cA41f7611dEf408122793c358a3d11E5a5"
	DefaultSettlement    = "0x9008D19f58AAbD9eD0D60971565AA8510560ab41"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TWAPIDX_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Orderbook OrderbookConfig `toml:"orderbook"`
	Indexer   IndexerConfig   `toml:"indexer"`
	Server    ServerConfig    `toml:"server"`
	Chains    []ChainConfig   `toml:"chains"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters. Redis backs the leader
// lock, the signing-domain cache and the status stream; with it disabled a
// single replica runs without any of them.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for the
// dead-letter archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// OrderbookConfig tunes the orderbook API client shared by every chain.
type OrderbookConfig struct {
	Timeout        duration `toml:"timeout"`
	MaxRetries     int      `toml:"max_retries"`
	RateLimit      float64  `toml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst      int      `toml:"rate_burst"`
	MaxConcurrency int      `toml:"max_concurrency"`
}

// IndexerConfig holds poll loop defaults. Per-chain values in ChainConfig
// take precedence where both exist.
type IndexerConfig struct {
	PollInterval  duration `toml:"poll_interval"`
	Confirmations uint64   `toml:"confirmations"`
	MaxBlockSpan  uint64   `toml:"max_block_span"`
	RefreshEvery  int      `toml:"refresh_every"`
	RefreshBatch  int      `toml:"refresh_batch"`
	CommitTimeout duration `toml:"commit_timeout"`
	CallTimeout   duration `toml:"call_timeout"`
	LockTTL       duration `toml:"lock_ttl"`
}

// ServerConfig holds HTTP status server parameters.
type ServerConfig struct {
	Port         int      `toml:"port"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
	RateLimit    float64  `toml:"rate_limit"` // per client IP, 0 = unlimited
	RateBurst    int      `toml:"rate_burst"`
}

// ChainConfig describes one chain deployment to index.
type ChainConfig struct {
	ChainID       uint64   `toml:"chain_id"`
	Name          string   `toml:"name"`
	RPCURL        string   `toml:"rpc_url"`
	ComposableCoW string   `toml:"composable_cow"`
	TwapHandler   string   `toml:"twap_handler"`
	Settlement    string   `toml:"settlement"`
	StartBlock    uint64   `toml:"start_block"`
	Confirmations *uint64  `toml:"confirmations"`
	PollInterval  duration `toml:"poll_interval"`
	MaxBlockSpan  uint64   `toml:"max_block_span"`
	OrderbookURL  string   `toml:"orderbook_url"`
}

// ConfirmationsOr returns the chain's confirmation lag, or def when the chain
// does not set one.
func (c ChainConfig) ConfirmationsOr(def uint64) uint64 {
	if c.Confirmations != nil {
		return *c.Confirmations
	}
	return def
}

// PollIntervalOr returns the chain's poll interval, or def when unset.
func (c ChainConfig) PollIntervalOr(def time.Duration) time.Duration {
	if c.PollInterval.Duration > 0 {
		return c.PollInterval.Duration
	}
	return def
}

// MaxBlockSpanOr returns the chain's fetch page size, or def when unset.
func (c ChainConfig) MaxBlockSpanOr(def uint64) uint64 {
	if c.MaxBlockSpan > 0 {
		return c.MaxBlockSpan
	}
	return def
}

// Label is the chain name when set, otherwise its id.
func (c ChainConfig) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("chain-%d", c.ChainID)
}

// duration wraps time.Duration to support TOML string decoding (e.g. "5m").
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

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "twapindexer",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "twapidx:",
		},
		S3: S3Config{
			Enabled:        false,
			Region:         "us-east-1",
			Prefix:         "twapindexer",
			ForcePathStyle: true,
		},
		Orderbook: OrderbookConfig{
			Timeout:        duration{10 * time.Second},
			MaxRetries:     3,
			RateLimit:      5,
			RateBurst:      10,
			MaxConcurrency: 8,
		},
		Indexer: IndexerConfig{
			PollInterval:  duration{15 * time.Second},
			Confirmations: 12,
			MaxBlockSpan:  5000,
			RefreshEvery:  20,
			RefreshBatch:  100,
			CommitTimeout: duration{30 * time.Second},
			CallTimeout:   duration{15 * time.Second},
			LockTTL:       duration{time.Minute},
		},
		Server: ServerConfig{
			Port:         8000,
			ReadTimeout:  duration{15 * time.Second},
			WriteTimeout: duration{15 * time.Second},
			RateLimit:    20,
			RateBurst:    40,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// applyChainDefaults fills unset per-chain contract addresses with the
// canonical deployment.
func applyChainDefaults(cfg *Config) {
	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.ComposableCoW == "" {
			c.ComposableCoW = DefaultComposableCoW
		}
		if c.TwapHandler == "" {
			c.TwapHandler = DefaultTwapHandler
		}
		if c.Settlement == "" {
			c.Settlement = DefaultSettlement
		}
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"index":  true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: index, server, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty when enabled")
	}

	// Orderbook
	if c.Orderbook.Timeout.Duration <= 0 {
		add("orderbook: timeout must be > 0")
	}
	if c.Orderbook.MaxConcurrency < 1 {
		add("orderbook: max_concurrency must be >= 1")
	}
	if c.Orderbook.RateLimit < 0 {
		add("orderbook: rate_limit must be >= 0")
	}

	// Indexer
	if c.Indexer.PollInterval.Duration <= 0 {
		add("indexer: poll_interval must be > 0")
	}
	if c.Indexer.MaxBlockSpan == 0 {
		add("indexer: max_block_span must be > 0")
	}
	if c.Indexer.CommitTimeout.Duration <= 0 {
		add("indexer: commit_timeout must be > 0")
	}
	if c.Redis.Enabled && c.Indexer.LockTTL.Duration <= c.Indexer.PollInterval.Duration {
		add("indexer: lock_ttl must exceed poll_interval")
	}

	// Server
	if c.Mode == "server" || c.Mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
	}

	// Chains
	if c.Mode != "server" && len(c.Chains) == 0 {
		add("chains: at least one [[chains]] entry is required for mode %s", c.Mode)
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for i, ch := range c.Chains {
		errs = append(errs, ch.validate(i)...)
		if seen[ch.ChainID] {
			add("chains[%d]: duplicate chain_id %d", i, ch.ChainID)
		}
		seen[ch.ChainID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func (c ChainConfig) validate(i int) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("chains[%d]: "+format, append([]any{i}, args...)...))
	}
	if c.ChainID == 0 {
		add("chain_id must be set")
	}
	if c.RPCURL == "" {
		add("rpc_url must not be empty")
	}
	if c.OrderbookURL == "" {
		add("orderbook_url must not be empty")
	}
	for _, f := range []struct{ name, value string }{
		{"composable_cow", c.ComposableCoW},
		{"twap_handler", c.TwapHandler},
		{"settlement", c.Settlement},
	} {
		if !common.IsHexAddress(f.value) {
			add("%s %q is not an address", f.name, f.value)
		}
	}
	return errs
}
