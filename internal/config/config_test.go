package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "index"
log_level = "debug"

[postgres]
dsn = "postgres://indexer:hunter2@db:5432/twap?sslmode=disable"

[indexer]
poll_interval = "5s"
confirmations = 6

[[chains]]
chain_id = 1
name = "mainnet"
rpc_url = "https://eth.example.com/v2/secret-key"
orderbook_url = "https://api.cow.fi/mainnet"
start_block = 17883049

[[chains]]
chain_id = 100
name = "gnosis"
rpc_url = "https://rpc.gnosischain.com"
orderbook_url = "https://api.cow.fi/xdai"
confirmations = 2
poll_interval = "10s"
max_block_span = 1000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsNeedChains(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one [[chains]] entry")

	cfg.Mode = "server"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesDefaultsAndChains(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "index", cfg.Mode)
	assert.Equal(t, 5*time.Second, cfg.Indexer.PollInterval.Duration)
	assert.Equal(t, uint64(6), cfg.Indexer.Confirmations)
	assert.Equal(t, uint64(5000), cfg.Indexer.MaxBlockSpan, "default survives")
	assert.Equal(t, 10, cfg.Postgres.PoolMaxConns)

	require.Len(t, cfg.Chains, 2)
	mainnet, gnosis := cfg.Chains[0], cfg.Chains[1]

	assert.Equal(t, uint64(17883049), mainnet.StartBlock)
	assert.Equal(t, DefaultComposableCoW, mainnet.ComposableCoW)
	assert.Equal(t, DefaultTwapHandler, mainnet.TwapHandler)
	assert.Equal(t, DefaultSettlement, mainnet.Settlement)
	assert.Equal(t, uint64(6), mainnet.ConfirmationsOr(cfg.Indexer.Confirmations))
	assert.Equal(t, 5*time.Second, mainnet.PollIntervalOr(cfg.Indexer.PollInterval.Duration))

	assert.Equal(t, uint64(2), gnosis.ConfirmationsOr(cfg.Indexer.Confirmations))
	assert.Equal(t, 10*time.Second, gnosis.PollIntervalOr(cfg.Indexer.PollInterval.Duration))
	assert.Equal(t, uint64(1000), gnosis.MaxBlockSpanOr(cfg.Indexer.MaxBlockSpan))
	assert.Equal(t, "gnosis", gnosis.Label())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TWAPIDX_MODE", "full")
	t.Setenv("TWAPIDX_INDEXER_CONFIRMATIONS", "64")
	t.Setenv("TWAPIDX_REDIS_ENABLED", "false")
	t.Setenv("TWAPIDX_CHAIN_100_RPC_URL", "https://gnosis.example.com/key")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, uint64(64), cfg.Indexer.Confirmations)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "https://gnosis.example.com/key", cfg.Chains[1].RPCURL)
	assert.Equal(t, "https://eth.example.com/v2/secret-key", cfg.Chains[0].RPCURL)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Orderbook.MaxConcurrency = 0
	cfg.Chains = []ChainConfig{
		{ChainID: 1, RPCURL: "http://node", OrderbookURL: "http://ob", ComposableCoW: "nope", TwapHandler: DefaultTwapHandler, Settlement: DefaultSettlement},
		{ChainID: 1},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"orderbook: max_concurrency",
		`chains[0]: composable_cow "nope" is not an address`,
		"chains[1]: rpc_url must not be empty",
		"chains[1]: duplicate chain_id 1",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLockTTLMustExceedPollInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	cfg.Indexer.LockTTL.Duration = cfg.Indexer.PollInterval.Duration

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_ttl")

	cfg.Redis.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"

	out := RedactedConfig(cfg)
	assert.Equal(t, "postgres://db:5432/***", out.Postgres.DSN)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Empty(t, out.S3.AccessKey, "empty values stay empty")
	assert.Equal(t, "https://eth.example.com/***", out.Chains[0].RPCURL)

	// The original is untouched.
	assert.Equal(t, "https://eth.example.com/v2/secret-key", cfg.Chains[0].RPCURL)
	assert.Equal(t, "redis-secret", cfg.Redis.Password)
}
