package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(1<<14), cfg.Pipeline.Capacity)
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "MATCHER_HTTP_ADDR=:9000\nMATCHER_DEPTH_LEVELS=50\nREDIS_STREAM=from-file\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0600))
	t.Cleanup(func() {
		// godotenv writes into the process environment
		os.Unsetenv("MATCHER_HTTP_ADDR")
		os.Unsetenv("MATCHER_DEPTH_LEVELS")
		os.Unsetenv("REDIS_STREAM")
	})

	t.Setenv("REDIS_STREAM", "from-env")
	t.Setenv("MATCHER_PERSIST_BACKOFF", "250")
	t.Setenv("MATCHER_OP_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(envPath)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, uint32(50), cfg.Engine.DepthLevels)
	assert.Equal(t, "from-env", cfg.Redis.Stream)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.PersistBackoff)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.OpTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 32768, cfg.Engine.CommandBuffer)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, cfg.Engine)
}

func TestLoadReportsBadNumbers(t *testing.T) {
	t.Setenv("MATCHER_COMMAND_BUFFER", "lots")
	t.Setenv("REDIS_DB", "x")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCHER_COMMAND_BUFFER")
	assert.Contains(t, err.Error(), "REDIS_DB")
}

func TestParseMarkets(t *testing.T) {
	markets, err := ParseMarkets("BTC-USDT:0.01:0.0001, ETH-USDT:0.1 ,DOGE-USDT")
	require.NoError(t, err)
	require.Len(t, markets, 3)

	assert.Equal(t, "BTC-USDT", markets[0].Symbol)
	assert.True(t, markets[0].TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, markets[0].LotSize.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, markets[1].TickSize.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, markets[1].LotSize.IsZero())
	assert.True(t, markets[2].TickSize.IsZero())

	tests := []string{
		"BTC-USDT:abc",
		"BTC-USDT:1:2:3",
		":0.1",
		"BTC-USDT:-1",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseMarkets(raw)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"capacity not power of two", func(c *Config) { c.Pipeline.Capacity = 1000 }},
		{"zero depth levels", func(c *Config) { c.Engine.DepthLevels = 0 }},
		{"zero command buffer", func(c *Config) { c.Engine.CommandBuffer = 0 }},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" }},
		{"duplicate market", func(c *Config) {
			c.Engine.Markets = []Market{{Symbol: "BTC-USDT"}, {Symbol: "BTC-USDT"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
