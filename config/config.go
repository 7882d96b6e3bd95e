// Package config loads the matchd process configuration.
// Priority: ENV > .env file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type HTTP struct {
	Addr           string
	AllowedOrigins []string
}

type Engine struct {
	CommandBuffer   int
	DepthLevels     uint32
	BulkConcurrency int
	// Markets created at startup when no snapshot restores them.
	Markets []Market
}

// Market is a bootstrap market, written as SYMBOL:TICK:LOT in MATCHER_MARKETS.
type Market struct {
	Symbol   string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
}

type Storage struct {
	DataDir     string
	SnapshotDir string
	// SnapshotInterval of zero disables periodic snapshots.
	SnapshotInterval time.Duration
}

type Pipeline struct {
	Capacity        int64
	PersistAttempts int
	PersistBackoff  time.Duration
	NotifyAttempts  int
	NotifyBackoff   time.Duration
	NotifyQueue     int
	OpTimeout       time.Duration
}

type Redis struct {
	Addr     string // empty disables the stream notifier
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

type Kafka struct {
	Brokers []string // empty disables the kafka notifier
	Topic   string
}

type Log struct {
	Level string
	File  string
}

type Config struct {
	HTTP     HTTP
	Engine   Engine
	Storage  Storage
	Pipeline Pipeline
	Redis    Redis
	Kafka    Kafka
	Log      Log
}

func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Engine: Engine{
			CommandBuffer:   32768,
			DepthLevels:     20,
			BulkConcurrency: 64,
		},
		Storage: Storage{
			DataDir:     "data/events",
			SnapshotDir: "data/snapshot",
		},
		Pipeline: Pipeline{
			Capacity:        1 << 14,
			PersistAttempts: 5,
			PersistBackoff:  10 * time.Millisecond,
			NotifyAttempts:  3,
			NotifyBackoff:   10 * time.Millisecond,
			NotifyQueue:     4096,
			OpTimeout:       5 * time.Second,
		},
		Redis: Redis{
			Stream: "matcher:events",
			MaxLen: 1_000_000,
		},
		Kafka: Kafka{
			Topic: "matcher.events",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads envPath (or ./.env when empty) if it exists, then applies
// environment overrides on top of the defaults.
func Load(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.HTTP.Addr = getEnv("MATCHER_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.AllowedOrigins = getEnvList("MATCHER_CORS_ORIGINS", cfg.HTTP.AllowedOrigins)

	collect(getEnvInt("MATCHER_COMMAND_BUFFER", &cfg.Engine.CommandBuffer))
	collect(getEnvUint32("MATCHER_DEPTH_LEVELS", &cfg.Engine.DepthLevels))
	collect(getEnvInt("MATCHER_BULK_CONCURRENCY", &cfg.Engine.BulkConcurrency))
	if raw := os.Getenv("MATCHER_MARKETS"); raw != "" {
		markets, err := ParseMarkets(raw)
		collect(err)
		cfg.Engine.Markets = markets
	}

	cfg.Storage.DataDir = getEnv("MATCHER_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.SnapshotDir = getEnv("MATCHER_SNAPSHOT_DIR", cfg.Storage.SnapshotDir)
	collect(getEnvDuration("MATCHER_SNAPSHOT_INTERVAL", &cfg.Storage.SnapshotInterval))

	collect(getEnvInt64("MATCHER_PIPELINE_CAPACITY", &cfg.Pipeline.Capacity))
	collect(getEnvInt("MATCHER_PERSIST_ATTEMPTS", &cfg.Pipeline.PersistAttempts))
	collect(getEnvDuration("MATCHER_PERSIST_BACKOFF", &cfg.Pipeline.PersistBackoff))
	collect(getEnvInt("MATCHER_NOTIFY_ATTEMPTS", &cfg.Pipeline.NotifyAttempts))
	collect(getEnvDuration("MATCHER_NOTIFY_BACKOFF", &cfg.Pipeline.NotifyBackoff))
	collect(getEnvInt("MATCHER_NOTIFY_QUEUE", &cfg.Pipeline.NotifyQueue))
	collect(getEnvDuration("MATCHER_OP_TIMEOUT", &cfg.Pipeline.OpTimeout))

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	collect(getEnvInt("REDIS_DB", &cfg.Redis.DB))
	cfg.Redis.Stream = getEnv("REDIS_STREAM", cfg.Redis.Stream)
	collect(getEnvInt64("REDIS_STREAM_MAXLEN", &cfg.Redis.MaxLen))

	cfg.Kafka.Brokers = getEnvList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges the engine depends on.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.Engine.CommandBuffer <= 0 {
		errs = append(errs, fmt.Errorf("command buffer %d must be positive", c.Engine.CommandBuffer))
	}
	if c.Engine.DepthLevels == 0 {
		errs = append(errs, errors.New("depth levels must be positive"))
	}
	if c.Engine.BulkConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("bulk concurrency %d must be positive", c.Engine.BulkConcurrency))
	}
	if p := c.Pipeline.Capacity; p <= 0 || p&(p-1) != 0 {
		errs = append(errs, fmt.Errorf("pipeline capacity %d must be a power of 2", p))
	}
	if c.Pipeline.PersistAttempts <= 0 || c.Pipeline.NotifyAttempts <= 0 {
		errs = append(errs, errors.New("retry attempts must be positive"))
	}
	if c.Pipeline.NotifyQueue <= 0 {
		errs = append(errs, fmt.Errorf("notifier queue %d must be positive", c.Pipeline.NotifyQueue))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("data dir is required"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	seen := make(map[string]struct{}, len(c.Engine.Markets))
	for _, m := range c.Engine.Markets {
		if _, dup := seen[m.Symbol]; dup {
			errs = append(errs, fmt.Errorf("market %s listed twice", m.Symbol))
		}
		seen[m.Symbol] = struct{}{}
	}
	return errors.Join(errs...)
}

// ParseMarkets parses "BTC-USDT:0.01:0.0001,ETH-USDT:0.01:0.001".
// Tick and lot may be omitted.
func ParseMarkets(raw string) ([]Market, error) {
	var markets []Market
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("market %q: want SYMBOL[:TICK[:LOT]]", item)
		}

		m := Market{Symbol: parts[0], TickSize: decimal.Zero, LotSize: decimal.Zero}
		var err error
		if len(parts) > 1 {
			if m.TickSize, err = decimal.NewFromString(parts[1]); err != nil {
				return nil, fmt.Errorf("market %s tick size: %w", m.Symbol, err)
			}
		}
		if len(parts) > 2 {
			if m.LotSize, err = decimal.NewFromString(parts[2]); err != nil {
				return nil, fmt.Errorf("market %s lot size: %w", m.Symbol, err)
			}
		}
		if m.TickSize.IsNegative() || m.LotSize.IsNegative() {
			return nil, fmt.Errorf("market %s: tick and lot size must not be negative", m.Symbol)
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func getEnvInt64(key string, dst *int64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func getEnvUint32(key string, dst *uint32) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = uint32(n)
	return nil
}

// getEnvDuration accepts Go durations ("250ms") or plain milliseconds.
func getEnvDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	if ms, err := strconv.Atoi(value); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
