// Command matchd runs the matching engine with its event pipeline and HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	match "github.com/0x5487/exchange-matcher"
	"github.com/0x5487/exchange-matcher/api"
	"github.com/0x5487/exchange-matcher/config"
	"github.com/0x5487/exchange-matcher/logging"
	"github.com/0x5487/exchange-matcher/metrics"
	"github.com/0x5487/exchange-matcher/notify"
	"github.com/0x5487/exchange-matcher/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	envPath := flag.String("env", "", "path to .env file (default ./.env)")
	flag.Parse()

	if err := run(*envPath); err != nil {
		fmt.Fprintln(os.Stderr, "matchd:", err)
		os.Exit(1)
	}
}

func run(envPath string) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, syncLogger, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer func() { _ = syncLogger() }()
	slog.SetDefault(logger)
	match.SetLogger(logger.With("module", "engine"))
	metrics.Init()

	eventStore, err := store.NewPebbleStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer eventStore.Close()

	depthView := match.NewDepthView()
	hub := api.NewHub(logger)
	notifiers := []match.Notifier{depthView, hub}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		notifiers = append(notifiers, notify.NewRedisStream(client, cfg.Redis.Stream, notify.WithMaxLen(cfg.Redis.MaxLen)))
		logger.Info("redis stream notifier enabled", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := notify.NewKafka(notify.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Pipeline.OpTimeout,
		})
		defer producer.Close()
		notifiers = append(notifiers, producer)
		logger.Info("kafka notifier enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// provider is assigned before the pipeline consumes its first event
	var provider *match.Provider
	pipeline := match.NewEventPipeline(eventStore,
		match.WithPipelineCapacity(cfg.Pipeline.Capacity),
		match.WithNotifiers(notifiers...),
		match.WithPersistRetry(cfg.Pipeline.PersistAttempts, cfg.Pipeline.PersistBackoff),
		match.WithNotifierRetry(cfg.Pipeline.NotifyAttempts, cfg.Pipeline.NotifyBackoff),
		match.WithNotifierQueue(cfg.Pipeline.NotifyQueue),
		match.WithOperationTimeout(cfg.Pipeline.OpTimeout),
		match.OnPersistFailure(func(symbol string, _ *match.BookLog, cause error) {
			if err := provider.Instance().HaltMarket(symbol, cause); err != nil {
				logger.Error("halt after persistence failure", "symbol", symbol, "error", err)
			}
		}),
	)
	provider = match.NewProvider(func() *match.MatchingEngine {
		return match.NewMatchingEngine(pipeline,
			match.WithBookOptions(
				match.WithCommandBuffer(cfg.Engine.CommandBuffer),
				match.WithDepthLevels(cfg.Engine.DepthLevels),
			),
			match.WithBulkConcurrency(cfg.Engine.BulkConcurrency),
			match.WithIDSource(eventStore),
			match.OnMarketOpened(depthView.Rebuild),
		)
	})

	pipeline.Start()
	engine := provider.Instance()

	if err := restore(engine, cfg.Storage.SnapshotDir, logger); err != nil {
		return err
	}
	for _, m := range cfg.Engine.Markets {
		if engine.OrderBook(m.Symbol) != nil {
			continue
		}
		if err := engine.CreateMarket(m.Symbol, match.MarketConfig{TickSize: m.TickSize, LotSize: m.LotSize}); err != nil {
			return fmt.Errorf("create market %s: %w", m.Symbol, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Storage.SnapshotInterval > 0 {
		go snapshotLoop(ctx, engine, cfg.Storage.SnapshotDir, cfg.Storage.SnapshotInterval, logger)
	}

	server := api.NewServer(engine,
		api.WithHub(hub),
		api.WithDepthView(depthView),
		api.WithDepthLevels(int(cfg.Engine.DepthLevels)),
		api.WithHistory(eventStore),
		api.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
		api.WithLogger(logger),
	)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
		}
	}

	return shutdown(server, engine, pipeline, cfg.Storage.SnapshotDir, logger)
}

// restore loads the last snapshot, if any. The depth view is rebuilt
// through OnMarketOpened as each book is restored.
func restore(engine *match.MatchingEngine, dir string, logger *slog.Logger) error {
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); errors.Is(err, os.ErrNotExist) {
		logger.Info("no snapshot found, starting empty", "dir", dir)
		return nil
	}

	meta, err := engine.RestoreFromSnapshot(dir)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	logger.Info("snapshot restored", "markets", meta.Markets, "engine_version", meta.EngineVersion)
	return nil
}

func snapshotLoop(ctx context.Context, engine *match.MatchingEngine, dir string, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapCtx, cancel := context.WithTimeout(ctx, every)
			if _, err := engine.TakeSnapshot(snapCtx, dir); err != nil {
				logger.Error("periodic snapshot failed", "error", err)
			}
			cancel()
		}
	}
}

// shutdown stops intake first and storage last: HTTP, then a final snapshot,
// then the books, then the pipeline drain.
func shutdown(server *api.Server, engine *match.MatchingEngine, pipeline *match.EventPipeline, snapshotDir string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	if _, err := engine.TakeSnapshot(ctx, snapshotDir); err != nil {
		errs = append(errs, fmt.Errorf("final snapshot: %w", err))
	}
	if err := engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
