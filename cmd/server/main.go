package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/adapters/clickhouse"
	"github.com/tradepulse/engine/internal/adapters/config"
	"github.com/tradepulse/engine/internal/adapters/database"
	"github.com/tradepulse/engine/internal/adapters/price"
	redisAdapter "github.com/tradepulse/engine/internal/adapters/redis"
	"github.com/tradepulse/engine/internal/adapters/telegram"
	"github.com/tradepulse/engine/internal/audit"
	"github.com/tradepulse/engine/internal/health"
	"github.com/tradepulse/engine/internal/ledger"
	"github.com/tradepulse/engine/internal/signals"
	"github.com/tradepulse/engine/internal/trailing"
	apihttp "github.com/tradepulse/engine/internal/transport/http"
	"github.com/tradepulse/engine/internal/triggers"
	"github.com/tradepulse/engine/internal/webhook"
	"github.com/tradepulse/engine/internal/workers"
	"github.com/tradepulse/engine/pkg/logger"
	"github.com/tradepulse/engine/pkg/worker"
)

func main() {
	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("TradePulse engine starting...")

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, lockFactory := initLocks(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	recorder, auditCloser := initAuditSink(cfg)
	if auditCloser != nil {
		defer auditCloser()
	}

	notifier := initNotifier(cfg, db)

	// Repositories
	webhookRepo := webhook.NewRepository(db.DB())
	signalRepo := signals.NewRepository(db.DB())
	operationRepo := ledger.NewRepository(db.DB())
	trailingRepo := trailing.NewRepository(db.DB())
	triggerRepo := triggers.NewRepository(db.DB())
	priceRepo := price.NewRepository(db.DB(), cfg.PriceFeed.CacheTTL)

	// Price source: cache-first over CoinGecko
	priceSource := price.NewCachedSource(priceRepo, price.NewCoinGeckoProvider())

	// Services
	registry := webhook.NewRegistry(webhookRepo, cfg.Server.BaseURL)
	ledgerService := ledger.NewService(operationRepo, recorder)
	gateway := signals.NewGateway(registry, signalRepo, ledgerService, lockFactory, recorder, cfg.Gateway.ApplyTimeout)
	monitor := trailing.NewMonitor(trailingRepo, ledgerService, notifier, recorder)
	evaluator := triggers.NewEvaluator(triggerRepo, ledgerService, priceSource, registry, notifier, recorder)

	// Background workers
	group := worker.NewWorkerGroup(ctx)
	group.Add(workers.NewTrailingWorker(monitor, priceSource), cfg.Monitor.TrailingInterval)
	group.Add(workers.NewTriggerWorker(evaluator), cfg.Monitor.TriggerInterval)
	group.Add(workers.NewRetryWorker(gateway, cfg.Gateway.RetryInterval, cfg.Gateway.RetryBatch), cfg.Gateway.RetryInterval)
	group.Add(workers.NewPriceWorker(triggerRepo, priceSource), cfg.PriceFeed.PollInterval)
	group.Start()

	// Live tick stream feeds the trailing monitor between poll cycles
	var stream *price.BinanceStream
	if cfg.PriceFeed.StreamEnabled {
		stream = startStream(ctx, monitor, priceRepo)
	}

	// HTTP surfaces
	handler := apihttp.NewHandler(registry, gateway, signalRepo, ledgerService, operationRepo, monitor, triggerRepo, priceSource)
	apiServer := apihttp.NewServer(&cfg.Server, handler)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	healthServer := health.NewServer(fmt.Sprintf("%d", cfg.Server.HealthPort), db, redisClient)
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()
	healthServer.SetReady(true)

	<-ctx.Done()

	return performGracefulShutdown(healthServer, apiServer, group, stream)
}

func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrationsPath := "./migrations"
	if err := database.RunMigrations(db.Conn(), migrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database connection established (sqlx)",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
	)

	return db, nil
}

// initLocks prefers redis-backed distributed locks and falls back to
// in-process locks for single-instance deployments
func initLocks(cfg *config.Config) (*redisAdapter.Client, redisAdapter.KeyLockFactory) {
	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, using in-process key locks")
		return nil, redisAdapter.NewLocalLockFactory()
	}

	redisClient, err := redisAdapter.New(&cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, using in-process key locks", zap.Error(err))
		return nil, redisAdapter.NewLocalLockFactory()
	}

	logger.Info("redis connection established (redlock)",
		zap.String("host", cfg.Redis.Host),
		zap.Int("port", cfg.Redis.Port),
	)

	return redisClient, redisClient.LockFactory()
}

func initAuditSink(cfg *config.Config) (audit.Recorder, func()) {
	if !cfg.ClickHouse.Enabled {
		return audit.NopRecorder{}, nil
	}

	repo, err := clickhouse.NewRepository(&cfg.ClickHouse)
	if err != nil {
		logger.Warn("clickhouse unavailable, audit events disabled", zap.Error(err))
		return audit.NopRecorder{}, nil
	}

	writer := clickhouse.NewWriter(repo, 100, 5*time.Second)
	return writer, func() {
		writer.Close()
		repo.Close()
	}
}

func initNotifier(cfg *config.Config, db *database.DB) trailing.Notifier {
	if cfg.Telegram.BotToken == "" {
		logger.Info("telegram not configured, alerts disabled")
		return telegram.NopNotifier{}
	}

	channelRepo := telegram.NewChannelRepository(db.DB())
	notifier, err := telegram.NewNotifier(&cfg.Telegram, channelRepo)
	if err != nil {
		logger.Warn("telegram init failed, alerts disabled", zap.Error(err))
		return telegram.NopNotifier{}
	}

	return notifier
}

// startStream connects the Binance miniTicker stream and pumps ticks
// into the trailing monitor and the price cache
func startStream(ctx context.Context, monitor *trailing.Monitor, priceRepo *price.Repository) *price.BinanceStream {
	stream := price.NewBinanceStream()
	if err := stream.Connect(); err != nil {
		logger.Warn("price stream unavailable, polling only", zap.Error(err))
		return nil
	}

	go func() {
		resub := time.NewTicker(time.Minute)
		defer resub.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-resub.C:
				symbols, err := monitor.WatchedSymbols(ctx)
				if err != nil {
					logger.Error("failed to list watched symbols", zap.Error(err))
					continue
				}
				if err := stream.Subscribe(symbols); err != nil {
					logger.Warn("stream subscribe failed", zap.Error(err))
				}

			case tick, ok := <-stream.Ticks():
				if !ok {
					return
				}
				if err := monitor.OnTick(ctx, tick.Symbol, tick.Price); err != nil {
					logger.Error("tick evaluation failed",
						zap.String("symbol", tick.Symbol),
						zap.Error(err),
					)
				}
				if err := priceRepo.SavePrice(ctx, tick.Symbol, tick.Price, "binance_ws"); err != nil {
					logger.Debug("price cache write failed", zap.Error(err))
				}
			}
		}
	}()

	return stream
}

func performGracefulShutdown(healthServer *health.Server, apiServer *apihttp.Server, group *worker.WorkerGroup, stream *price.BinanceStream) error {
	logger.Info("🛑 Shutdown signal received, starting graceful shutdown...")

	// Mark service as not ready (stop accepting new traffic)
	healthServer.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	logger.Info("stopping api server...")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}

	logger.Info("stopping workers...")
	group.Stop(10 * time.Second)

	if stream != nil {
		logger.Info("closing price stream...")
		if err := stream.Close(); err != nil {
			logger.Error("price stream close error", zap.Error(err))
		}
	}

	logger.Info("stopping health server...")
	if err := healthServer.Stop(shutdownCtx); err != nil {
		logger.Error("health server stop error", zap.Error(err))
	}

	logger.Sync()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("⚠️ shutdown timeout exceeded")
		return fmt.Errorf("graceful shutdown timeout")
	default:
		logger.Info("✅ shutdown completed successfully")
	}

	return nil
}
