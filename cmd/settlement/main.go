// 清算服务入口：消费下单/成交/退款事件完成资金与持仓清算，
// 并提供充值与账户查询 HTTP 接口。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	settlementapp "github.com/wyfcoding/cryptoexchange/internal/settlement/application"
	settlementdomain "github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
	settlementmysql "github.com/wyfcoding/cryptoexchange/internal/settlement/infrastructure/persistence/mysql"
	settlementconsumer "github.com/wyfcoding/cryptoexchange/internal/settlement/interfaces/consumer"
	settlementhttp "github.com/wyfcoding/cryptoexchange/internal/settlement/interfaces/http"
	"github.com/wyfcoding/cryptoexchange/pkg/cache"
	"github.com/wyfcoding/cryptoexchange/pkg/config"
	"github.com/wyfcoding/cryptoexchange/pkg/db"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
	"github.com/wyfcoding/cryptoexchange/pkg/idempotent"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
	"github.com/wyfcoding/cryptoexchange/pkg/metrics"
	"github.com/wyfcoding/cryptoexchange/pkg/middleware"
	"github.com/wyfcoding/cryptoexchange/pkg/mq"
)

func main() {
	configPath := flag.String("config", "configs/settlement/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to init database", "error", err)
	}
	defer database.Close()

	if cfg.Environment == "dev" {
		err := database.AutoMigrate(
			&settlementdomain.UserBalance{},
			&settlementdomain.UserCoin{},
			&idempotent.ProcessedEvent{},
		)
		if err != nil {
			logger.Fatal(ctx, "Failed to migrate schema", "error", err)
		}
	}

	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to init redis", "error", err)
	}
	defer redisCache.Close()

	fees, err := fee.NewSchedule(cfg.Engine.TakerFeeRate, cfg.Engine.MakerFeeRate, int32(cfg.Engine.Scale))
	if err != nil {
		logger.Fatal(ctx, "Failed to build fee schedule", "error", err)
	}

	m := metrics.New("settlement")
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			logger.Fatal(ctx, "Failed to register metrics", "error", err)
		}
		metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	producer := mq.NewProducer(mq.Config{
		Brokers:      cfg.Kafka.Brokers,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	defer producer.Close()
	dlq := mq.NewDeadLetterQueue(producer)

	service := settlementapp.NewSettlementService(
		database,
		settlementmysql.NewBalanceRepository(database.DB),
		settlementmysql.NewCoinRepository(database.DB),
		fees,
		idempotent.NewGormMarker(),
	)
	handler := settlementhttp.NewAccountHandler(service)

	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinCORSMiddleware(),
	)
	handler.RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	gate := idempotent.NewRedisGate(redisCache, cfg.Kafka.GroupID, time.Duration(cfg.Consumer.DedupTTL)*time.Minute)
	processed := idempotent.NewGormProcessedStore(database.DB)
	handlers := settlementconsumer.Handlers(service)
	runnerCfg := idempotent.RunnerConfig{
		MaxRetries:   cfg.Consumer.MaxRetries,
		RetryBackoff: time.Duration(cfg.Consumer.RetryBackoff) * time.Millisecond,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range settlementconsumer.Topics() {
		consumer := mq.NewConsumer(mq.Config{
			Brokers:        cfg.Kafka.Brokers,
			GroupID:        cfg.Kafka.GroupID,
			SessionTimeout: cfg.Kafka.SessionTimeout,
		}, topic)
		defer consumer.Close()
		runner := idempotent.NewRunner(consumer, gate, processed, dlq, handlers, runnerCfg, m)
		g.Go(func() error {
			return runner.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info(gctx, "Settlement service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info(ctx, "Settlement service started", "topics", settlementconsumer.Topics())
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error(ctx, "Settlement service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info(context.Background(), "Settlement service stopped")
}
