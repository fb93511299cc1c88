// 订单服务入口：对外提供下单/撤单/查询 HTTP 接口，
// 订单与事件同事务落库，内置发件箱中继负责投递。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	orderapp "github.com/wyfcoding/cryptoexchange/internal/order/application"
	ordermysql "github.com/wyfcoding/cryptoexchange/internal/order/infrastructure/persistence/mysql"
	orderhttp "github.com/wyfcoding/cryptoexchange/internal/order/interfaces/http"
	"github.com/wyfcoding/cryptoexchange/pkg/config"
	"github.com/wyfcoding/cryptoexchange/pkg/db"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
	"github.com/wyfcoding/cryptoexchange/pkg/idgen"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
	"github.com/wyfcoding/cryptoexchange/pkg/metrics"
	"github.com/wyfcoding/cryptoexchange/pkg/middleware"
	"github.com/wyfcoding/cryptoexchange/pkg/mq"
	"github.com/wyfcoding/cryptoexchange/pkg/outbox"

	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
)

func main() {
	configPath := flag.String("config", "configs/order/config.toml", "path to config file")
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

	nodeID, _ := strconv.ParseInt(config.GetEnv("NODE_ID", "0"), 10, 64)
	if err := idgen.Init(nodeID); err != nil {
		logger.Fatal(ctx, "Failed to init id generator", "error", err)
	}

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
		if err := database.AutoMigrate(&orderdomain.Order{}, &outbox.Message{}); err != nil {
			logger.Fatal(ctx, "Failed to migrate schema", "error", err)
		}
	}

	fees, err := fee.NewSchedule(cfg.Engine.TakerFeeRate, cfg.Engine.MakerFeeRate, int32(cfg.Engine.Scale))
	if err != nil {
		logger.Fatal(ctx, "Failed to build fee schedule", "error", err)
	}

	m := metrics.New("order")
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

	relay := outbox.NewRelay(outbox.NewGormStore(database.DB), producer, outbox.RelayConfig{
		ShardCount:    cfg.Outbox.ShardCount,
		SweepInterval: time.Duration(cfg.Outbox.SweepInterval) * time.Millisecond,
		BatchSize:     cfg.Outbox.BatchSize,
	}, m)

	orderRepo := ordermysql.NewOrderRepository(database.DB)
	publisher := outbox.NewPublisher(cfg.Outbox.ShardCount)
	service := orderapp.NewOrderService(database, orderRepo, publisher, relay, fees, m)
	handler := orderhttp.NewOrderHandler(service)

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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		logger.Info(gctx, "Order service listening", "addr", server.Addr)
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

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error(ctx, "Order service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info(context.Background(), "Order service stopped")
}
