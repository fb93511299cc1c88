// 撮合服务入口：消费订单创建事件，按价格优先、时间优先逐笔撮合，
// 成交事件经发件箱中继投递。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	matchingapp "github.com/wyfcoding/cryptoexchange/internal/matching/application"
	matchingdomain "github.com/wyfcoding/cryptoexchange/internal/matching/domain"
	matchingmysql "github.com/wyfcoding/cryptoexchange/internal/matching/infrastructure/persistence/mysql"
	matchingconsumer "github.com/wyfcoding/cryptoexchange/internal/matching/interfaces/consumer"
	orderdomain "github.com/wyfcoding/cryptoexchange/internal/order/domain"
	ordermysql "github.com/wyfcoding/cryptoexchange/internal/order/infrastructure/persistence/mysql"
	"github.com/wyfcoding/cryptoexchange/pkg/cache"
	"github.com/wyfcoding/cryptoexchange/pkg/config"
	"github.com/wyfcoding/cryptoexchange/pkg/db"
	"github.com/wyfcoding/cryptoexchange/pkg/fee"
	"github.com/wyfcoding/cryptoexchange/pkg/idempotent"
	"github.com/wyfcoding/cryptoexchange/pkg/idgen"
	"github.com/wyfcoding/cryptoexchange/pkg/logger"
	"github.com/wyfcoding/cryptoexchange/pkg/metrics"
	"github.com/wyfcoding/cryptoexchange/pkg/mq"
	"github.com/wyfcoding/cryptoexchange/pkg/outbox"
)

func main() {
	configPath := flag.String("config", "configs/matching/config.toml", "path to config file")
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
		err := database.AutoMigrate(
			&orderdomain.Order{},
			&matchingdomain.Trade{},
			&outbox.Message{},
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

	m := metrics.New("matching")
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

	relay := outbox.NewRelay(outbox.NewGormStore(database.DB), producer, outbox.RelayConfig{
		ShardCount:    cfg.Outbox.ShardCount,
		SweepInterval: time.Duration(cfg.Outbox.SweepInterval) * time.Millisecond,
		BatchSize:     cfg.Outbox.BatchSize,
	}, m)

	service := matchingapp.NewMatchingService(
		database,
		ordermysql.NewOrderRepository(database.DB),
		matchingmysql.NewCandidateRepository(database.DB),
		matchingmysql.NewTradeRepository(database.DB),
		outbox.NewPublisher(cfg.Outbox.ShardCount),
		relay,
		fees,
		cfg.Engine.CandidateBatchSize,
		idempotent.NewGormMarker(),
		m,
	)

	gate := idempotent.NewRedisGate(redisCache, cfg.Kafka.GroupID, time.Duration(cfg.Consumer.DedupTTL)*time.Minute)
	processed := idempotent.NewGormProcessedStore(database.DB)
	handlers := matchingconsumer.Handlers(service)
	runnerCfg := idempotent.RunnerConfig{
		MaxRetries:   cfg.Consumer.MaxRetries,
		RetryBackoff: time.Duration(cfg.Consumer.RetryBackoff) * time.Millisecond,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	for _, topic := range matchingconsumer.Topics() {
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

	logger.Info(ctx, "Matching service started", "topics", matchingconsumer.Topics())
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error(ctx, "Matching service exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info(context.Background(), "Matching service stopped")
}
