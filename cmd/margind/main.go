// margind 保证金交易后端的单体进程：撮合、持仓台账、保证金巡检与
// 强平 saga 同进程部署，之间通过窄接口与 Kafka 命令主题衔接。
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	liqapp "github.com/wyfcoding/margintrading/internal/liquidation/application"
	liqdomain "github.com/wyfcoding/margintrading/internal/liquidation/domain"
	liqmsg "github.com/wyfcoding/margintrading/internal/liquidation/infrastructure/messaging"
	liqmysql "github.com/wyfcoding/margintrading/internal/liquidation/infrastructure/persistence/mysql"
	liqconsumer "github.com/wyfcoding/margintrading/internal/liquidation/interfaces/consumer"
	liqhttp "github.com/wyfcoding/margintrading/internal/liquidation/interfaces/http"
	matchapp "github.com/wyfcoding/margintrading/internal/matching/application"
	matchdomain "github.com/wyfcoding/margintrading/internal/matching/domain"
	matchmsg "github.com/wyfcoding/margintrading/internal/matching/infrastructure/messaging"
	matchmysql "github.com/wyfcoding/margintrading/internal/matching/infrastructure/persistence/mysql"
	matchhttp "github.com/wyfcoding/margintrading/internal/matching/interfaces/http"
	posapp "github.com/wyfcoding/margintrading/internal/position/application"
	posdomain "github.com/wyfcoding/margintrading/internal/position/domain"
	posmsg "github.com/wyfcoding/margintrading/internal/position/infrastructure/messaging"
	posmysql "github.com/wyfcoding/margintrading/internal/position/infrastructure/persistence/mysql"
	poshttp "github.com/wyfcoding/margintrading/internal/position/interfaces/http"
	riskapp "github.com/wyfcoding/margintrading/internal/risk/application"
	riskdomain "github.com/wyfcoding/margintrading/internal/risk/domain"
	riskmysql "github.com/wyfcoding/margintrading/internal/risk/infrastructure/persistence/mysql"
	riskhttp "github.com/wyfcoding/margintrading/internal/risk/interfaces/http"
	"github.com/wyfcoding/margintrading/pkg/cache"
	"github.com/wyfcoding/margintrading/pkg/config"
	"github.com/wyfcoding/margintrading/pkg/db"
	"github.com/wyfcoding/margintrading/pkg/logger"
	"github.com/wyfcoding/margintrading/pkg/metrics"
	"github.com/wyfcoding/margintrading/pkg/middleware"
	"github.com/wyfcoding/margintrading/pkg/mq"
	"github.com/wyfcoding/margintrading/pkg/ratelimit"
)

const (
	topicMatchingEvents = "matching.events"
	topicPositionEvents = "position.events"
	topicRiskEvents     = "risk.events"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/margind/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if err := logger.Init(cfg.Logger.ToLoggerConfig()); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	log := logger.Get()
	ctx := context.Background()

	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		logger.Fatal(ctx, "failed to register metrics", "error", err)
	}
	if cfg.Metrics.Enabled {
		metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
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
		logger.Fatal(ctx, "failed to connect database", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&matchdomain.Trade{},
		&matchdomain.BookSnapshot{},
		&posdomain.Position{},
		&posdomain.OvernightSwapCalculation{},
		&posmsg.OutboxMessage{},
		&liqdomain.OperationRecord{},
		&liqdomain.SettlementEntry{},
		&riskdomain.MarginAccount{},
	); err != nil {
		logger.Fatal(ctx, "failed to migrate database", "error", err)
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
		logger.Fatal(ctx, "failed to connect redis", "error", err)
	}
	defer redisCache.Close()

	kafkaCfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	producer, err := mq.NewProducer(kafkaCfg)
	if err != nil {
		logger.Fatal(ctx, "failed to create kafka producer", "error", err)
	}
	defer producer.Close()
	dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetterTopic)

	// 撮合上下文
	engine := matchdomain.NewMatchingEngine(cfg.ServiceName, log)
	tradeRepo := matchmysql.NewTradeRepository(database.DB)
	snapshotRepo := matchmysql.NewBookSnapshotRepository(database.DB)
	matchingPublisher := matchmsg.NewKafkaEventPublisher(producer, topicMatchingEvents)
	matchingManager := matchapp.NewMatchingManager(engine, tradeRepo, snapshotRepo, matchingPublisher, m, log)
	matchingQuery := matchapp.NewMatchingQueryService(engine, tradeRepo, redisCache, log)

	pairs, err := snapshotRepo.ListAssetPairs(ctx)
	if err != nil {
		logger.Fatal(ctx, "failed to list snapshotted pairs", "error", err)
	}
	if err := matchingManager.RecoverState(ctx, pairs); err != nil {
		logger.Fatal(ctx, "failed to recover matching engine state", "error", err)
	}

	// 持仓上下文
	positionRepo := posmysql.NewPositionRepository(database.DB)
	swapRepo := posmysql.NewSwapRepository(database.DB)
	outboxPublisher := posmsg.NewOutboxEventPublisher(database.DB)
	ledger := posapp.NewLedgerService(positionRepo, swapRepo, outboxPublisher, m, log)
	outboxRelay := posmsg.NewOutboxRelay(database.DB, producer, topicPositionEvents, time.Second)

	swapRate, err := decimal.NewFromString(cfg.Swap.DailyRate)
	if err != nil {
		logger.Fatal(ctx, "invalid swap daily rate", "value", cfg.Swap.DailyRate, "error", err)
	}
	swapScheduler := posapp.NewSwapScheduler(ledger, swapRate, cfg.Swap.RunHour, log)

	// 强平上下文
	operationRepo := liqmysql.NewOperationRepository(database.DB)
	commandBus := liqmsg.NewKafkaCommandBus(producer)
	liquidationPublisher := liqmsg.NewKafkaEventPublisher(producer, liqdomain.TopicLiquidationEvents)
	priceRequester := liqmsg.NewKafkaPriceRequester(producer)
	settler := liqapp.NewSettlementService(cfg.DTM.Server, cfg.DTM.CallbackBase, log)
	saga := liqapp.NewLiquidationSaga(
		operationRepo, ledger, matchingManager, priceRequester, settler, commandBus, liquidationPublisher,
		liqapp.SagaConfig{
			PriceRequestTimeout: time.Duration(cfg.Liquidation.PriceRequestTimeout) * time.Second,
			PriceRequestRetries: cfg.Liquidation.PriceRequestRetries,
			DefaultProviderID:   cfg.Liquidation.DefaultPriceProvider,
		},
		m, log,
	)
	sagaHandler := liqconsumer.NewSagaCommandHandler(saga, log)
	sagaConsumer, err := mq.NewConsumer(kafkaCfg, liqconsumer.SagaCommandTopics, sagaHandler.Handle, dlq)
	if err != nil {
		logger.Fatal(ctx, "failed to create saga consumer", "error", err)
	}
	defer sagaConsumer.Close()

	// 风控上下文
	accountRepo := riskmysql.NewAccountRepository(database.DB)
	riskPublisher := matchmsg.NewKafkaEventPublisher(producer, topicRiskEvents)
	monitor := riskapp.NewMarginMonitor(
		accountRepo, ledger, matchingManager, saga, riskPublisher, redisCache,
		riskapp.MonitorConfig{
			CheckInterval:   time.Duration(cfg.Risk.CheckInterval) * time.Second,
			MarginCallLevel: decimal.NewFromFloat(cfg.Risk.MarginCallLevel),
			StopOutLevel:    decimal.NewFromFloat(cfg.Risk.StopOutLevel),
		},
		m, log,
	)
	riskQuery := riskapp.NewMarginQueryService(accountRepo, monitor)

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	limiter := ratelimit.NewRedisLimiter(redisCache.Client())
	router.Use(middleware.GinLogging(), middleware.GinRecovery(),
		middleware.GinRateLimit(limiter, ratelimit.Limit{
			Rate:   cfg.HTTP.RateLimitRPS,
			Period: time.Second,
			Burst:  cfg.HTTP.RateLimitRPS * 2,
		}))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName, "version": cfg.Version})
	})
	root := router.Group("")
	matchhttp.NewMatchingHandler(matchingManager, matchingQuery).RegisterRoutes(root)
	poshttp.NewPositionHandler(ledger).RegisterRoutes(root)
	liqhttp.NewLiquidationHandler(saga, commandBus, database.DB).RegisterRoutes(root)
	riskhttp.NewRiskHandler(riskQuery).RegisterRoutes(root)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// gRPC：健康检查与反射
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		logger.Info(gctx, "grpc server starting", "addr", addr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error { return sagaConsumer.Run(gctx) })
	g.Go(func() error {
		return matchingManager.RunSnapshotLoop(gctx, time.Duration(cfg.Matching.SnapshotInterval)*time.Second)
	})
	g.Go(func() error { return outboxRelay.Run(gctx) })
	g.Go(func() error { return monitor.Start(gctx) })
	g.Go(func() error { return swapScheduler.Start(gctx) })

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			logger.Info(gctx, "shutdown signal received", "signal", sig.String())
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "http server shutdown failed", "error", err)
		}
		healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
		return context.Canceled
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error(ctx, "server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info(ctx, "margind stopped")
}
