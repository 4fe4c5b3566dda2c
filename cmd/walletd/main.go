package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antwallet/antwallet/internal/allocator"
	"github.com/antwallet/antwallet/internal/config"
	"github.com/antwallet/antwallet/internal/feed"
	"github.com/antwallet/antwallet/internal/handlers"
	"github.com/antwallet/antwallet/internal/reconciler"
	"github.com/antwallet/antwallet/internal/service"
	"github.com/antwallet/antwallet/internal/session"
	"github.com/antwallet/antwallet/internal/storage"
	"github.com/antwallet/antwallet/libs/health"
	"github.com/antwallet/antwallet/libs/httpmiddleware"
	"github.com/antwallet/antwallet/libs/kafka"
	"github.com/antwallet/antwallet/libs/logging"
	"github.com/antwallet/antwallet/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	walletMetrics := service.NewMetrics(registry)
	reconMetrics := reconciler.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	if err := storage.RunMigrations(logger, cfg.DB.DSN()); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)
	ready.AddCheck("postgres", store.Ping)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	var publisher kafka.Publisher = producer
	if cfg.Kafka.Topics.DeadLetter != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	sessions := buildSessionStore(cfg, ready, logger)

	alloc, err := allocator.New(allocator.Config{
		OffsetMin: cfg.Allocator.OffsetMin,
		OffsetMax: cfg.Allocator.OffsetMax,
		Precision: cfg.Allocator.Precision,
	})
	if err != nil {
		logger.Error("allocator config invalid", "error", err)
		os.Exit(1)
	}

	walletSvc, err := service.NewWalletService(store, alloc, publisher, service.Config{
		DepositAddress: cfg.Wallet.DepositAddress,
		OrderWindow:    cfg.Wallet.OrderWindow,
		USDTToCNYRate:  cfg.Wallet.USDTToCNYRate,
		TransferTopic:  cfg.Kafka.Topics.TransferExecuted,
	}, logger, walletMetrics)
	if err != nil {
		logger.Error("wallet service init failed", "error", err)
		os.Exit(1)
	}

	feedClient, err := feed.NewClient(feed.Config{
		BaseURL:       cfg.Feed.BaseURL,
		APIKey:        cfg.Feed.APIKey,
		Address:       cfg.Wallet.DepositAddress,
		TokenSymbol:   cfg.Feed.TokenSymbol,
		TokenDecimals: cfg.Feed.TokenDecimals,
		Limit:         cfg.Feed.Limit,
		Timeout:       cfg.Feed.Timeout,
	}, feed.WithLogger(logger))
	if err != nil {
		logger.Error("feed client init failed", "error", err)
		os.Exit(1)
	}

	recon := reconciler.New(reconciler.Config{
		Interval:     cfg.Reconciler.Interval,
		FeedTimeout:  cfg.Feed.Timeout,
		Tolerance:    cfg.Reconciler.Tolerance,
		SettledTopic: cfg.Kafka.Topics.DepositSettled,
	}, store, feedClient, publisher, logger, reconMetrics)

	handler := handlers.New(walletSvc, sessions, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.Auth.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	recon.Start(context.Background())
	ready.SetReady(true)

	go func() {
		logger.Info("walletd http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, recon, ready, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildSessionStore(cfg *config.Config, ready *health.Manager, logger *slog.Logger) session.Store {
	if cfg.Redis.Addr == "" {
		logger.Info("session store using memory backend")
		return session.NewMemoryStore(cfg.Redis.SessionTTL)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ready.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	logger.Info("session store using redis backend", "addr", cfg.Redis.Addr)
	return session.NewRedisStore(client, cfg.Redis.SessionTTL, "")
}

func waitForShutdown(httpServer *http.Server, recon *reconciler.Reconciler, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := recon.Stop(ctx); err != nil {
		logger.Error("reconciler shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
