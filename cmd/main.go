/**
 * @description
 * This is the main entry point for the affiliate subscription service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, builds the lifecycle service with its price oracle
 * and chain verifier, starts the inbound event consumer and the maintenance scheduler, and serves
 * the HTTP API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: per-user locks, rate cache and idempotency records.
 * - pkg/rabbitmq: lifecycle event publishing and inbound event consumption.
 * - pkg/pricefeed, pkg/suiclient: exchange rate feed and on-chain payment verification.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/affiliate-subscription-service/internal/api"
	"github.com/transfa/affiliate-subscription-service/internal/app"
	"github.com/transfa/affiliate-subscription-service/internal/config"
	"github.com/transfa/affiliate-subscription-service/internal/store"
	"github.com/transfa/affiliate-subscription-service/pkg/pricefeed"
	"github.com/transfa/affiliate-subscription-service/pkg/rabbitmq"
	"github.com/transfa/affiliate-subscription-service/pkg/suiclient"
)

const rateCacheTTL = time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fatal(logger, "config load failed", err)
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("internal api key not configured; internal routes are unauthenticated", "env", "INTERNAL_API_KEY")
	}

	logger.Info("starting affiliate-subscription-service", "port", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database url parse failed", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Simple protocol keeps the pool usable behind transaction-mode poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	redisClient := connectRedis(logger, cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	var (
		locker           app.UserLocker = app.NewLocalUserLocker()
		rateCache        app.RateCache
		idempotencyStore api.IdempotencyStore
		rateLimiter      api.RateLimiter
	)
	if redisClient != nil {
		locker = app.NewRedisUserLocker(redisClient, cfg.RedisKeyPrefix)
		rateCache = app.NewRedisRateCache(redisClient, cfg.RedisKeyPrefix, rateCacheTTL)
		idempotencyStore = api.NewRedisIdempotencyStore(redisClient, cfg.RedisKeyPrefix)
		rateLimiter = api.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	} else {
		logger.Warn("redis unavailable; user locks are process-local, idempotency replay and rate limiting are disabled")
	}

	oracle := app.NewPriceOracle(
		pricefeed.NewClient(cfg.PriceFeedURL),
		rateCache,
		cfg.SubscriptionPriceUSD,
		cfg.FallbackSuiUSDRate,
		cfg.PriceFeedTimeout(),
		logger,
	)

	var verifier app.ChainVerifier
	if cfg.ChainVerifierMode == "simulated" {
		logger.Warn("chain verifier running in simulated mode; every transaction reference is accepted")
		verifier = app.SimulatedVerifier{}
	} else {
		verifier = suiclient.NewClient(cfg.SuiRPCURL)
	}

	repository := store.NewRepository(dbpool)
	service := app.NewService(repository, oracle, verifier, locker, publisher, logger, app.Settings{
		TrialDays:            cfg.TrialDays,
		DefaultBonusDays:     cfg.DefaultBonusDays,
		EventsExchange:       cfg.EventsExchange,
		SubscriptionPriceUSD: cfg.SubscriptionPriceUSD,
	})

	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; inbound ticket and payment events disabled", "env", "RABBITMQ_URL")
	} else {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			fatal(logger, "rabbitmq consumer init failed", err)
		}
		defer consumer.Close()

		inbound := app.NewInboundEventConsumer(service, logger)
		if err := consumer.ConsumeWithBindings(cfg.InboundExchange, cfg.BonusEventQueue, inbound.Bindings()); err != nil {
			fatal(logger, "inbound consumer start failed", err)
		}
		logger.Info("inbound consumer started", "exchange", cfg.InboundExchange, "queue", cfg.BonusEventQueue)
	}

	jobs := app.NewJobs(service, logger, cfg.PendingPaymentTTL(), cfg.UnappliedBonusAlertAfter())
	scheduler := app.NewScheduler(jobs, logger, app.Schedules{
		PendingPaymentExpiry: cfg.PendingPaymentJobSchedule,
		UnappliedBonusReport: cfg.UnappliedBonusJobSchedule,
	})
	scheduler.Start()

	handler := api.NewHandler(service, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Auth: api.AuthOptions{
			JWKSURL:  cfg.JWKSURL,
			Audience: cfg.JWTAudience,
			Issuer:   cfg.JWTIssuer,
		},
		InternalKey:      cfg.InternalAPIKey,
		IdempotencyStore: idempotencyStore,
		RateLimiter:      rateLimiter,
		PaymentRateLimit: cfg.PaymentRateLimitPerMinute,
		Logger:           logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server stopped unexpectedly", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}

func connectRedis(logger *slog.Logger, redisURL string) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing", "env", "REDIS_URL")
		return nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed", "error", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed", "error", err)
		client.Close()
		return nil
	}

	logger.Info("redis connected")
	return client
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
