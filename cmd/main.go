/**
 * @description
 * This is the main entry point for the portfolio-service. It is responsible for
 * initializing all components of the service, including configuration, the store,
 * the Redis cache and rate limiter, the message broker, the session manager, the
 * scheduler and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
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
	"github.com/transfa/portfolio-service/internal/api"
	"github.com/transfa/portfolio-service/internal/app"
	"github.com/transfa/portfolio-service/internal/config"
	"github.com/transfa/portfolio-service/internal/domain"
	"github.com/transfa/portfolio-service/internal/ledger"
	"github.com/transfa/portfolio-service/internal/store"
	"github.com/transfa/portfolio-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting portfolio-service\" port=%s store_driver=%s", cfg.ServerPort, cfg.StoreDriver)

	registry, err := domain.DefaultRegistry()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"token registry invalid\" err=%v", err)
	}

	repository, closeStore := openRepository(cfg)
	defer closeStore()
	pingCtx, cancelStorePing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := repository.Ping(pingCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"store ping failed\" err=%v", err)
	}
	cancelStorePing()

	var (
		transactionCache store.TransactionCache
		rateLimiter      app.RateLimiter
	)
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; transaction cache and rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; transaction cache and rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; transaction cache and rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				transactionCache = store.NewRedisTransactionCache(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.TransactionCacheTTLSeconds)*time.Second)
				rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	sessions := app.NewSessionManager(repository, transactionCache, ledger.Options{
		InitialWalletBalance: cfg.InitialWalletBalance,
		DefaultStakingYield:  cfg.DefaultStakingYield,
		AssetName:            registry.DisplayName,
	}, time.Duration(cfg.SyncMaxBackoffSeconds)*time.Second)

	portfolioService := app.NewService(sessions, registry, repository, transactionCache, rateLimiter, app.ServiceConfig{
		PaymentProcessingDelay:     time.Duration(cfg.PaymentProcessingDelayMS) * time.Millisecond,
		MutationRateLimitPerMinute: cfg.MutationRateLimitPerMinute,
	})

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Outbox events are drained either to the broker or, without one, through the fallback producer.
	var dispatcher *app.OutboxDispatcher
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; outbox events will be dropped\" env=RABBITMQ_URL")
		dispatcher = app.NewOutboxDispatcherWithPublisher(repository, &rabbitmq.EventProducerFallback{})
	} else {
		log.Printf("level=info component=bootstrap msg=\"rabbitmq configured\" url=%s", rabbitmq.MaskURL(cfg.RabbitMQURL))
		dispatcher = app.NewOutboxDispatcher(repository, cfg.RabbitMQURL)

		identityConsumer := app.NewIdentityEventConsumer(portfolioService)
		rabbitConsumer, consumerErr := rabbitmq.NewConsumer(cfg.RabbitMQURL, 10)
		if consumerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; identity events only via api\" err=%v", consumerErr)
		} else {
			defer rabbitConsumer.Close()
			if err := rabbitConsumer.ConsumeWithBindings(cfg.IdentityEventExchange, cfg.IdentityEventQueue, identityConsumer.Bindings()); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"identity consumer start failed\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"identity consumer started\" exchange=%s queue=%s", cfg.IdentityEventExchange, cfg.IdentityEventQueue)
		}
	}
	go dispatcher.Run(backgroundCtx)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(portfolioService, logger), logger, cfg.LoanTermJobSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" schedule=%q err=%v", cfg.LoanTermJobSchedule, err)
	}

	handlers := api.NewPortfolioHandlers(portfolioService)
	router := api.PortfolioRoutes(handlers, cfg.JWTSecret, cfg.AllowedOrigins)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	sessions.Close(ctx)
	stopBackground()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openRepository connects the configured store and returns its closer.
func openRepository(cfg config.Config) (store.Repository, func()) {
	exchange := cfg.EventsExchange

	if cfg.StoreDriver == config.StoreDriverSQLite {
		repository, err := store.NewSQLiteRepository(cfg.SQLitePath, exchange)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"sqlite open failed\" path=%s err=%v", cfg.SQLitePath, err)
		}
		log.Printf("level=info component=bootstrap msg=\"sqlite store ready\" path=%s", cfg.SQLitePath)
		return repository, func() { repository.Close() }
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}

	repository := store.NewPostgresRepository(dbpool, exchange)
	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return repository, dbpool.Close
}
