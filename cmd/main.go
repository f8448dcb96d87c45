/**
 * @description
 * This is the main entry point for the tipping-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the chain client, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/chainclient: Client for the settlement chain RPC endpoint.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/tipjar/tipping-service/internal/api"
	"github.com/tipjar/tipping-service/internal/app"
	"github.com/tipjar/tipping-service/internal/config"
	"github.com/tipjar/tipping-service/internal/store"
	"github.com/tipjar/tipping-service/pkg/chainclient"
	rmrabbit "github.com/tipjar/tipping-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting tipping-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish tip lifecycle events.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the chain client used to broadcast and verify settlements.
	chainClient, err := chainclient.NewClient(
		cfg.ChainRPCURL,
		cfg.TokenContractAddress,
		cfg.SettlementSignerKey,
		cfg.ChainID,
		cfg.SettlementConfirmations,
		time.Duration(cfg.SettlementPollMs)*time.Millisecond,
	)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"chain client init failed\" err=%v", err)
	}

	var redisClient *redis.Client
	if cfg.TipRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; tip rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; tip rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; tip rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	tippingService := app.NewService(repository, chainClient, producer)
	tippingService.SetSweepMinimumAge(time.Duration(cfg.ReconcileMinAgeMinutes) * time.Minute)
	if redisClient != nil {
		tippingService.SetTipRateLimiter(
			app.NewRedisTipRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.TipRateLimitPerMinute,
		)
	}

	// Initialize the API handlers.
	tipHandlers := api.NewTipHandlers(tippingService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	authCfg := api.AuthConfig{
		JWKSURL:  cfg.AuthJWKSURL,
		Audience: cfg.AuthAudience,
		Issuer:   cfg.AuthIssuer,
	}
	router.Mount("/tipping", api.TipRoutes(tipHandlers, authCfg, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the settlement status consumer: duplicate and out-of-order
	// notifications are expected and handled idempotently.
	settlementConsumer := app.NewSettlementStatusConsumer(tippingService, repository)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	settlementBindings := map[string]func([]byte) bool{
		"settlement.status.broadcast": settlementConsumer.HandleMessage,
		"settlement.status.confirmed": settlementConsumer.HandleMessage,
		"settlement.status.failed":    settlementConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.TipEventExchange, cfg.TipEventQueue, settlementBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement consumer start failed\" err=%v", err)
	}

	// Start the recurring reconciliation sweep.
	scheduler := app.NewScheduler(tippingService, cfg.ReconcileSchedule, cfg.ReconcileBatchLimit)
	scheduler.Start()

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
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

	<-scheduler.Stop().Done()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
