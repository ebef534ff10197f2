package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/audit"
	"github.com/jia-app/dunningservice/internal/auth"
	"github.com/jia-app/dunningservice/internal/cache"
	"github.com/jia-app/dunningservice/internal/config"
	"github.com/jia-app/dunningservice/internal/dunning/repo/postgres"
	"github.com/jia-app/dunningservice/internal/dunning/scheduler"
	"github.com/jia-app/dunningservice/internal/dunning/usecase"
	"github.com/jia-app/dunningservice/internal/events"
	"github.com/jia-app/dunningservice/internal/httpapi"
	"github.com/jia-app/dunningservice/internal/lease"
	"github.com/jia-app/dunningservice/internal/log"
	"github.com/jia-app/dunningservice/internal/metrics"
	"github.com/jia-app/dunningservice/internal/ratelimit"
	"github.com/jia-app/dunningservice/internal/retry"
	"github.com/jia-app/dunningservice/internal/server"
	"github.com/jia-app/dunningservice/internal/tracing"
)

// App wires together every component of the dunning service
type App struct {
	config      *config.Config
	logger      *zap.Logger
	dbPool      *pgxpool.Pool
	redisClient *redis.Client
	publisher   events.Publisher
	scheduler   *scheduler.Scheduler
	httpServer  *http.Server
	healthSrv   *server.HealthServer
	metricsSrv  *metrics.Server

	tracingShutdown func()
}

// New creates a new application instance
func New(cfg *config.Config) (*App, error) {
	if err := log.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	ctx := context.Background()
	logger := log.L(ctx)

	logger.Info("Initializing dunning service",
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Int("grpc_port", cfg.Server.Port))

	var tracingShutdown func()
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: "1.0.0",
			Environment:    "production",
			JaegerEndpoint: cfg.Tracing.Endpoint,
			SamplingRatio:  cfg.Tracing.SampleRate,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		tracingShutdown = shutdown
	}

	dbPool, err := initializeDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store, err := postgres.NewStoreWithPool(dbPool)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// Redis is optional: without it the campaign cache and the scan
	// lease are skipped and the DB claim carries exclusivity alone.
	redisClient, err := initializeRedis(cfg)
	if err != nil {
		logger.Warn("Redis initialization failed, continuing without Redis",
			zap.Error(err),
			zap.String("redis_addr", cfg.Redis.GetRedisAddr()))
		redisClient = nil
	}

	var campaignCache *cache.Cache
	var locker *lease.Locker
	if redisClient != nil {
		campaignCache = cache.NewCacheWithClient(redisClient)
		locker = lease.NewLocker(redisClient, cfg.Scheduler.ClaimTTL, "")
	}

	publisher, err := initializePublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}

	registry := buildRegistry(ctx, cfg)

	engine := usecase.NewEngine(store, registry, publisher)
	execSvc := usecase.NewExecutionService(store, campaignCache, publisher)
	campaignSvc := usecase.NewCampaignService(store, campaignCache)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.NewScheduler(engine, store, locker, scheduler.Config{
			ScanInterval: cfg.Scheduler.ScanInterval,
			BatchSize:    cfg.Scheduler.BatchSize,
			Workers:      cfg.Scheduler.Workers,
			ClaimTTL:     cfg.Scheduler.ClaimTTL,
		})
	}

	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		v, err := auth.NewJWTValidatorFromFile(cfg.Auth.JWTPublicKey, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token validator: %w", err)
		}
		validator = v
	}

	handler := httpapi.NewHandler(execSvc, campaignSvc, sched, validator)
	if redisClient != nil {
		limiter := ratelimit.NewRedisRateLimiter(redisClient, ratelimit.DefaultConfig().RequestsPerMinute, logger)
		handler = handler.WithRateLimiter(limiter)
	}
	handler = handler.WithAuditor(audit.NewManager(audit.NewZapAuditLogger(logger)))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), logger)
		metricsSrv.SetReadyCheck(func(ctx context.Context) error {
			return dbPool.Ping(ctx)
		})
	}

	healthSrv := server.NewHealthServer(cfg.Server.Port, dbPool, redisClient)

	return &App{
		config:          cfg,
		logger:          logger,
		dbPool:          dbPool,
		redisClient:     redisClient,
		publisher:       publisher,
		scheduler:       sched,
		httpServer:      httpServer,
		healthSrv:       healthSrv,
		metricsSrv:      metricsSrv,
		tracingShutdown: tracingShutdown,
	}, nil
}

// Run starts every server and blocks until the HTTP server stops
func (a *App) Run(ctx context.Context) error {
	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.Start(ctx); err != nil && err != http.ErrServerClosed {
				a.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := a.healthSrv.Serve(ctx); err != nil {
			a.logger.Error("gRPC health server error", zap.Error(err))
		}
	}()

	if a.scheduler != nil {
		go a.scheduler.Start(ctx)
	}

	a.logger.Info("HTTP server listening", zap.String("addr", a.httpServer.Addr))
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops every component. The scheduler drains first
// so no action is cut off mid-dispatch.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down dunning service")

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	a.healthSrv.Stop()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("Failed to close event publisher", zap.Error(err))
		}
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	if a.tracingShutdown != nil {
		a.tracingShutdown()
	}

	a.logger.Info("Shutdown complete")
	return nil
}

func initializeDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	// the database may still be coming up when the service starts
	pingCfg := retry.Config{
		MaxAttempts:   5,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
	if err := retry.Do(ctx, pingCfg, log.L(ctx), func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func initializeRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func initializePublisher(cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if !cfg.Kafka.Enabled {
		return events.NoopPublisher{}, nil
	}
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
}
