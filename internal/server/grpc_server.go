package server

import (
	"context"
	"fmt"
	"net"
	"time"

	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jia-app/dunningservice/internal/log"
)

// HealthServer exposes the gRPC health and reflection services so
// orchestrators can probe the dunning service. Serving status tracks
// database and Redis reachability.
type HealthServer struct {
	server       *grpc.Server
	healthServer *health.Server
	port         int
	db           *pgxpool.Pool
	redisClient  *redis.Client
	stopChan     chan struct{}
}

// NewHealthServer creates a gRPC health server. The Redis client may be
// nil; health then tracks the database alone.
func NewHealthServer(port int, db *pgxpool.Pool, redisClient *redis.Client) *HealthServer {
	logger := log.L(context.Background())

	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) (err error) {
			logger.Error("gRPC panic recovered", zap.Any("panic", p))
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithLevels(grpc_zap.DefaultCodeToLevel),
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			otelgrpc.UnaryServerInterceptor(),
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
		),
		grpc.ChainStreamInterceptor(
			otelgrpc.StreamServerInterceptor(),
			grpc_recovery.StreamServerInterceptor(recoveryOpts...),
			grpc_zap.StreamServerInterceptor(logger, zapOpts...),
		),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	// not serving until the first dependency check passes
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		server:       server,
		healthServer: healthServer,
		port:         port,
		db:           db,
		redisClient:  redisClient,
		stopChan:     make(chan struct{}),
	}
}

// Serve starts listening and blocks until the server stops
func (s *HealthServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	go s.monitorHealth(ctx)

	log.Info(ctx, "gRPC health server listening", zap.Int("port", s.port))
	return s.server.Serve(lis)
}

// Stop gracefully stops the server
func (s *HealthServer) Stop() {
	close(s.stopChan)
	s.server.GracefulStop()
}

func (s *HealthServer) monitorHealth(ctx context.Context) {
	s.checkDependencies(ctx)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.checkDependencies(ctx)
		}
	}
}

func (s *HealthServer) checkDependencies(ctx context.Context) {
	healthy := s.checkDatabase(ctx) && s.checkRedis(ctx)
	if healthy {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (s *HealthServer) checkDatabase(ctx context.Context) bool {
	if s.db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		log.Warn(ctx, "Database health check failed", zap.Error(err))
		return false
	}
	return true
}

func (s *HealthServer) checkRedis(ctx context.Context) bool {
	if s.redisClient == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		log.Warn(ctx, "Redis health check failed", zap.Error(err))
		return false
	}
	return true
}
