package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/api/handlers"
	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/server"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/store"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/swarm"
)

// Server assembles and runs the swarmflow service.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	httpManager *server.Manager
	collector   *metrics.Collector

	poolManager *pool.Manager
	hub         *stream.Hub
	registry    *swarm.Registry
	redisCache  *stream.RedisReplayCache
	archive     *store.Archive

	healthHandler *handlers.HealthHandler
	swarmHandler  *handlers.SwarmHandler

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, otel: otelProviders}
}

// Start wires every component and begins serving.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("swarmflow", nil, s.logger)

	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("server started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Bool("redis_replay", s.redisCache != nil),
		zap.Bool("archive", s.archive != nil),
	)
	return nil
}

// initComponents builds the pool, hub, coordinator, and registry.
func (s *Server) initComponents() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	var cache stream.ReplayCache
	if s.cfg.Redis.Enabled {
		redisCache, err := stream.NewRedisReplayCache(s.cfg.Redis.RedisConfig, s.logger)
		if err != nil {
			return fmt.Errorf("connect replay cache: %w", err)
		}
		s.redisCache = redisCache
		cache = redisCache
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", redisCache.Ping))
	} else {
		cache = stream.NewMemoryReplayCache(s.cfg.Stream.TeardownGrace + time.Hour)
	}

	if s.cfg.Store.Enabled {
		archive, err := store.Open(s.cfg.Store.Config, s.logger)
		if err != nil {
			return fmt.Errorf("open execution archive: %w", err)
		}
		s.archive = archive
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("archive", archive.Ping))
	}

	var sampler pool.ResourceSampler
	if procSampler, err := pool.NewProcSampler(); err != nil {
		s.logger.Warn("resource sampler unavailable, monitoring disabled", zap.Error(err))
	} else {
		sampler = procSampler
	}
	s.poolManager = pool.NewManager(s.cfg.Pool, sampler, s.logger)

	s.hub = stream.NewHub(s.cfg.Stream, cache, s.logger)

	executor := swarm.NewBoundedExecutor(
		newLoopbackExecutor(s.logger),
		s.cfg.Executor.MaxConcurrentInvocations,
	)

	coordinator := swarm.NewCoordinator(s.cfg.Swarm, s.poolManager, s.hub, executor, s.collector, s.logger)

	var archiver swarm.Archiver
	if s.archive != nil {
		archiver = s.archive
	}
	s.registry = swarm.NewRegistry(coordinator, s.poolManager, s.hub, archiver, s.logger)

	s.swarmHandler = handlers.NewSwarmHandler(s.registry, s.poolManager, s.hub, s.collector, s.logger)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/swarm/executions", s.swarmHandler.HandleStart)
	mux.HandleFunc("GET /v1/swarm/executions", s.swarmHandler.HandleList)
	mux.HandleFunc("GET /v1/swarm/executions/{id}", s.swarmHandler.HandleStatus)
	mux.HandleFunc("POST /v1/swarm/executions/{id}/stop", s.swarmHandler.HandleStop)
	mux.HandleFunc("DELETE /v1/swarm/executions/{id}", s.swarmHandler.HandleRemove)
	mux.HandleFunc("GET /v1/swarm/executions/{id}/events", s.swarmHandler.HandleEvents)
	mux.HandleFunc("GET /v1/swarm/executions/{id}/events/ws", s.swarmHandler.HandleEventsWS)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
	}
	if s.cfg.Server.RateLimit > 0 {
		rateLimiterCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimit, s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// WaitForShutdown blocks until a shutdown signal, then tears down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops accepting requests, force-stops live executions, and
// releases backends.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(ctx); err != nil {
			s.logger.Error("registry shutdown error", zap.Error(err))
		}
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Error("archive close error", zap.Error(err))
		}
	}
	if s.redisCache != nil {
		if err := s.redisCache.Close(); err != nil {
			s.logger.Error("replay cache close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
