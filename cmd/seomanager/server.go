package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/api/handlers"
	"github.com/vrijsinghani/seoclientmanager-sub000/config"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/broadcast"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/catalog"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/engine"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/humaninput"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/tools"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/cache"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/database"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/metrics"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/pool"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/server"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/telemetry"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm/factory"
)

// Server wires every component of the execution engine and owns their
// lifecycles.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager
	telemetry   *telemetry.Providers

	db        *database.PoolManager
	store     *store.GormStore
	kv        *cache.Manager
	hub       *broadcast.Hub
	gate      *humaninput.Gate
	workers   *pool.WorkerPool
	scheduler *engine.Scheduler

	collector *metrics.Collector

	rateLimiterCancel context.CancelFunc
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start brings up every component and begins serving. Redis being down
// degrades human input to unavailable instead of failing startup; the
// database is required.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector(s.cfg.Metrics.Namespace, s.logger)

	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	s.db, err = database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}

	s.store, err = store.NewGormStore(s.db.DB(), s.logger)
	if err != nil {
		return err
	}
	if err := s.store.AutoMigrate(); err != nil {
		s.logger.Warn("schema auto-migrate failed, run `seomanager migrate up`",
			zap.Error(err))
	}

	s.kv, err = cache.NewManager(s.cfg.Cache, s.logger)
	if err != nil {
		s.logger.Warn("cache unavailable, human input disabled", zap.Error(err))
		s.kv = nil
	}

	crews, err := catalog.Load(s.cfg.CrewDir, s.logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(s.logger)
	tools.RegisterBuiltins(registry, &http.Client{Timeout: 30 * time.Second}, s.logger)

	llmFactory := factory.New(s.cfg.LLM.Backends, s.logger)

	s.hub = broadcast.NewHub(s.logger)
	broadcaster := broadcast.NewBroadcaster(s.store, s.hub, s.cfg.Broadcast, s.collector, s.logger)

	if s.kv != nil {
		s.gate = humaninput.NewGate(s.kv, s.store, s.cfg.HumanInput, s.collector, s.logger)
	}

	deps := engine.Deps{
		Store:       s.store,
		Crews:       crews,
		LLM:         llmFactory,
		Registry:    registry,
		Broadcaster: broadcaster,
		Metrics:     s.collector,
		Logger:      s.logger,
	}
	if s.gate != nil {
		deps.Input = s.gate
	}
	eng, err := engine.New(s.cfg.Engine, deps)
	if err != nil {
		return err
	}

	s.workers = pool.New(pool.Config{
		MaxWorkers:  s.cfg.Pool.MaxWorkers,
		QueueSize:   s.cfg.Pool.QueueSize,
		IdleTimeout: s.cfg.Pool.IdleTimeout,
		PanicHandler: func(v any) {
			s.logger.Error("execution worker panic", zap.Any("panic", v))
		},
	})
	s.scheduler = engine.NewScheduler(eng, s.store, s.workers, s.logger)

	// Executions left RUNNING by a previous process crashed mid-run.
	recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := s.scheduler.Recover(recoverCtx)
	cancel()
	if err != nil {
		s.logger.Warn("recovery pass failed", zap.Error(err))
	} else if recovered > 0 {
		s.logger.Info("marked interrupted executions failed", zap.Int64("count", recovered))
	}

	handler := s.buildHandler()
	s.httpManager = server.NewManager(handler, s.cfg.Server, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("server started",
		zap.String("addr", s.cfg.Server.Addr),
		zap.Int("crews", crews.Len()),
		zap.Bool("human_input", s.gate != nil),
	)
	return nil
}

// buildHandler assembles the mux and middleware chain.
func (s *Server) buildHandler() http.Handler {
	execHandler := handlers.NewExecutionHandler(s.store, s.scheduler, s.gate, s.logger)
	streamHandler := handlers.NewStreamHandler(s.hub, s.logger)

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck("database", s.store.Ping)
	if s.kv != nil {
		healthHandler.RegisterCheck("cache", s.kv.Ping)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/executions/{id}/submit", execHandler.HandleSubmit)
	mux.HandleFunc("POST /api/executions/{id}/cancel", execHandler.HandleCancel)
	mux.HandleFunc("POST /api/executions/{id}/human-input", execHandler.HandleHumanInput)
	mux.HandleFunc("GET /api/executions/{id}", execHandler.HandleGet)
	mux.HandleFunc("GET /ws/executions/{id}", streamHandler.HandleExecutionStream)
	mux.HandleFunc("GET /ws/crews/{id}/board", streamHandler.HandleBoardStream)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	skipAuthPaths := []string{"/healthz", "/version", "/metrics"}
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.API.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.API.RateLimitRPS, s.cfg.API.RateLimitBurst),
	)
}

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops accepting work and releases every component in dependency
// order: HTTP first so no new submissions arrive, then workers, then the
// stores underneath them.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
	}
	if s.workers != nil {
		s.workers.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			s.logger.Error("cache close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
