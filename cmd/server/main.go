// reqplan - requirement-to-plan conversation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/reqplan/internal/api"
	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/config"
	"github.com/ashureev/reqplan/internal/coordinator"
	"github.com/ashureev/reqplan/internal/dispatch"
	"github.com/ashureev/reqplan/internal/identity"
	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/ashureev/reqplan/internal/middleware"
	"github.com/ashureev/reqplan/internal/push"
	"github.com/ashureev/reqplan/internal/session"
	"github.com/ashureev/reqplan/internal/store"
	"github.com/ashureev/reqplan/internal/stream"
	"github.com/ashureev/reqplan/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "storage", cfg.Storage.Backend, "backend", cfg.Analysis.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Storage connected", "backend", cfg.Storage.Backend)

	m := metrics.New()
	recorder := apperror.NewRecorder(apperror.DefaultHistorySize, logger)
	registry := session.NewRegistry(repo, logger, m)

	connector := newConnector(cfg, logger, m)
	caps, err := newCapabilities(cfg, logger, m)
	if err != nil {
		return err
	}
	defer caps.Close()

	rich, basic, problems := newBackends(cfg, caps, connector, repo, recorder, logger, m)
	coord, err := coordinator.New(coordinator.Config{
		Rich:       rich,
		Basic:      basic,
		Preference: cfg.Analysis.Backend,
		Sessions:   registry,
		Recorder:   recorder,
		Problems:   append(cfg.Problems(), problems...),
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	for _, p := range coord.ValidateConfiguration() {
		slog.Warn("Configuration problem", "problem", p)
	}

	tr, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	hub := stream.NewHub(m)
	dispatcher := dispatch.New(dispatch.Config{
		Coordinator: coord,
		Sessions:    registry,
		Publisher:   push.Tee(hub, tr),
		Timeout:     cfg.Analysis.Timeout,
		Logger:      logger,
	})

	limiter := middleware.NewSessionLimiter(cfg.ChatRPS, cfg.ChatBurst)
	session.StartTTLWorker(ctx, registry, cfg.SessionIdleTTL, 0, func(sessionID string) {
		hub.CloseSession(sessionID)
	})

	deps := api.Deps{
		Store:       repo,
		StorageName: cfg.Storage.Backend,
		Sessions:    registry,
		Submitter:   dispatcher,
		Coordinator: coord,
		Connections: hub.Count,
		ChatLimiter: middleware.RateLimit(limiter),
		Logger:      logger,
	}
	if connector != nil {
		deps.CRM = connector
	}
	apiHandler := api.NewHandler(deps)
	wsHandler := stream.NewHandler(stream.Config{
		Hub:           hub,
		Sessions:      registry,
		Submitter:     dispatcher,
		Limiter:       limiter,
		Recorder:      tr,
		AllowedOrigin: cfg.FrontendURL,
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())

	// WebSocket endpoint.
	r.With(identity.Middleware).Get("/ws/{session_id}", wsHandler.ServeHTTP)

	// WriteTimeout stays 0 so push connections are not cut.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			slog.Warn("Background analyses did not stop in time", "error", err)
		}
		return nil
	})
	return g.Wait()
}
