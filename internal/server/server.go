package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/finassist/authsvc/internal/config"
	"github.com/finassist/authsvc/internal/routes"
)

const resetPurgeInterval = time.Hour

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app    *fiber.App
	cfg    config.Config
	svcs   *routes.Services
	logger *slog.Logger

	mu      sync.Mutex
	janitor *Janitor
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, registry *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          routes.ErrorHandler(logger),
		DisableStartupMessage: true,
	})

	svcs, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger, Registry: registry})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, svcs: svcs, logger: logger}, nil
}

// Listen starts the background janitor and the HTTP server.
func (s *Server) Listen() error {
	s.mu.Lock()
	if s.janitor == nil {
		s.janitor = StartJanitor(context.Background(), s.svcs.Auth, resetPurgeInterval, s.logger)
	}
	s.mu.Unlock()
	s.logger.Info("http server listening", "addr", s.cfg.Address())
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, the janitor and pending emails.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.mu.Lock()
	if s.janitor != nil {
		s.janitor.Stop()
		s.janitor = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.svcs.Auth.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("pending emails abandoned at shutdown")
	}
	return err
}
