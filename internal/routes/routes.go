package routes

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/finassist/authsvc/internal/auth"
	"github.com/finassist/authsvc/internal/config"
	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/metrics"
	"github.com/finassist/authsvc/internal/middleware"
	"github.com/finassist/authsvc/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Registry *prometheus.Registry

	// Mailer and Hasher override the configured implementations when set.
	Mailer notification.Mailer
	Hasher auth.PasswordHasher
}

// Services exposes the services built by Setup to the server lifecycle.
type Services struct {
	Auth     *auth.Service
	Identity *identity.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	// Enforce DB presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() && d.DB == nil {
		return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))

	RegisterHealthRoutes(app, d)
	if d.Registry != nil {
		app.Get("/metrics", metrics.Handler(d.Registry))
	}

	svcs, err := buildServices(d)
	if err != nil {
		return nil, err
	}

	tokens := svcs.tokens
	requireAuth := middleware.RequireAuth(tokens)
	rateLimiter := middleware.LoginRateLimit(d.Cache, d.Cfg.LoginRatePerMinute)

	authHandler := auth.NewHandler(svcs.Auth)
	RegisterAuthRoutes(app, authHandler, requireAuth, rateLimiter)
	RegisterAdminRoutes(app, authHandler, requireAuth)
	RegisterOnboardingRoutes(app, identity.NewHandler(svcs.Identity), d.Cfg.GatewayToken)

	return &svcs.Services, nil
}

type builtServices struct {
	Services
	tokens *auth.TokenIssuer
}

func buildServices(d Deps) (builtServices, error) {
	var (
		users  identity.Repository
		resets auth.ResetStore
	)
	if d.DB != nil {
		users = identity.NewPostgresRepository(d.DB)
		resets = auth.NewPostgresResetStore(d.DB)
	} else {
		users = identity.NewMemoryRepository()
		resets = auth.NewMemoryResetStore(users)
	}

	var tracker auth.RefreshTracker
	switch {
	case !d.Cfg.RefreshTracking:
		tracker = auth.NoopRefreshTracker{}
		d.Logger.Warn("refresh tracking disabled, logout is advisory")
	case d.Cache != nil:
		tracker = auth.NewRedisRefreshTracker(d.Cache)
	default:
		tracker = auth.NewMemoryRefreshTracker()
	}

	mailer := d.Mailer
	if mailer == nil {
		if d.Cfg.SMTPHost != "" {
			smtp, err := notification.NewSMTPMailer(notification.SMTPConfig{
				Host:     d.Cfg.SMTPHost,
				Port:     d.Cfg.SMTPPort,
				Username: d.Cfg.SMTPUsername,
				Password: d.Cfg.SMTPPassword,
				From:     d.Cfg.MailFrom,
			})
			if err != nil {
				return builtServices{}, err
			}
			mailer = smtp
		} else {
			mailer = notification.NewLoggerMailer(d.Logger)
		}
	}

	hasher := d.Hasher
	if hasher == nil {
		hasher = auth.NewArgon2Hasher()
	}

	var authMetrics *metrics.Auth
	if d.Registry != nil {
		authMetrics = metrics.NewAuth(d.Registry)
	}

	tokens := auth.NewTokenIssuer([]byte(d.Cfg.JWTSecret), d.Cfg.AccessTokenTTL, d.Cfg.RefreshTokenTTL, tracker)
	authSvc, err := auth.NewService(auth.Dependencies{
		Users:    users,
		Hasher:   hasher,
		Tokens:   tokens,
		Resets:   auth.NewResetManager(resets, d.Cfg.ResetTokenTTL),
		Notifier: notification.NewNotifier(mailer, d.Cfg.EmailTimeout, d.Cfg.PublicBaseURL, d.Cfg.ResetTokenTTL, d.Logger),
		Metrics:  authMetrics,
		Logger:   d.Logger,
	}, d.Cfg.StoreTimeout)
	if err != nil {
		return builtServices{}, err
	}

	return builtServices{
		Services: Services{
			Auth:     authSvc,
			Identity: identity.NewService(users, d.Cfg.PublicBaseURL),
		},
		tokens: tokens,
	}, nil
}
