package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	defaultAppName        = "FinAssist Auth"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultAccessTTL      = 30 * time.Minute
	defaultRefreshTTL     = 7 * 24 * time.Hour
	defaultResetTTL       = time.Hour
	defaultStoreTimeout   = 5 * time.Second
	defaultEmailTimeout   = 10 * time.Second
	defaultSMTPPort       = 587
	defaultLoginRate      = 5
	defaultBaseURL        = "http://localhost:3000"

	minSecretLength = 32
)

// Config captures application runtime configuration.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ResetTokenTTL   time.Duration
	RefreshTracking bool

	StoreTimeout time.Duration
	EmailTimeout time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	PublicBaseURL      string
	LoginRatePerMinute int

	// GatewayToken is the shared credential the messaging gateway presents
	// on the onboarding endpoints.
	GatewayToken string
}

// keys lists every recognised configuration key. Environment variables are
// matched against the upper-cased form (DATABASE_URL -> database_url).
var keys = map[string]any{
	"app_name":              defaultAppName,
	"app_env":               defaultAppEnv,
	"port":                  defaultPort,
	"log_level":             defaultLogLevel,
	"database_url":          "",
	"redis_url":             "",
	"shutdown_timeout":      defaultShutdownDelay.String(),
	"idempotency_ttl":       defaultIdempotencyTTL.String(),
	"jwt_secret":            "",
	"access_token_ttl":      defaultAccessTTL.String(),
	"refresh_token_ttl":     defaultRefreshTTL.String(),
	"reset_token_ttl":       defaultResetTTL.String(),
	"refresh_tracking":      true,
	"store_timeout":         defaultStoreTimeout.String(),
	"email_timeout":         defaultEmailTimeout.String(),
	"smtp_host":             "",
	"smtp_port":             defaultSMTPPort,
	"smtp_username":         "",
	"smtp_password":         "",
	"mail_from":             "no-reply@finassist.local",
	"public_base_url":       defaultBaseURL,
	"login_rate_per_minute": defaultLoginRate,
	"gateway_token":         "",
}

// BindFlags registers the command-line overrides understood by Load.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("port", defaultPort, "HTTP listen port")
	fs.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("database-url", "", "PostgreSQL connection string")
	fs.String("redis-url", "", "Redis connection string")
	fs.String("public-base-url", defaultBaseURL, "public URL used in reset and onboarding links")
}

// Load reads configuration with increasing precedence: built-in defaults, the
// optional YAML file at path, environment variables and finally changed flags.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	for key, val := range keys {
		if err := k.Set(key, val); err != nil {
			return Config{}, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if _, ok := keys[key]; !ok {
			return ""
		}
		return key
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if fs != nil {
		flags := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
		})
		if err := k.Load(flags, nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (Config, error) {
	cfg := Config{
		AppName:            k.String("app_name"),
		AppEnv:             k.String("app_env"),
		Port:               k.String("port"),
		LogLevel:           strings.ToLower(k.String("log_level")),
		DatabaseURL:        k.String("database_url"),
		RedisURL:           k.String("redis_url"),
		JWTSecret:          k.String("jwt_secret"),
		RefreshTracking:    k.Bool("refresh_tracking"),
		SMTPHost:           k.String("smtp_host"),
		SMTPPort:           k.Int("smtp_port"),
		SMTPUsername:       k.String("smtp_username"),
		SMTPPassword:       k.String("smtp_password"),
		MailFrom:           k.String("mail_from"),
		PublicBaseURL:      strings.TrimRight(k.String("public_base_url"), "/"),
		LoginRatePerMinute: k.Int("login_rate_per_minute"),
		GatewayToken:       k.String("gateway_token"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_timeout", &cfg.ShutdownPeriod},
		{"idempotency_ttl", &cfg.IdempotencyTTL},
		{"access_token_ttl", &cfg.AccessTokenTTL},
		{"refresh_token_ttl", &cfg.RefreshTokenTTL},
		{"reset_token_ttl", &cfg.ResetTokenTTL},
		{"store_timeout", &cfg.StoreTimeout},
		{"email_timeout", &cfg.EmailTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(k.String(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", strings.ToUpper(d.key), err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", strings.ToUpper(d.key))
		}
		*d.dst = v
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that cannot be expressed as defaults.
func (c Config) Validate() error {
	if len(c.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLength)
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	if !c.IsDev() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if !c.IsDev() && c.GatewayToken == "" {
		return fmt.Errorf("GATEWAY_TOKEN must be set when APP_ENV=%s", c.AppEnv)
	}
	return nil
}

// IsDev reports whether the service runs in a local development environment,
// where in-memory stores stand in for Postgres and Redis.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
