package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/finassist/authsvc/internal/identity"
)

// Audit writes one structured line per request. Handler errors are rendered
// through the app's error handler first so the logged status is the one the
// client receives. The route pattern is logged instead of the raw path so
// phone numbers in path parameters stay out of the logs; health-check endpoints are
// not logged at all.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().Config().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		route := c.Route().Path
		if isHealthCheck(route) {
			return nil
		}
		status := c.Response().StatusCode()

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if id := RequestIDFrom(c); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		if p, ok := c.Locals(principalKey).(identity.Principal); ok {
			attrs = append(attrs, slog.String("user_id", p.UserID))
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Error("request completed", attrs...)
		case status == fiber.StatusUnauthorized || status == fiber.StatusTooManyRequests:
			logger.Warn("request rejected", append(attrs, slog.String("ip", c.IP()))...)
		default:
			logger.Info("request completed", attrs...)
		}
		return nil
	}
}

func isHealthCheck(route string) bool {
	return route == "/health" || route == "/healthz" || strings.HasPrefix(route, "/metrics")
}
