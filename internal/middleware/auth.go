package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/finassist/authsvc/internal/identity"
)

const principalKey = "principal"

// TokenValidator resolves an access token into the caller's identity.
type TokenValidator interface {
	ValidateAccess(ctx context.Context, token string) (identity.Principal, error)
}

// RequireAuth rejects requests without a valid bearer access token and stores
// the resolved principal in the request locals.
func RequireAuth(v TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		token := strings.TrimSpace(authz[len("Bearer "):])
		principal, err := v.ValidateAccess(c.UserContext(), token)
		if err != nil {
			return err
		}
		c.Locals(principalKey, principal)
		return c.Next()
	}
}

// Identity returns the principal stored by RequireAuth.
func Identity(c *fiber.Ctx) (identity.Principal, bool) {
	p, ok := c.Locals(principalKey).(identity.Principal)
	return p, ok
}

// RequireRole admits only principals whose role allows required. It must run
// after RequireAuth.
func RequireRole(required identity.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, ok := Identity(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		if !p.Role.Allows(required) {
			return fiber.NewError(http.StatusForbidden, "insufficient role")
		}
		return c.Next()
	}
}
