package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// HeaderGatewayToken carries the messaging gateway's shared credential.
const HeaderGatewayToken = "X-Gateway-Token"

// RequireGatewayToken admits only requests presenting the configured gateway
// credential. An empty token rejects every request.
func RequireGatewayToken(token string) fiber.Handler {
	expected := []byte(token)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get(HeaderGatewayToken))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "missing gateway credential")
		}
		return c.Next()
	}
}
