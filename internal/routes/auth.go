package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/finassist/authsvc/internal/auth"
	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/middleware"
)

// RegisterAuthRoutes wires authentication endpoints.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, requireAuth, rateLimiter fiber.Handler) {
	group := r.Group("/auth")
	group.Post("/register", h.Register)
	if rateLimiter != nil {
		group.Post("/login", rateLimiter, h.Login)
	} else {
		group.Post("/login", h.Login)
	}
	group.Post("/refresh", h.Refresh)
	group.Post("/forgot-password", h.ForgotPassword)
	group.Post("/reset-password", h.ResetPassword)

	group.Post("/logout", requireAuth, h.Logout)
	group.Get("/me", requireAuth, h.Me)
	group.Put("/me", requireAuth, h.UpdateMe)
	group.Post("/change-password", requireAuth, h.ChangePassword)
	group.Post("/complete-onboarding", requireAuth, h.CompleteOnboarding)
}

// RegisterAdminRoutes wires account administration endpoints.
func RegisterAdminRoutes(r fiber.Router, h *auth.Handler, requireAuth fiber.Handler) {
	group := r.Group("/admin", requireAuth, middleware.RequireRole(identity.RoleAdmin))
	group.Post("/users/:id/deactivate", h.Deactivate)
	group.Post("/users/:id/activate", h.Activate)
}

// RegisterOnboardingRoutes wires the endpoints the messaging gateway calls.
// Every route requires the gateway credential.
func RegisterOnboardingRoutes(r fiber.Router, h *identity.Handler, gatewayToken string) {
	group := r.Group("/onboarding", middleware.RequireGatewayToken(gatewayToken))
	group.Post("/inbound", h.Inbound)
	group.Get("/check/:phone", h.Check)
}
