package identity

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the chat onboarding endpoints used by the messaging gateway.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type inboundRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type inboundResponse struct {
	Created            bool   `json:"created"`
	OnboardingRequired bool   `json:"onboarding_required"`
	OnboardingURL      string `json:"onboarding_url,omitempty"`
}

// Inbound resolves the sender of a chat message, creating a minimal record
// for unknown phones.
func (h *Handler) Inbound(c *fiber.Ctx) error {
	var req inboundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	user, created, err := h.service.EnsureChatUser(c.UserContext(), req.Phone, req.Name)
	if err != nil {
		return err
	}
	resp := inboundResponse{
		Created:            created,
		OnboardingRequired: user.IsPending() || !user.OnboardingCompleted,
	}
	if resp.OnboardingRequired {
		resp.OnboardingURL = h.service.OnboardingURL(user.Phone)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(resp)
}

// Check reports whether a phone still needs onboarding.
func (h *Handler) Check(c *fiber.Ctx) error {
	phone := c.Params("phone")
	needs, err := h.service.NeedsOnboarding(c.UserContext(), phone)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"phone": phone, "needs_onboarding": needs})
}
