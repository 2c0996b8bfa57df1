package auth

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/middleware"
)

const forgotPasswordMessage = "if the email is registered, a reset link has been sent"

// Handler exposes the /auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler constructs an auth HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func newTokenResponse(p Pair) tokenResponse {
	return tokenResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    TokenType,
		ExpiresIn:    p.ExpiresIn,
	}
}

type profileResponse struct {
	ID                  string     `json:"id"`
	Phone               string     `json:"phone"`
	Name                string     `json:"name"`
	Email               *string    `json:"email"`
	IdentityNumber      *string    `json:"identity_number"`
	Active              bool       `json:"is_active"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	LastLogin           *time.Time `json:"last_login"`
}

func newProfileResponse(u identity.User) profileResponse {
	return profileResponse{
		ID:                  u.ID,
		Phone:               u.Phone,
		Name:                u.Name,
		Email:               u.Email,
		IdentityNumber:      u.IdentityNumber,
		Active:              u.Active,
		OnboardingCompleted: u.OnboardingCompleted,
		Role:                string(u.Role),
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
		LastLogin:           u.LastLogin,
	}
}

type registerRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	IdentityNumber string `json:"identity_number"`
	Password       string `json:"password"`
}

// sessionResponse flattens the token pair next to the profile. The pair is
// absent when the account exists but no session could be opened.
type sessionResponse struct {
	User profileResponse `json:"user"`
	*tokenResponse
	Warnings []string `json:"warnings,omitempty"`
}

func newSessionResponse(u identity.User, p Pair, warnings []string) sessionResponse {
	resp := sessionResponse{User: newProfileResponse(u), Warnings: warnings}
	if p.AccessToken != "" {
		tokens := newTokenResponse(p)
		resp.tokenResponse = &tokens
	}
	return resp
}

// noStore keeps token-bearing responses out of shared and replay caches.
func noStore(c *fiber.Ctx) {
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set("Pragma", "no-cache")
}

// Register creates an account and returns its first token pair.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	res, err := h.svc.Register(c.UserContext(), RegisterInput(req))
	if err != nil {
		return err
	}
	noStore(c)
	return c.Status(http.StatusCreated).JSON(newSessionResponse(res.User, res.Tokens, res.Warnings))
}

type loginRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// Login authenticates with email or phone plus password.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	res, err := h.svc.Login(c.UserContext(), LoginInput(req))
	if err != nil {
		return err
	}
	noStore(c)
	return c.Status(http.StatusOK).JSON(newSessionResponse(res.User, res.Tokens, nil))
}

// Logout revokes the caller's session.
func (h *Handler) Logout(c *fiber.Ctx) error {
	p, _ := middleware.Identity(c)
	h.svc.Logout(c.UserContext(), p)
	return c.SendStatus(http.StatusNoContent)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	pair, err := h.svc.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		return err
	}
	noStore(c)
	return c.Status(http.StatusOK).JSON(newTokenResponse(pair))
}

// Me returns the caller's profile.
func (h *Handler) Me(c *fiber.Ctx) error {
	p, _ := middleware.Identity(c)
	user, err := h.svc.Profile(c.UserContext(), p.UserID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(newProfileResponse(user))
}

type updateProfileRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

// UpdateMe applies a partial profile update.
func (h *Handler) UpdateMe(c *fiber.Ctx) error {
	var req updateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	p, _ := middleware.Identity(c)
	user, err := h.svc.UpdateProfile(c.UserContext(), p.UserID, ProfileInput(req))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(newProfileResponse(user))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword replaces the caller's password and signs out their other
// sessions.
func (h *Handler) ChangePassword(c *fiber.Ctx) error {
	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	p, _ := middleware.Identity(c)
	if err := h.svc.ChangePassword(c.UserContext(), p, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"message": "password updated"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword always answers with the same body.
func (h *Handler) ForgotPassword(c *fiber.Ctx) error {
	var req forgotPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	h.svc.ForgotPassword(c.UserContext(), req.Email)
	return c.Status(http.StatusOK).JSON(fiber.Map{"message": forgotPasswordMessage})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// ResetPassword redeems a reset token.
func (h *Handler) ResetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	if err := h.svc.ResetPassword(c.UserContext(), req.Token, req.NewPassword); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"message": "password has been reset"})
}

// CompleteOnboarding flags the caller as onboarded.
func (h *Handler) CompleteOnboarding(c *fiber.Ctx) error {
	p, _ := middleware.Identity(c)
	if err := h.svc.CompleteOnboarding(c.UserContext(), p.UserID); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// Deactivate disables the account named in the path.
func (h *Handler) Deactivate(c *fiber.Ctx) error {
	if err := h.svc.SetActive(c.UserContext(), c.Params("id"), false); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// Activate re-enables the account named in the path.
func (h *Handler) Activate(c *fiber.Ctx) error {
	if err := h.svc.SetActive(c.UserContext(), c.Params("id"), true); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
