package middleware

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finassist/authsvc/internal/identity"
)

type stubValidator map[string]identity.Principal

func (s stubValidator) ValidateAccess(_ context.Context, token string) (identity.Principal, error) {
	p, ok := s[token]
	if !ok {
		return identity.Principal{}, fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
	}
	return p, nil
}

func newAuthApp(v TokenValidator) *fiber.App {
	app := fiber.New()
	app.Get("/me", RequireAuth(v), func(c *fiber.Ctx) error {
		p, ok := Identity(c)
		if !ok {
			return errors.New("principal missing")
		}
		return c.SendString(p.UserID + ":" + string(p.Role))
	})
	app.Get("/admin", RequireAuth(v), RequireRole(identity.RoleAdmin), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/open", func(c *fiber.Ctx) error {
		if _, ok := Identity(c); ok {
			return c.SendString("leaked")
		}
		return c.SendString("anonymous")
	})
	return app
}

func TestRequireAuth(t *testing.T) {
	app := newAuthApp(stubValidator{
		"good":  {UserID: "u1", Role: identity.RoleUser, SessionID: "s1"},
		"admin": {UserID: "a1", Role: identity.RoleAdmin, SessionID: "s2"},
	})

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"missing header", "/me", "", fiber.StatusUnauthorized},
		{"wrong scheme", "/me", "Basic abc", fiber.StatusUnauthorized},
		{"bad token", "/me", "Bearer nope", fiber.StatusUnauthorized},
		{"valid token", "/me", "Bearer good", fiber.StatusOK},
		{"lowercase scheme", "/me", "bearer good", fiber.StatusOK},
		{"user on admin route", "/admin", "Bearer good", fiber.StatusForbidden},
		{"admin on admin route", "/admin", "Bearer admin", fiber.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestIdentityDoesNotLeakAcrossRequests(t *testing.T) {
	app := newAuthApp(stubValidator{"good": {UserID: "u1", Role: identity.RoleUser}})

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer good")
	_, err := app.Test(req)
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/open", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", string(body))
}
