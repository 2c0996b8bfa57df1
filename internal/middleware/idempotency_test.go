package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finassist/authsvc/internal/logging"
)

type idempotencyApp struct {
	app   *fiber.App
	mr    *miniredis.Miniredis
	calls int
}

func newIdempotencyApp(t *testing.T) *idempotencyApp {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	a := &idempotencyApp{app: fiber.New(), mr: mr}
	a.app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	a.app.Post("/resource", func(c *fiber.Ctx) error {
		a.calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": a.calls})
	})
	a.app.Post("/session", func(c *fiber.Ctx) error {
		a.calls++
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"access_token": "secret", "call": a.calls})
	})
	a.app.Post("/broken", func(c *fiber.Ctx) error {
		a.calls++
		return fiber.NewError(fiber.StatusInternalServerError, "boom")
	})
	return a
}

func (a *idempotencyApp) post(t *testing.T, path, key, body string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := a.app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(raw)
}

func TestIdempotencyPassesThroughWithoutHeader(t *testing.T) {
	a := newIdempotencyApp(t)
	for i := 0; i < 2; i++ {
		resp, _ := a.post(t, "/resource", "", "{}")
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}
	assert.Equal(t, 2, a.calls)
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	a := newIdempotencyApp(t)

	first, body := a.post(t, "/resource", "abc123", `{"x":1}`)
	require.Equal(t, fiber.StatusCreated, first.StatusCode)
	assert.Empty(t, first.Header.Get(idempotencyReplayHeader))

	second, replayed := a.post(t, "/resource", "abc123", `{"x":1}`)
	assert.Equal(t, fiber.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(idempotencyReplayHeader))
	assert.Equal(t, fiber.MIMEApplicationJSON, second.Header.Get(fiber.HeaderContentType))
	assert.JSONEq(t, body, replayed)
	assert.Equal(t, 1, a.calls)
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	a := newIdempotencyApp(t)

	a.post(t, "/resource", "abc123", `{"x":1}`)
	resp, _ := a.post(t, "/resource", "abc123", `{"x":2}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 1, a.calls)
}

func TestIdempotencyReleasesOnServerError(t *testing.T) {
	a := newIdempotencyApp(t)

	a.post(t, "/broken", "k1", "{}")
	a.post(t, "/broken", "k1", "{}")
	assert.Equal(t, 2, a.calls)
	assert.False(t, a.mr.Exists(idempotencyPrefix+"/broken:k1"))
}

func TestIdempotencyInProgress(t *testing.T) {
	a := newIdempotencyApp(t)
	require.NoError(t, a.mr.Set(idempotencyPrefix+"/resource:busy", `{"fingerprint":"`+fingerprintOf(t, `{}`)+`"}`))

	resp, _ := a.post(t, "/resource", "busy", "{}")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Zero(t, a.calls)
}

func TestIdempotencyKeyTooLong(t *testing.T) {
	a := newIdempotencyApp(t)
	resp, _ := a.post(t, "/resource", strings.Repeat("k", maxIdempotencyKeyLen+1), "{}")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

// fingerprintOf computes the fingerprint a plain POST /resource would get.
func fingerprintOf(t *testing.T, body string) string {
	t.Helper()
	var got string
	scratch := fiber.New()
	scratch.Post("/resource", func(c *fiber.Ctx) error {
		got = requestFingerprint(c)
		return nil
	})
	req := httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader(body))
	_, err := scratch.Test(req)
	require.NoError(t, err)
	return got
}

func TestIdempotencyNeverPersistsNoStoreResponses(t *testing.T) {
	a := newIdempotencyApp(t)

	first, body := a.post(t, "/session", "login-1", `{"email":"a@x.com"}`)
	require.Equal(t, fiber.StatusOK, first.StatusCode)
	assert.Contains(t, body, `"call":1`)
	assert.False(t, a.mr.Exists(idempotencyPrefix+"/session:login-1"))

	second, body := a.post(t, "/session", "login-1", `{"email":"a@x.com"}`)
	require.Equal(t, fiber.StatusOK, second.StatusCode)
	assert.Empty(t, second.Header.Get(idempotencyReplayHeader))
	assert.Contains(t, body, `"call":2`)
	assert.Equal(t, 2, a.calls)
	assert.Empty(t, a.mr.Keys())
}
