package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader    = "Idempotency-Key"
	idempotencyReplayHeader = "Idempotent-Replayed"
	idempotencyPrefix       = "idempotency:v2:"
	maxIdempotencyKeyLen    = 128
	idempotencyCacheTimeout = 2 * time.Second
)

// idempotencyRecord is what the cache holds for a key. A record without a
// status is a reservation for a request still being served.
type idempotencyRecord struct {
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

type idempotencyStore struct {
	cache *redis.Client
	ttl   time.Duration
}

func (s idempotencyStore) load(ctx context.Context, key string) (idempotencyRecord, bool, error) {
	raw, err := s.cache.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return idempotencyRecord{}, false, nil
	}
	if err != nil {
		return idempotencyRecord{}, false, err
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return idempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// reserve claims key for the current request; false means another request
// got there first.
func (s idempotencyStore) reserve(ctx context.Context, key, fingerprint string) (bool, error) {
	payload, err := json.Marshal(idempotencyRecord{Fingerprint: fingerprint})
	if err != nil {
		return false, err
	}
	return s.cache.SetNX(ctx, key, payload, s.ttl).Result()
}

func (s idempotencyStore) save(ctx context.Context, key string, rec idempotencyRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, payload, s.ttl).Err()
}

func (s idempotencyStore) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyCacheTimeout)
	defer cancel()
	s.cache.Del(ctx, key)
}

// Idempotency replays the stored response of an unsafe request that repeats
// an Idempotency-Key already seen on the same path. A key is bound to the
// request body it was first used with. Requests without the header, and
// every request when cache is nil, pass straight through. Responses marked
// Cache-Control: no-store are never persisted.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	store := idempotencyStore{cache: cache, ttl: ttl}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return c.Next()
		}
		if len(key) > maxIdempotencyKeyLen {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key too long")
		}

		cacheKey := idempotencyPrefix + c.Path() + ":" + key
		fingerprint := requestFingerprint(c)

		ctx, cancel := context.WithTimeout(c.UserContext(), idempotencyCacheTimeout)
		defer cancel()

		reserved, err := store.reserve(ctx, cacheKey, fingerprint)
		if err != nil {
			logger.Error("idempotency reservation failed", slog.String("path", c.Path()), slog.Any("error", err))
			return fiber.NewError(fiber.StatusServiceUnavailable, "idempotency store unavailable")
		}
		if !reserved {
			return replay(ctx, c, store, cacheKey, fingerprint, logger)
		}

		if err := c.Next(); err != nil {
			store.release(cacheKey)
			return err
		}
		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError || noStore(c) {
			store.release(cacheKey)
			return nil
		}

		rec := idempotencyRecord{
			Fingerprint: fingerprint,
			Status:      status,
			ContentType: string(c.Response().Header.ContentType()),
			Body:        append([]byte(nil), c.Response().Body()...),
		}
		saveCtx, saveCancel := context.WithTimeout(context.Background(), idempotencyCacheTimeout)
		defer saveCancel()
		if err := store.save(saveCtx, cacheKey, rec); err != nil {
			// the client already has its answer; a retry will simply run again
			logger.Warn("idempotent response not persisted", slog.String("path", c.Path()), slog.Any("error", err))
			store.release(cacheKey)
		}
		return nil
	}
}

func replay(ctx context.Context, c *fiber.Ctx, store idempotencyStore, cacheKey, fingerprint string, logger *slog.Logger) error {
	rec, ok, err := store.load(ctx, cacheKey)
	if err != nil {
		logger.Warn("idempotency lookup failed", slog.String("path", c.Path()), slog.Any("error", err))
		return fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	if !ok {
		// reservation expired or released between SETNX and GET
		return fiber.NewError(fiber.StatusConflict, "duplicate request, retry")
	}
	if rec.Fingerprint != fingerprint {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
	}
	if rec.Status == 0 {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	if rec.ContentType != "" {
		c.Set(fiber.HeaderContentType, rec.ContentType)
	}
	c.Set(idempotencyReplayHeader, "true")
	return c.Status(rec.Status).Send(rec.Body)
}

func noStore(c *fiber.Ctx) bool {
	return strings.Contains(strings.ToLower(string(c.Response().Header.Peek(fiber.HeaderCacheControl))), "no-store")
}

// requestFingerprint identifies a request by method, path, caller and body.
func requestFingerprint(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{0})
	h.Write([]byte(c.Path()))
	h.Write([]byte{0})
	h.Write([]byte(c.Get(fiber.HeaderAuthorization)))
	h.Write([]byte{0})
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}
