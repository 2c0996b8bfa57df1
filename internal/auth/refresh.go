package auth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConsumeState is the outcome of presenting a refresh session for rotation.
type ConsumeState int

const (
	// SessionUnknown covers sessions never tracked, revoked or expired.
	SessionUnknown ConsumeState = iota
	// SessionLive means the caller won the rotation.
	SessionLive
	// SessionRotated means an earlier rotation already consumed the session.
	SessionRotated
)

// Consumption reports a ConsumeState and, for SessionRotated, when the
// earlier rotation happened.
type Consumption struct {
	State     ConsumeState
	RotatedAt time.Time
}

// RefreshTracker keeps the allow-list of live refresh sessions. A session id
// equals the jti of its refresh token.
type RefreshTracker interface {
	// Track registers a new session valid until exp.
	Track(ctx context.Context, userID, sid string, exp time.Time) error
	// Consume removes a live session and remembers it as rotated until exp.
	// At most one concurrent caller observes SessionLive for a given sid.
	Consume(ctx context.Context, userID, sid string, exp time.Time) (Consumption, error)
	// Active reports whether the session is still live.
	Active(ctx context.Context, userID, sid string) (bool, error)
	Revoke(ctx context.Context, userID, sid string) error
	RevokeAll(ctx context.Context, userID string) error
	// RevokeOthers ends every session of the user except keepSID.
	RevokeOthers(ctx context.Context, userID, keepSID string) error
}

// NoopRefreshTracker is used when tracking is disabled: every signed, unexpired
// refresh token is accepted and logout only asks the client to forget it.
type NoopRefreshTracker struct{}

func (NoopRefreshTracker) Track(context.Context, string, string, time.Time) error { return nil }
func (NoopRefreshTracker) Active(context.Context, string, string) (bool, error)    { return true, nil }
func (NoopRefreshTracker) Revoke(context.Context, string, string) error            { return nil }
func (NoopRefreshTracker) RevokeAll(context.Context, string) error                 { return nil }
func (NoopRefreshTracker) RevokeOthers(context.Context, string, string) error      { return nil }

func (NoopRefreshTracker) Consume(context.Context, string, string, time.Time) (Consumption, error) {
	return Consumption{State: SessionLive}, nil
}

const (
	refreshKeyPrefix     = "refresh:"
	refreshUserKeyPrefix = "refresh:user:"
	rotatedKeyPrefix     = "refresh:rotated:"
)

// RedisRefreshTracker stores one key per session plus a per-user set used for
// revoking a whole token family.
type RedisRefreshTracker struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRefreshTracker wraps a Redis client.
func NewRedisRefreshTracker(client *redis.Client) *RedisRefreshTracker {
	return &RedisRefreshTracker{client: client, now: time.Now}
}

func sessionKey(sid string) string     { return refreshKeyPrefix + sid }
func rotatedKey(sid string) string     { return rotatedKeyPrefix + sid }
func userSessionsKey(id string) string { return refreshUserKeyPrefix + id }

// Track stores the session with a TTL matching the refresh token expiry.
func (t *RedisRefreshTracker) Track(ctx context.Context, userID, sid string, exp time.Time) error {
	ttl := exp.Sub(t.now())
	if ttl <= 0 {
		return nil
	}
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sid), userID, ttl)
	pipe.SAdd(ctx, userSessionsKey(userID), sid)
	pipe.Expire(ctx, userSessionsKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Consume relies on GETDEL so concurrent rotations of one token race on a
// single atomic command.
func (t *RedisRefreshTracker) Consume(ctx context.Context, userID, sid string, exp time.Time) (Consumption, error) {
	owner, err := t.client.GetDel(ctx, sessionKey(sid)).Result()
	if errors.Is(err, redis.Nil) {
		return t.rotated(ctx, sid)
	}
	if err != nil {
		return Consumption{}, err
	}

	now := t.now()
	pipe := t.client.TxPipeline()
	pipe.SRem(ctx, userSessionsKey(userID), sid)
	if ttl := exp.Sub(now); ttl > 0 {
		pipe.Set(ctx, rotatedKey(sid), strconv.FormatInt(now.UnixNano(), 10), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Consumption{}, err
	}
	if owner != userID {
		return Consumption{State: SessionUnknown}, nil
	}
	return Consumption{State: SessionLive}, nil
}

func (t *RedisRefreshTracker) rotated(ctx context.Context, sid string) (Consumption, error) {
	v, err := t.client.Get(ctx, rotatedKey(sid)).Result()
	if errors.Is(err, redis.Nil) {
		return Consumption{State: SessionUnknown}, nil
	}
	if err != nil {
		return Consumption{}, err
	}
	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Consumption{State: SessionUnknown}, nil
	}
	return Consumption{State: SessionRotated, RotatedAt: time.Unix(0, nanos)}, nil
}

// Active checks the session key and its owner.
func (t *RedisRefreshTracker) Active(ctx context.Context, userID, sid string) (bool, error) {
	owner, err := t.client.Get(ctx, sessionKey(sid)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == userID, nil
}

// Revoke deletes a single session.
func (t *RedisRefreshTracker) Revoke(ctx context.Context, userID, sid string) error {
	pipe := t.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sid))
	pipe.SRem(ctx, userSessionsKey(userID), sid)
	_, err := pipe.Exec(ctx)
	return err
}

// RevokeAll deletes every session recorded for the user.
func (t *RedisRefreshTracker) RevokeAll(ctx context.Context, userID string) error {
	sids, err := t.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keys := make([]string, 0, len(sids)+1)
	for _, sid := range sids {
		keys = append(keys, sessionKey(sid))
	}
	keys = append(keys, userSessionsKey(userID))
	return t.client.Del(ctx, keys...).Err()
}

// RevokeOthers deletes every recorded session of the user but keepSID.
func (t *RedisRefreshTracker) RevokeOthers(ctx context.Context, userID, keepSID string) error {
	sids, err := t.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := t.client.TxPipeline()
	revoked := 0
	for _, sid := range sids {
		if sid == keepSID {
			continue
		}
		pipe.Del(ctx, sessionKey(sid))
		pipe.SRem(ctx, userSessionsKey(userID), sid)
		revoked++
	}
	if revoked == 0 {
		return nil
	}
	_, err = pipe.Exec(ctx)
	return err
}

type memorySession struct {
	userID    string
	exp       time.Time
	rotatedAt time.Time
}

// MemoryRefreshTracker is the single-process RefreshTracker used when no
// Redis is configured.
type MemoryRefreshTracker struct {
	mu       sync.Mutex
	sessions map[string]memorySession
	rotated  map[string]memorySession
	now      func() time.Time
}

// NewMemoryRefreshTracker builds an empty tracker.
func NewMemoryRefreshTracker() *MemoryRefreshTracker {
	return &MemoryRefreshTracker{
		sessions: make(map[string]memorySession),
		rotated:  make(map[string]memorySession),
		now:      time.Now,
	}
}

func (t *MemoryRefreshTracker) Track(_ context.Context, userID, sid string, exp time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	t.sessions[sid] = memorySession{userID: userID, exp: exp}
	return nil
}

func (t *MemoryRefreshTracker) Consume(_ context.Context, userID, sid string, exp time.Time) (Consumption, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s, ok := t.sessions[sid]
	if !ok {
		if r, ok := t.rotated[sid]; ok {
			return Consumption{State: SessionRotated, RotatedAt: r.rotatedAt}, nil
		}
		return Consumption{State: SessionUnknown}, nil
	}
	delete(t.sessions, sid)
	t.rotated[sid] = memorySession{userID: s.userID, exp: exp, rotatedAt: now}
	if s.userID != userID || !now.Before(s.exp) {
		return Consumption{State: SessionUnknown}, nil
	}
	return Consumption{State: SessionLive}, nil
}

func (t *MemoryRefreshTracker) Active(_ context.Context, userID, sid string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	return ok && s.userID == userID && t.now().Before(s.exp), nil
}

func (t *MemoryRefreshTracker) Revoke(_ context.Context, _, sid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sid)
	return nil
}

func (t *MemoryRefreshTracker) RevokeAll(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid, s := range t.sessions {
		if s.userID == userID {
			delete(t.sessions, sid)
		}
	}
	return nil
}

func (t *MemoryRefreshTracker) RevokeOthers(_ context.Context, userID, keepSID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid, s := range t.sessions {
		if s.userID == userID && sid != keepSID {
			delete(t.sessions, sid)
		}
	}
	return nil
}

// sweep drops expired entries; callers hold mu.
func (t *MemoryRefreshTracker) sweep() {
	now := t.now()
	for _, m := range []map[string]memorySession{t.sessions, t.rotated} {
		for sid, s := range m {
			if !now.Before(s.exp) {
				delete(m, sid)
			}
		}
	}
}

var (
	_ RefreshTracker = NoopRefreshTracker{}
	_ RefreshTracker = (*RedisRefreshTracker)(nil)
	_ RefreshTracker = (*MemoryRefreshTracker)(nil)
)
