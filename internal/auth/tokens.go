package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/finassist/authsvc/internal/identity"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
	reasonReuse = "refresh token reuse"

	// TokenType is the OAuth-style token_type returned with every pair.
	TokenType = "bearer"

	// DefaultReuseGrace is how long after a rotation a second presentation of
	// the same refresh token is treated as a lost race rather than theft.
	DefaultReuseGrace = 5 * time.Second
)

// AccessClaims is the claim set of an access token.
type AccessClaims struct {
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims is the claim set of a refresh token. RegisteredClaims.ID is
// the token identifier and doubles as the session id.
type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
	SessionID string
}

// RoleResolver loads the current role of a subject during rotation. It fails
// when the subject may no longer hold tokens.
type RoleResolver func(ctx context.Context, userID string) (identity.Role, error)

// TokenIssuer signs and validates HS256 tokens. The key material is fixed at
// construction.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	tracker    RefreshTracker
	reuseGrace time.Duration
	now        func() time.Time
}

// IssuerOption customises a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *TokenIssuer) { i.now = now }
}

// WithReuseGrace overrides DefaultReuseGrace.
func WithReuseGrace(d time.Duration) IssuerOption {
	return func(i *TokenIssuer) { i.reuseGrace = d }
}

// NewTokenIssuer builds an issuer. A nil tracker disables refresh tracking.
func NewTokenIssuer(secret []byte, accessTTL, refreshTTL time.Duration, tracker RefreshTracker, opts ...IssuerOption) *TokenIssuer {
	if tracker == nil {
		tracker = NoopRefreshTracker{}
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	i := &TokenIssuer{
		secret:     key,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		tracker:    tracker,
		reuseGrace: DefaultReuseGrace,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Tracker exposes the refresh tracker in use.
func (i *TokenIssuer) Tracker() RefreshTracker {
	return i.tracker
}

// Issue creates a new session for the user and returns its token pair.
func (i *TokenIssuer) Issue(ctx context.Context, userID string, role identity.Role) (Pair, error) {
	now := i.now()
	sid := ulid.Make().String()

	access, err := i.sign(AccessClaims{
		Role:      string(role),
		SessionID: sid,
		Type:      typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	})
	if err != nil {
		return Pair{}, err
	}

	refreshExp := now.Add(i.refreshTTL)
	refresh, err := i.sign(RefreshClaims{
		Type: typeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sid,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	})
	if err != nil {
		return Pair{}, err
	}

	if err := i.tracker.Track(ctx, userID, sid, refreshExp); err != nil {
		return Pair{}, upstream("track refresh token", err)
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessTTL / time.Second),
		SessionID:    sid,
	}, nil
}

// ValidateAccess verifies an access token and resolves its principal. Every
// failure is ErrInvalidToken except tracker outages.
func (i *TokenIssuer) ValidateAccess(ctx context.Context, token string) (identity.Principal, error) {
	var claims AccessClaims
	if err := i.parse(token, &claims); err != nil {
		return identity.Principal{}, err
	}
	if claims.Type != typeAccess || claims.Subject == "" || claims.SessionID == "" {
		return identity.Principal{}, invalidToken("not an access token")
	}
	role, err := identity.ParseRole(claims.Role)
	if err != nil {
		return identity.Principal{}, invalidToken("unknown role")
	}
	active, err := i.tracker.Active(ctx, claims.Subject, claims.SessionID)
	if err != nil {
		return identity.Principal{}, upstream("check session", err)
	}
	if !active {
		return identity.Principal{}, invalidToken("session revoked")
	}
	return identity.Principal{UserID: claims.Subject, Role: role, SessionID: claims.SessionID}, nil
}

// RotateRefresh exchanges a refresh token for a new pair. The presented token
// is consumed atomically so only one concurrent caller wins. Presenting a
// token that was rotated longer than the reuse grace ago revokes every
// session of the subject.
func (i *TokenIssuer) RotateRefresh(ctx context.Context, token string, resolve RoleResolver) (Pair, error) {
	var claims RefreshClaims
	if err := i.parse(token, &claims); err != nil {
		return Pair{}, err
	}
	if claims.Type != typeRefresh || claims.Subject == "" || claims.ID == "" {
		return Pair{}, invalidToken("not a refresh token")
	}

	consumed, err := i.tracker.Consume(ctx, claims.Subject, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return Pair{}, upstream("consume refresh token", err)
	}
	switch consumed.State {
	case SessionLive:
	case SessionRotated:
		if i.now().Sub(consumed.RotatedAt) < i.reuseGrace {
			return Pair{}, invalidToken("concurrent rotation")
		}
		if err := i.tracker.RevokeAll(ctx, claims.Subject); err != nil {
			return Pair{}, upstream("revoke token family", err)
		}
		return Pair{}, oops.Code("TOKEN_INVALID").
			With("reason", reasonReuse).
			With("user_id", claims.Subject).
			Wrap(ErrInvalidToken)
	default:
		return Pair{}, invalidToken("session not live")
	}

	role, err := resolve(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return Pair{}, err
		}
		return Pair{}, invalidToken("subject unavailable")
	}
	return i.Issue(ctx, claims.Subject, role)
}

// Revoke ends the session sid of userID.
func (i *TokenIssuer) Revoke(ctx context.Context, userID, sid string) error {
	if err := i.tracker.Revoke(ctx, userID, sid); err != nil {
		return upstream("revoke refresh token", err)
	}
	return nil
}

// RevokeAll ends every session of userID.
func (i *TokenIssuer) RevokeAll(ctx context.Context, userID string) error {
	if err := i.tracker.RevokeAll(ctx, userID); err != nil {
		return upstream("revoke refresh tokens", err)
	}
	return nil
}

// RevokeOthers ends every session of userID except keepSID.
func (i *TokenIssuer) RevokeOthers(ctx context.Context, userID, keepSID string) error {
	if err := i.tracker.RevokeOthers(ctx, userID, keepSID); err != nil {
		return upstream("revoke other refresh tokens", err)
	}
	return nil
}

func (i *TokenIssuer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", oops.Code("TOKEN_SIGN_FAILED").Wrap(err)
	}
	return signed, nil
}

func (i *TokenIssuer) parse(token string, claims jwt.Claims) error {
	if token == "" {
		return invalidToken("empty")
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return invalidToken(reason(err))
	}
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "rejected"
	}
}
