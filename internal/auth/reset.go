package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/infra"
)

const resetTokenBytes = 32

// ErrResetNotConsumable is returned by ResetStore.Consume when the token hash
// is unknown, used or expired.
var ErrResetNotConsumable = errors.New("reset token not consumable")

// PasswordReset is a stored reset request. Only the SHA-256 of the token is
// kept.
type PasswordReset struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// ResetStore persists password reset requests.
type ResetStore interface {
	// Create stores reset and drops every unused request of the same user.
	Create(ctx context.Context, reset PasswordReset) error
	// Consume marks the request used and stores passwordHash on its user as a
	// single atomic step, returning the user id.
	Consume(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error)
	// DeleteExpired removes expired and used requests.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ResetManager issues and redeems single-use password reset tokens.
type ResetManager struct {
	store ResetStore
	ttl   time.Duration
	now   func() time.Time
}

// NewResetManager builds a manager issuing tokens valid for ttl.
func NewResetManager(store ResetStore, ttl time.Duration) *ResetManager {
	return &ResetManager{store: store, ttl: ttl, now: time.Now}
}

// Create returns a fresh raw token for userID. The raw value is never stored.
func (m *ResetManager) Create(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, resetTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	token := hex.EncodeToString(raw)

	now := m.now().UTC()
	reset := PasswordReset{
		ID:        ulid.Make().String(),
		UserID:    userID,
		TokenHash: hashResetToken(token),
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}
	if err := m.store.Create(ctx, reset); err != nil {
		return "", upstream("create reset", err)
	}
	return token, nil
}

// Consume redeems token and sets passwordHash on the bound user.
func (m *ResetManager) Consume(ctx context.Context, token, passwordHash string) (string, error) {
	if len(token) != resetTokenBytes*2 {
		return "", invalidToken("reset token malformed")
	}
	userID, err := m.store.Consume(ctx, hashResetToken(token), passwordHash, m.now().UTC())
	if errors.Is(err, ErrResetNotConsumable) {
		return "", invalidToken("reset token unusable")
	}
	if err != nil {
		return "", upstream("consume reset", err)
	}
	return userID, nil
}

// Purge deletes stale requests and reports how many were removed.
func (m *ResetManager) Purge(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.now().UTC())
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PostgresResetStore implements ResetStore on the password_resets table.
type PostgresResetStore struct {
	db infra.DB
}

// NewPostgresResetStore builds a Postgres-backed reset store.
func NewPostgresResetStore(db infra.DB) *PostgresResetStore {
	return &PostgresResetStore{db: db}
}

// Create replaces the user's unused requests inside one transaction.
func (s *PostgresResetStore) Create(ctx context.Context, reset PasswordReset) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return oops.Code("RESET_STORE_FAILED").With("operation", "begin").Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM password_resets WHERE user_id = $1 AND used_at IS NULL`, reset.UserID); err != nil {
		return oops.Code("RESET_STORE_FAILED").With("operation", "supersede").Wrap(err)
	}
	if _, err = tx.Exec(ctx, `INSERT INTO password_resets (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		reset.ID, reset.UserID, reset.TokenHash, reset.ExpiresAt, reset.CreatedAt); err != nil {
		return oops.Code("RESET_STORE_FAILED").With("operation", "insert").Wrap(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return oops.Code("RESET_STORE_FAILED").With("operation", "commit").Wrap(err)
	}
	return nil
}

// Consume claims the request with a conditional UPDATE so concurrent callers
// serialise on the row; the loser sees no row.
func (s *PostgresResetStore) Consume(ctx context.Context, tokenHash, passwordHash string, now time.Time) (userID string, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", oops.Code("RESET_STORE_FAILED").With("operation", "begin").Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	err = tx.QueryRow(ctx, `UPDATE password_resets SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING user_id`, tokenHash, now).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrResetNotConsumable
	}
	if err != nil {
		return "", oops.Code("RESET_STORE_FAILED").With("operation", "claim").Wrap(err)
	}

	cmd, err := tx.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		userID, passwordHash, now)
	if err != nil {
		return "", oops.Code("RESET_STORE_FAILED").With("operation", "update password").Wrap(err)
	}
	if cmd.RowsAffected() == 0 {
		err = ErrResetNotConsumable
		return "", err
	}
	if err = tx.Commit(ctx); err != nil {
		return "", oops.Code("RESET_STORE_FAILED").With("operation", "commit").Wrap(err)
	}
	return userID, nil
}

// DeleteExpired removes requests that can no longer be redeemed.
func (s *PostgresResetStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := s.db.Exec(ctx, `DELETE FROM password_resets WHERE expires_at <= $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, oops.Code("RESET_STORE_FAILED").With("operation", "delete expired").Wrap(err)
	}
	return cmd.RowsAffected(), nil
}

// MemoryResetStore is the in-process ResetStore. It updates passwords through
// the user repository while holding its own lock.
type MemoryResetStore struct {
	mu     sync.Mutex
	users  identity.Repository
	resets map[string]PasswordReset
}

// NewMemoryResetStore builds a reset store writing passwords to users.
func NewMemoryResetStore(users identity.Repository) *MemoryResetStore {
	return &MemoryResetStore{users: users, resets: make(map[string]PasswordReset)}
}

func (s *MemoryResetStore) Create(_ context.Context, reset PasswordReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, r := range s.resets {
		if r.UserID == reset.UserID && r.UsedAt == nil {
			delete(s.resets, hash)
		}
	}
	s.resets[reset.TokenHash] = reset
	return nil
}

func (s *MemoryResetStore) Consume(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resets[tokenHash]
	if !ok || r.UsedAt != nil || !now.Before(r.ExpiresAt) {
		return "", ErrResetNotConsumable
	}
	if err := s.users.UpdatePassword(ctx, r.UserID, passwordHash, now); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return "", ErrResetNotConsumable
		}
		return "", err
	}
	used := now
	r.UsedAt = &used
	s.resets[tokenHash] = r
	return r.UserID, nil
}

func (s *MemoryResetStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, r := range s.resets {
		if r.UsedAt != nil || !now.Before(r.ExpiresAt) {
			delete(s.resets, hash)
			n++
		}
	}
	return n, nil
}

var (
	_ ResetStore = (*PostgresResetStore)(nil)
	_ ResetStore = (*MemoryResetStore)(nil)
)
