package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finassist/authsvc/internal/identity"
)

func newResetFixture(t *testing.T) (*ResetManager, identity.Repository, string) {
	t.Helper()
	users := identity.NewMemoryRepository()
	email := "a@x.com"
	require.NoError(t, users.Create(context.Background(), identity.User{
		ID:     "u1",
		Phone:  "+5511987654321",
		Name:   "Ana",
		Email:  &email,
		Active: true,
		Role:   identity.RoleUser,
	}))
	return NewResetManager(NewMemoryResetStore(users), time.Hour), users, "u1"
}

func TestResetTokenConsumedOnce(t *testing.T) {
	m, users, userID := newResetFixture(t)
	ctx := context.Background()

	token, err := m.Create(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, token, 64)

	got, err := m.Consume(ctx, token, "digest-1")
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	user, err := users.FindByID(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, user.PasswordHash)
	assert.Equal(t, "digest-1", *user.PasswordHash)

	_, err = m.Consume(ctx, token, "digest-2")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestResetTokenExpires(t *testing.T) {
	m, _, userID := newResetFixture(t)
	ctx := context.Background()
	now := time.Now()
	m.now = func() time.Time { return now }

	token, err := m.Create(ctx, userID)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = m.Consume(ctx, token, "digest")
	require.ErrorIs(t, err, ErrInvalidToken)

	n, err := m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResetTokenSupersededByNewer(t *testing.T) {
	m, _, userID := newResetFixture(t)
	ctx := context.Background()

	first, err := m.Create(ctx, userID)
	require.NoError(t, err)
	second, err := m.Create(ctx, userID)
	require.NoError(t, err)

	_, err = m.Consume(ctx, first, "digest")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = m.Consume(ctx, second, "digest")
	require.NoError(t, err)
}

func TestResetTokenMalformed(t *testing.T) {
	m, _, _ := newResetFixture(t)
	for _, token := range []string{"", "abc", "zz" + string(make([]byte, 62))} {
		_, err := m.Consume(context.Background(), token, "digest")
		require.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestResetTokenConcurrentConsume(t *testing.T) {
	m, _, userID := newResetFixture(t)
	ctx := context.Background()
	token, err := m.Create(ctx, userID)
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Consume(ctx, token, "digest"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func newMockResetStore(t *testing.T) (*PostgresResetStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresResetStore(mock), mock
}

func TestPostgresResetCreateSupersedes(t *testing.T) {
	store, mock := newMockResetStore(t)
	now := time.Now().UTC()
	reset := PasswordReset{ID: "r1", UserID: "u1", TokenHash: "h", ExpiresAt: now.Add(time.Hour), CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM password_resets").WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO password_resets").
		WithArgs("r1", "u1", "h", reset.ExpiresAt, reset.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Create(context.Background(), reset))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResetConsume(t *testing.T) {
	store, mock := newMockResetStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE password_resets SET used_at").WithArgs("h", now).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec("UPDATE users SET password_hash").WithArgs("u1", "digest", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	userID, err := store.Consume(context.Background(), "h", "digest", now)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResetConsumeUnknown(t *testing.T) {
	store, mock := newMockResetStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE password_resets SET used_at").WithArgs("h", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Consume(context.Background(), "h", "digest", now)
	require.ErrorIs(t, err, ErrResetNotConsumable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResetDeleteExpired(t *testing.T) {
	store, mock := newMockResetStore(t)
	now := time.Now().UTC()
	mock.ExpectExec("DELETE FROM password_resets WHERE expires_at").WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := store.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
