//go:build integration

package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/infra"
	"github.com/finassist/authsvc/internal/logging"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("authsvc"),
		postgres.WithUsername("authsvc"),
		postgres.WithPassword("authsvc"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := infra.NewMigrator(url)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())
	return url
}

func newPostgresEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	pool, err := infra.NewPostgresPool(ctx, startPostgres(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	users := identity.NewPostgresRepository(pool)
	tracker := NewMemoryRefreshTracker()
	tokens := NewTokenIssuer([]byte(testSecret), 15*time.Minute, 24*time.Hour, tracker)
	notifier := &recordingNotifier{}
	svc, err := NewService(Dependencies{
		Users:    users,
		Hasher:   fastHasher(),
		Tokens:   tokens,
		Resets:   NewResetManager(NewPostgresResetStore(pool), time.Hour),
		Notifier: notifier,
		Logger:   logging.Discard(),
	}, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(svc.Wait)
	return &testEnv{svc: svc, users: users, tokens: tokens, tracker: tracker, notifier: notifier}
}

func TestPostgresPasswordLifecycle(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	upper := validRegistration()
	upper.Email = "A@X.COM"
	upper.Phone = "+5511900000000"
	upper.IdentityNumber = "98765432100"
	_, err = env.svc.Register(ctx, upper)
	assert.Equal(t, KindDuplicateField, KindOf(err))
	assert.Equal(t, "email", identity.DuplicateField(err))

	env.svc.ForgotPassword(ctx, "a@x.com")
	env.svc.Wait()
	token := env.notifier.lastReset(t).token

	const workers = 5
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.svc.ResetPassword(ctx, token, "Ghijkl2@"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)

	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Ghijkl2@"})
	require.NoError(t, err)

	n, err := env.svc.PurgeResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgresConcurrentRegistration(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		success   int
		duplicate int
	)
	for i := 0; i < workers; i++ {
		in := validRegistration()
		in.Phone = fmt.Sprintf("+55119000000%02d", i)
		in.IdentityNumber = ""
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Register(ctx, in)
			mu.Lock()
			defer mu.Unlock()
			switch KindOf(err) {
			case "":
				success++
			case KindDuplicateField:
				duplicate++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
	assert.Equal(t, workers-1, duplicate)
}

func TestPostgresRegisterRejectsChatPhone(t *testing.T) {
	env := newPostgresEnv(t)
	ctx := context.Background()
	chat := identity.NewService(env.users, "https://app.example")

	pending, created, err := chat.EnsureChatUser(ctx, "+5511987654321", "Ana")
	require.NoError(t, err)
	require.True(t, created)

	_, err = env.svc.Register(ctx, validRegistration())
	assert.Equal(t, KindDuplicateField, KindOf(err))
	assert.Equal(t, "phone", identity.DuplicateField(err))

	stored, err := env.users.FindByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPending())
}
