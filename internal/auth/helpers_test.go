package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func fastHasher() *Argon2Hasher {
	return NewArgon2HasherWithParams(Argon2Params{Time: 1, Memory: 64, Threads: 1, SaltLen: 16, KeyLen: 32})
}

type sentReset struct {
	to    string
	token string
}

type recordingNotifier struct {
	mu          sync.Mutex
	welcomes    []string
	resets      []sentReset
	failWelcome bool
}

func (n *recordingNotifier) Welcome(_ context.Context, to, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWelcome {
		return errors.New("smtp down")
	}
	n.welcomes = append(n.welcomes, to)
	return nil
}

func (n *recordingNotifier) PasswordReset(_ context.Context, to, _, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, sentReset{to: to, token: token})
	return nil
}

func (n *recordingNotifier) lastReset(t *testing.T) sentReset {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.resets, "no reset email sent")
	return n.resets[len(n.resets)-1]
}

func (n *recordingNotifier) resetCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.resets)
}

type testEnv struct {
	svc      *Service
	users    identity.Repository
	tokens   *TokenIssuer
	tracker  RefreshTracker
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithTracker(t, NewMemoryRefreshTracker())
}

func newTestEnvWithTracker(t *testing.T, tracker RefreshTracker) *testEnv {
	t.Helper()
	users := identity.NewMemoryRepository()
	tokens := NewTokenIssuer([]byte(testSecret), 15*time.Minute, 24*time.Hour, tracker)
	notifier := &recordingNotifier{}

	svc, err := NewService(Dependencies{
		Users:    users,
		Hasher:   fastHasher(),
		Tokens:   tokens,
		Resets:   NewResetManager(NewMemoryResetStore(users), time.Hour),
		Notifier: notifier,
		Logger:   logging.Discard(),
	}, time.Second)
	require.NoError(t, err)
	t.Cleanup(svc.Wait)

	return &testEnv{svc: svc, users: users, tokens: tokens, tracker: tracker, notifier: notifier}
}

func validRegistration() RegisterInput {
	return RegisterInput{
		Name:           "Ana Souza",
		Email:          "a@x.com",
		Phone:          "+5511987654321",
		IdentityNumber: "12345678901",
		Password:       "Abcdef1!",
	}
}
