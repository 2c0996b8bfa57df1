package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnsureChatUserCreatesMinimalRecord(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "https://app.example")

	ctx := context.Background()
	user, created, err := svc.EnsureChatUser(ctx, "+55 (11) 98765-4321", "Ana")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatalf("expected record to be created")
	}
	if user.Phone != "+5511987654321" {
		t.Fatalf("expected normalized phone, got %s", user.Phone)
	}
	if user.HasPassword() || user.Email != nil || !user.Active || user.Role != RoleUser {
		t.Fatalf("expected minimal active record, got %+v", user)
	}

	again, created, err := svc.EnsureChatUser(ctx, "+5511987654321", "")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if created || again.ID != user.ID {
		t.Fatalf("expected existing record %s, got %s (created=%v)", user.ID, again.ID, created)
	}
}

func TestEnsureChatUserConcurrentFirstMessages(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "https://app.example")
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		creates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user, created, err := svc.EnsureChatUser(ctx, "5511900000000", "")
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[user.ID] = true
			if created {
				creates++
			}
		}()
	}
	wg.Wait()

	if len(ids) != 1 || creates != 1 {
		t.Fatalf("expected exactly one record, got ids=%d creates=%d", len(ids), creates)
	}
}

func TestEnsureChatUserRejectsBadPhone(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "https://app.example")
	if _, _, err := svc.EnsureChatUser(context.Background(), "not-a-phone", ""); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestNeedsOnboarding(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "https://app.example")
	ctx := context.Background()

	needs, err := svc.NeedsOnboarding(ctx, "5511911111111")
	if err != nil || !needs {
		t.Fatalf("unknown phone should need onboarding: needs=%v err=%v", needs, err)
	}

	user, _, err := svc.EnsureChatUser(ctx, "5511911111111", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := repo.CompleteOnboarding(ctx, user.ID, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	hash := "salt:hash"
	if err := repo.UpdatePassword(ctx, user.ID, hash, time.Now()); err != nil {
		t.Fatalf("password: %v", err)
	}
	needs, err = svc.NeedsOnboarding(ctx, "5511911111111")
	if err != nil || needs {
		t.Fatalf("onboarded user should not need onboarding: needs=%v err=%v", needs, err)
	}
}

func TestOnboardingURL(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "https://app.example")
	got := svc.OnboardingURL("+5511987654321")
	want := "https://app.example/onboarding?phone=%2B5511987654321"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
