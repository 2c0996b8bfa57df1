package identity

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Service manages records created outside the web registration flow, namely
// the minimal record a chat user gets on first contact.
type Service struct {
	repo    Repository
	baseURL string
	now     func() time.Time
}

// NewService creates a new identity service. baseURL is the public web origin
// onboarding links point at.
func NewService(repo Repository, baseURL string) *Service {
	return &Service{repo: repo, baseURL: baseURL, now: time.Now}
}

// EnsureChatUser returns the user owning phone, creating a minimal record
// (no credential, no email) when the phone is unknown. created reports
// whether this call inserted the record.
func (s *Service) EnsureChatUser(ctx context.Context, phone, name string) (user User, created bool, err error) {
	phone, err = NormalizePhone(phone)
	if err != nil {
		return User{}, false, err
	}

	user, err = s.repo.FindByPhone(ctx, phone)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, false, err
	}

	now := s.now().UTC()
	user = User{
		ID:        uuid.NewString(),
		Phone:     phone,
		Name:      name,
		Active:    true,
		Role:      RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// lost the race against a concurrent first message
			existing, findErr := s.repo.FindByPhone(ctx, phone)
			if findErr != nil {
				return User{}, false, findErr
			}
			return existing, false, nil
		}
		return User{}, false, oops.Code("CHAT_USER_CREATE_FAILED").With("operation", "create").Wrap(err)
	}
	return user, true, nil
}

// NeedsOnboarding reports whether the owner of phone still has to complete
// web onboarding.
func (s *Service) NeedsOnboarding(ctx context.Context, phone string) (bool, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return false, err
	}
	user, err := s.repo.FindByPhone(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsPending() || !user.OnboardingCompleted, nil
}

// OnboardingURL is the stable link a chat user is redirected to.
func (s *Service) OnboardingURL(phone string) string {
	q := url.Values{"phone": []string{phone}}
	return s.baseURL + "/onboarding?" + q.Encode()
}
