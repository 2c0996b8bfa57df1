package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryRepository builds an in-memory user store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[user.ID]; exists {
		return duplicate("id")
	}
	if field := r.conflict(user, ""); field != "" {
		return duplicate(field)
	}
	r.users[user.ID] = clone(user)
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, notFound()
	}
	return clone(user), nil
}

func (r *memoryRepository) FindByEmail(_ context.Context, email string) (User, error) {
	return r.find(func(u User) bool { return u.Email != nil && strings.EqualFold(*u.Email, email) })
}

func (r *memoryRepository) FindByPhone(_ context.Context, phone string) (User, error) {
	return r.find(func(u User) bool { return u.Phone == phone })
}

func (r *memoryRepository) UpdateProfile(_ context.Context, id string, upd ProfileUpdate, now time.Time) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, notFound()
	}
	next := user
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.Email != nil {
		email := *upd.Email
		next.Email = &email
	}
	if upd.Phone != nil {
		next.Phone = *upd.Phone
	}
	if field := r.conflict(next, id); field != "" {
		return User{}, duplicate(field)
	}
	next.UpdatedAt = now
	r.users[id] = clone(next)
	return clone(next), nil
}

func (r *memoryRepository) UpdatePassword(_ context.Context, id, passwordHash string, now time.Time) error {
	return r.mutate(id, func(u *User) {
		u.PasswordHash = &passwordHash
		u.UpdatedAt = now
	})
}

func (r *memoryRepository) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(u *User) {
		if u.LastLogin == nil || at.After(*u.LastLogin) {
			u.LastLogin = &at
		}
	})
}

func (r *memoryRepository) CompleteOnboarding(_ context.Context, id string, now time.Time) error {
	return r.mutate(id, func(u *User) {
		u.OnboardingCompleted = true
		u.UpdatedAt = now
	})
}

func (r *memoryRepository) SetActive(_ context.Context, id string, active bool, now time.Time) error {
	return r.mutate(id, func(u *User) {
		u.Active = active
		u.UpdatedAt = now
	})
}

func (r *memoryRepository) mutate(id string, fn func(*User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return notFound()
	}
	fn(&user)
	r.users[id] = clone(user)
	return nil
}

func (r *memoryRepository) find(match func(User) bool) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, user := range r.users {
		if match(user) {
			return clone(user), nil
		}
	}
	return User{}, notFound()
}

// conflict returns the first unique field of u already held by another user.
func (r *memoryRepository) conflict(u User, self string) string {
	for id, other := range r.users {
		if id == self {
			continue
		}
		switch {
		case other.Phone == u.Phone:
			return "phone"
		case u.Email != nil && other.Email != nil && strings.EqualFold(*other.Email, *u.Email):
			return "email"
		case u.IdentityNumber != nil && other.IdentityNumber != nil && *other.IdentityNumber == *u.IdentityNumber:
			return "identity_number"
		}
	}
	return ""
}

func clone(u User) User {
	u.Email = copyString(u.Email)
	u.IdentityNumber = copyString(u.IdentityNumber)
	u.PasswordHash = copyString(u.PasswordHash)
	if u.LastLogin != nil {
		t := *u.LastLogin
		u.LastLogin = &t
	}
	return u
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func duplicate(field string) error {
	return oops.Code("USER_DUPLICATE").With("field", field).Wrap(ErrDuplicate)
}

func notFound() error {
	return oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
}
