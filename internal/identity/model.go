package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role is the closed set of authorization roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole converts s into a Role, rejecting anything outside the enumeration.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Allows reports whether a principal holding r may act with the required role.
func (r Role) Allows(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// User represents an end user of the assistant. Pointer fields are optional
// columns; PasswordHash stays nil until a password is set.
type User struct {
	ID                  string
	Phone               string
	Name                string
	Email               *string
	IdentityNumber      *string
	PasswordHash        *string
	Active              bool
	OnboardingCompleted bool
	Role                Role
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastLogin           *time.Time
}

// HasPassword reports whether a credential digest is stored.
func (u User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// IsPending reports whether the record is a minimal chat-created record with
// no credential yet.
func (u User) IsPending() bool {
	return !u.HasPassword() && u.Email == nil
}

// EmailValue returns the email or the empty string.
func (u User) EmailValue() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// ProfileUpdate carries the mutable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Name  *string
	Email *string
	Phone *string
}

// Empty reports whether the update changes nothing.
func (p ProfileUpdate) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Phone == nil
}

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")

	// ErrDuplicate is returned when a unique field is already taken. The
	// offending field is attached as oops context under "field".
	ErrDuplicate = errors.New("value already in use")

	// ErrInvalidField is returned by the normalisers for malformed input.
	ErrInvalidField = errors.New("invalid field")
)

var (
	phonePattern    = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	identityPattern = regexp.MustCompile(`^\d{11}$`)
	phoneNoise      = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// NormalizePhone strips formatting characters and validates the result.
func NormalizePhone(phone string) (string, error) {
	p := phoneNoise.Replace(strings.TrimSpace(phone))
	if !phonePattern.MatchString(p) {
		return "", fmt.Errorf("%w: phone", ErrInvalidField)
	}
	return p, nil
}

// NormalizeEmail lower-cases and validates an email address.
func NormalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(e) {
		return "", fmt.Errorf("%w: email", ErrInvalidField)
	}
	return e, nil
}

// NormalizeIdentityNumber validates the fixed-length numeric national id.
func NormalizeIdentityNumber(id string) (string, error) {
	n := phoneNoise.Replace(strings.TrimSpace(id))
	if !identityPattern.MatchString(n) {
		return "", fmt.Errorf("%w: identity_number", ErrInvalidField)
	}
	return n, nil
}

// NormalizeName trims and bounds a display name.
func NormalizeName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if l := len([]rune(n)); l < 2 || l > 100 {
		return "", fmt.Errorf("%w: name", ErrInvalidField)
	}
	return n, nil
}

// Principal is the authenticated caller resolved from an access token.
type Principal struct {
	UserID    string
	Role      Role
	SessionID string
}
