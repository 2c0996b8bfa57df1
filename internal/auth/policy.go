package auth

import (
	"strings"
	"unicode"

	"github.com/samber/oops"
)

const minPasswordLength = 8

// CheckPasswordStrength enforces the password policy shared by registration,
// password change and reset.
func CheckPasswordStrength(password string) error {
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	var violations []string
	if len([]rune(password)) < minPasswordLength {
		violations = append(violations, "at least 8 characters")
	}
	if !upper {
		violations = append(violations, "an uppercase letter")
	}
	if !lower {
		violations = append(violations, "a lowercase letter")
	}
	if !digit {
		violations = append(violations, "a digit")
	}
	if !special {
		violations = append(violations, "a special character")
	}
	if len(violations) == 0 {
		return nil
	}
	return oops.Code("WEAK_PASSWORD").
		With("violations", violations).
		Wrapf(ErrWeakPassword, "password must contain %s", strings.Join(violations, ", "))
}
