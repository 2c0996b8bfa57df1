package auth

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/finassist/authsvc/internal/identity"
)

// Kind is the machine-readable error category exposed to clients.
type Kind string

const (
	KindDuplicateField      Kind = "DuplicateField"
	KindWeakPassword        Kind = "WeakPassword"
	KindInvalidCredentials  Kind = "InvalidCredentials"
	KindInvalid             Kind = "Invalid"
	KindNotFound            Kind = "NotFound"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindValidation          Kind = "Validation"
	KindInternal            Kind = "Internal"
)

var (
	// ErrWeakPassword is returned when a password fails the strength policy.
	// The failed rules are attached as oops context under "violations".
	ErrWeakPassword = errors.New("password does not meet the strength policy")

	// ErrInvalidCredentials covers unknown accounts and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers every access, refresh and reset token failure.
	// The concrete reason is kept as oops context and never leaves the process.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrUpstreamUnavailable marks store or cache failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, identity.ErrDuplicate):
		return KindDuplicateField
	case errors.Is(err, ErrWeakPassword):
		return KindWeakPassword
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrInvalidToken):
		return KindInvalid
	case errors.Is(err, identity.ErrInvalidField):
		return KindValidation
	case errors.Is(err, identity.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamUnavailable
	default:
		return KindInternal
	}
}

// Violations returns the failed password rules carried by a WeakPassword error.
func Violations(err error) []string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if v, ok := oopsErr.Context()["violations"].([]string); ok {
			return v
		}
	}
	return nil
}

func invalidToken(reason string) error {
	return oops.Code("TOKEN_INVALID").With("reason", reason).Wrap(ErrInvalidToken)
}

func upstream(op string, err error) error {
	return oops.Code("UPSTREAM_UNAVAILABLE").With("operation", op).Wrap(errors.Join(ErrUpstreamUnavailable, err))
}

// storeErr passes identity sentinels through and marks everything else as an
// upstream failure.
func storeErr(op string, err error) error {
	if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrDuplicate) {
		return err
	}
	return upstream(op, err)
}
