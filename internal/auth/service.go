package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/logging"
	"github.com/finassist/authsvc/internal/metrics"
)

// WarningWelcomeEmail is returned with a successful registration whose
// welcome email could not be delivered.
const WarningWelcomeEmail = "welcome email could not be delivered"

// WarningSessionUnavailable is returned with a registration whose account was
// created but whose first session could not be opened. The client logs in.
const WarningSessionUnavailable = "account created; sign in to start a session"

// Notifier dispatches the auth emails.
type Notifier interface {
	Welcome(ctx context.Context, to, name string) error
	PasswordReset(ctx context.Context, to, name, token string) error
}

// Dependencies are the collaborators of Service.
type Dependencies struct {
	Users    identity.Repository
	Hasher   PasswordHasher
	Tokens   *TokenIssuer
	Resets   *ResetManager
	Notifier Notifier
	Metrics  *metrics.Auth
	Logger   *slog.Logger
}

// Service implements registration, login and the token lifecycle.
type Service struct {
	users        identity.Repository
	hasher       PasswordHasher
	tokens       *TokenIssuer
	resets       *ResetManager
	notifier     Notifier
	metrics      *metrics.Auth
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time

	// dummyDigest is verified against when no real credential exists so
	// unknown accounts cost the same as wrong passwords.
	dummyDigest string

	background sync.WaitGroup
}

// NewService wires the auth service. storeTimeout bounds every store call.
func NewService(deps Dependencies, storeTimeout time.Duration) (*Service, error) {
	dummy, err := deps.Hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		users:        deps.Users,
		hasher:       deps.Hasher,
		tokens:       deps.Tokens,
		resets:       deps.Resets,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
		dummyDigest:  dummy,
	}, nil
}

// RegisterInput is the registration payload.
type RegisterInput struct {
	Name           string
	Email          string
	Phone          string
	IdentityNumber string
	Password       string
}

// RegisterResult is a created user with its first session.
type RegisterResult struct {
	User     identity.User
	Tokens   Pair
	Warnings []string
}

// Register creates an account. A phone already held by any record, including
// one created by the chat gateway, is a duplicate.
func (s *Service) Register(ctx context.Context, in RegisterInput) (res RegisterResult, err error) {
	defer func() { s.metrics.Observe("register", err) }()

	user, err := s.newUser(in)
	if err != nil {
		return RegisterResult{}, err
	}
	if err := CheckPasswordStrength(in.Password); err != nil {
		return RegisterResult{}, err
	}
	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return RegisterResult{}, err
	}
	user.PasswordHash = &digest

	if err := s.insertUser(ctx, user); err != nil {
		return RegisterResult{}, err
	}

	res = RegisterResult{User: user}
	if pair, err := s.tokens.Issue(ctx, user.ID, user.Role); err != nil {
		s.logger.Warn("first session not issued", append(logging.ErrorAttrs(err), "user_id", user.ID)...)
		res.Warnings = append(res.Warnings, WarningSessionUnavailable)
	} else {
		res.Tokens = pair
	}

	if err := s.notifier.Welcome(ctx, user.EmailValue(), user.Name); err != nil {
		logging.LogWarn(s.logger, "welcome email failed", err)
		s.metrics.EmailFailed("welcome")
		res.Warnings = append(res.Warnings, WarningWelcomeEmail)
	}

	s.logger.Info("user registered", "user_id", user.ID)
	return res, nil
}

func (s *Service) newUser(in RegisterInput) (identity.User, error) {
	name, err := identity.NormalizeName(in.Name)
	if err != nil {
		return identity.User{}, err
	}
	email, err := identity.NormalizeEmail(in.Email)
	if err != nil {
		return identity.User{}, err
	}
	phone, err := identity.NormalizePhone(in.Phone)
	if err != nil {
		return identity.User{}, err
	}
	now := s.now().UTC()
	user := identity.User{
		ID:        uuid.NewString(),
		Phone:     phone,
		Name:      name,
		Email:     &email,
		Active:    true,
		Role:      identity.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if strings.TrimSpace(in.IdentityNumber) != "" {
		id, err := identity.NormalizeIdentityNumber(in.IdentityNumber)
		if err != nil {
			return identity.User{}, err
		}
		user.IdentityNumber = &id
	}
	return user, nil
}

// insertUser relies on the store's unique constraints; a concurrent insert
// of the same email or phone loses with ErrDuplicate.
func (s *Service) insertUser(ctx context.Context, user identity.User) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.Create(sctx, user); err != nil {
		return storeErr("create user", err)
	}
	return nil
}

// LoginInput identifies the account by email or, failing that, phone.
type LoginInput struct {
	Email    string
	Phone    string
	Password string
}

// LoginResult is an authenticated user with a new session.
type LoginResult struct {
	User   identity.User
	Tokens Pair
}

// Login verifies credentials. Unknown accounts, inactive accounts and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, in LoginInput) (res LoginResult, err error) {
	defer func() { s.metrics.Observe("login", err) }()

	user, err := s.lookupForLogin(ctx, in)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return LoginResult{}, err
	}

	digest := s.dummyDigest
	usable := err == nil && user.Active && user.HasPassword()
	if usable {
		digest = *user.PasswordHash
	}
	if !s.hasher.Verify(in.Password, digest) || !usable {
		return LoginResult{}, oops.Code("INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	now := s.now().UTC()
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.TouchLastLogin(sctx, user.ID, now); err != nil {
		return LoginResult{}, storeErr("touch last login", err)
	}
	user.LastLogin = &now

	pair, err := s.tokens.Issue(ctx, user.ID, user.Role)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Tokens: pair}, nil
}

func (s *Service) lookupForLogin(ctx context.Context, in LoginInput) (identity.User, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var (
		user identity.User
		err  error
	)
	switch {
	case strings.TrimSpace(in.Email) != "":
		email, nerr := identity.NormalizeEmail(in.Email)
		if nerr != nil {
			return identity.User{}, identity.ErrNotFound
		}
		user, err = s.users.FindByEmail(sctx, email)
	case strings.TrimSpace(in.Phone) != "":
		phone, nerr := identity.NormalizePhone(in.Phone)
		if nerr != nil {
			return identity.User{}, identity.ErrNotFound
		}
		user, err = s.users.FindByPhone(sctx, phone)
	default:
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, storeErr("find user", err)
	}
	return user, nil
}

// Logout ends the caller's session. It never fails; tracker errors are logged.
func (s *Service) Logout(ctx context.Context, p identity.Principal) {
	err := s.tokens.Revoke(ctx, p.UserID, p.SessionID)
	s.metrics.Observe("logout", err)
	if err != nil {
		logging.LogWarn(s.logger, "logout revoke failed", err)
	}
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair Pair, err error) {
	defer func() { s.metrics.Observe("refresh", err) }()

	pair, err = s.tokens.RotateRefresh(ctx, refreshToken, s.activeRole)
	if err != nil {
		if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Context()["reason"] == reasonReuse {
			s.metrics.RefreshReused()
			s.logger.Warn("rotated refresh token reused, sessions revoked", "user_id", oopsErr.Context()["user_id"])
		}
		return Pair{}, err
	}
	return pair, nil
}

func (s *Service) activeRole(ctx context.Context, userID string) (identity.Role, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	user, err := s.users.FindByID(sctx, userID)
	if err != nil {
		return "", storeErr("find user", err)
	}
	if !user.Active {
		return "", invalidToken("account inactive")
	}
	return user.Role, nil
}

// Profile returns the caller's user record.
func (s *Service) Profile(ctx context.Context, userID string) (identity.User, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	user, err := s.users.FindByID(sctx, userID)
	if err != nil {
		return identity.User{}, storeErr("find user", err)
	}
	return user, nil
}

// ProfileInput carries the editable profile fields; nil leaves a field as is.
type ProfileInput struct {
	Name  *string
	Email *string
	Phone *string
}

// UpdateProfile validates and applies a partial profile update.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (identity.User, error) {
	var upd identity.ProfileUpdate
	if in.Name != nil {
		name, err := identity.NormalizeName(*in.Name)
		if err != nil {
			return identity.User{}, err
		}
		upd.Name = &name
	}
	if in.Email != nil {
		email, err := identity.NormalizeEmail(*in.Email)
		if err != nil {
			return identity.User{}, err
		}
		upd.Email = &email
	}
	if in.Phone != nil {
		phone, err := identity.NormalizePhone(*in.Phone)
		if err != nil {
			return identity.User{}, err
		}
		upd.Phone = &phone
	}
	if upd.Empty() {
		return s.Profile(ctx, userID)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	user, err := s.users.UpdateProfile(sctx, userID, upd, s.now().UTC())
	if err != nil {
		return identity.User{}, storeErr("update profile", err)
	}
	return user, nil
}

// ChangePassword replaces the credential after verifying the current one and
// ends every session except the caller's.
func (s *Service) ChangePassword(ctx context.Context, p identity.Principal, current, next string) (err error) {
	defer func() { s.metrics.Observe("change_password", err) }()
	userID := p.UserID

	if err := CheckPasswordStrength(next); err != nil {
		return err
	}
	user, err := s.Profile(ctx, userID)
	if err != nil {
		return err
	}
	digest := s.dummyDigest
	if user.HasPassword() {
		digest = *user.PasswordHash
	}
	if !s.hasher.Verify(current, digest) || !user.HasPassword() {
		return oops.Code("INVALID_CREDENTIALS").With("operation", "change password").Wrap(ErrInvalidCredentials)
	}

	nextDigest, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.UpdatePassword(sctx, userID, nextDigest, s.now().UTC()); err != nil {
		return storeErr("update password", err)
	}
	if err := s.tokens.RevokeOthers(ctx, userID, p.SessionID); err != nil {
		logging.LogWarn(s.logger, "revoke after password change failed", err)
	}
	s.logger.Info("password changed", "user_id", userID)
	return nil
}

// ForgotPassword starts a reset for email when it belongs to an active
// account. The outcome is never reported; token creation and email dispatch
// finish in the background so response timing does not depend on it either.
func (s *Service) ForgotPassword(ctx context.Context, email string) {
	s.metrics.Observe("forgot_password", nil)
	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.sendReset(ctx, normalized)
	}()
}

func (s *Service) sendReset(ctx context.Context, email string) {
	sctx, cancel := s.storeCtx(ctx)
	user, err := s.users.FindByEmail(sctx, email)
	cancel()
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			logging.LogError(s.logger, "forgot password lookup failed", err)
		}
		return
	}
	if !user.Active {
		return
	}

	sctx, cancel = s.storeCtx(ctx)
	token, err := s.resets.Create(sctx, user.ID)
	cancel()
	if err != nil {
		logging.LogError(s.logger, "reset token creation failed", err)
		return
	}

	if err := s.notifier.PasswordReset(ctx, email, user.Name, token); err != nil {
		logging.LogWarn(s.logger, "reset email failed", err)
		s.metrics.EmailFailed("reset")
		return
	}
	s.logger.Info("password reset issued", "user_id", user.ID)
}

// ResetPassword redeems a reset token. The token is consumed in the same
// atomic step that stores the new credential, and every session of the user
// is ended afterwards.
func (s *Service) ResetPassword(ctx context.Context, token, next string) (err error) {
	defer func() { s.metrics.Observe("reset_password", err) }()

	if err := CheckPasswordStrength(next); err != nil {
		return err
	}
	digest, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	userID, err := s.resets.Consume(sctx, token, digest)
	if err != nil {
		return err
	}
	if err := s.tokens.RevokeAll(ctx, userID); err != nil {
		logging.LogWarn(s.logger, "revoke after reset failed", err)
	}
	s.logger.Info("password reset completed", "user_id", userID)
	return nil
}

// CompleteOnboarding marks the caller as onboarded.
func (s *Service) CompleteOnboarding(ctx context.Context, userID string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.CompleteOnboarding(sctx, userID, s.now().UTC()); err != nil {
		return storeErr("complete onboarding", err)
	}
	return nil
}

// SetActive enables or disables an account. Disabling ends every session.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.users.SetActive(sctx, userID, active, s.now().UTC()); err != nil {
		return storeErr("set active", err)
	}
	if !active {
		if err := s.tokens.RevokeAll(ctx, userID); err != nil {
			return err
		}
	}
	s.logger.Info("account status changed", "user_id", userID, "active", active)
	return nil
}

// PurgeResets removes stale reset requests.
func (s *Service) PurgeResets(ctx context.Context) (int64, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.resets.Purge(sctx)
	if err != nil {
		return 0, upstream("purge resets", err)
	}
	s.metrics.Purged(n)
	return n, nil
}

// Wait blocks until background email work has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}
