package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/finassist/authsvc/internal/infra"
)

// Repository persists users. Implementations enforce uniqueness of phone,
// email and identity number themselves and report violations as ErrDuplicate.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByPhone(ctx context.Context, phone string) (User, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate, now time.Time) (User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error
	// TouchLastLogin advances last_login to at; an older value never wins.
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	CompleteOnboarding(ctx context.Context, id string, now time.Time) error
	SetActive(ctx context.Context, id string, active bool, now time.Time) error
}

const userColumns = `id, phone, name, email, identity_number, password_hash, is_active,
	onboarding_done, role, created_at, updated_at, last_login`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db infra.DB
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db infra.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	_, err := r.db.Exec(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		user.ID, user.Phone, user.Name, user.Email, user.IdentityNumber, user.PasswordHash,
		user.Active, user.OnboardingCompleted, string(user.Role),
		user.CreatedAt.UTC(), user.UpdatedAt.UTC(), user.LastLogin)
	if err != nil {
		return translate(err, "insert user")
	}
	return nil
}

// FindByID fetches a user by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByEmail fetches a user by email, case-insensitively.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = LOWER($1)`, email)
}

// FindByPhone fetches a user by phone number.
func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)
}

// UpdateProfile applies the non-nil fields of upd and returns the stored row.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate, now time.Time) (User, error) {
	row := r.db.QueryRow(ctx, `UPDATE users SET
			name = COALESCE($2, name),
			email = COALESCE($3, email),
			phone = COALESCE($4, phone),
			updated_at = $5
		WHERE id = $1
		RETURNING `+userColumns,
		id, upd.Name, upd.Email, upd.Phone, now.UTC())
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, oops.Code("USER_NOT_FOUND").With("id", id).Wrap(ErrNotFound)
	}
	if err != nil {
		return User{}, translate(err, "update profile")
	}
	return user, nil
}

// UpdatePassword replaces the credential digest.
func (r *PostgresRepository) UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	return r.execOne(ctx, "update password",
		`UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`, id, passwordHash, now.UTC())
}

// TouchLastLogin moves last_login forward only.
func (r *PostgresRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "touch last login",
		`UPDATE users SET last_login = GREATEST(COALESCE(last_login, $2), $2) WHERE id = $1`, id, at.UTC())
}

// CompleteOnboarding sets the onboarding flag.
func (r *PostgresRepository) CompleteOnboarding(ctx context.Context, id string, now time.Time) error {
	return r.execOne(ctx, "complete onboarding",
		`UPDATE users SET onboarding_done = TRUE, updated_at = $2 WHERE id = $1`, id, now.UTC())
}

// SetActive toggles the active flag.
func (r *PostgresRepository) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	return r.execOne(ctx, "set active",
		`UPDATE users SET is_active = $2, updated_at = $3 WHERE id = $1`, id, active, now.UTC())
}

func (r *PostgresRepository) execOne(ctx context.Context, op, sql string, args ...any) error {
	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return translate(err, op)
	}
	if cmd.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("operation", op).Wrap(ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) findOne(ctx context.Context, sql string, arg string) (User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, oops.Code("USER_NOT_FOUND").Wrap(ErrNotFound)
	}
	if err != nil {
		return User{}, translate(err, "select user")
	}
	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user User
		role string
	)
	err := row.Scan(&user.ID, &user.Phone, &user.Name, &user.Email, &user.IdentityNumber,
		&user.PasswordHash, &user.Active, &user.OnboardingCompleted, &role,
		&user.CreatedAt, &user.UpdatedAt, &user.LastLogin)
	if err != nil {
		return User{}, err
	}
	if user.Role, err = ParseRole(role); err != nil {
		return User{}, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

// translate maps driver errors onto the package sentinels.
func translate(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return oops.Code("USER_DUPLICATE").
			With("field", fieldForConstraint(pgErr.ConstraintName)).
			Wrap(ErrDuplicate)
	}
	return oops.Code("USER_STORE_FAILED").With("operation", op).Wrap(err)
}

func fieldForConstraint(name string) string {
	switch {
	case strings.Contains(name, "email"):
		return "email"
	case strings.Contains(name, "identity_number"):
		return "identity_number"
	case strings.Contains(name, "phone"):
		return "phone"
	default:
		return name
	}
}

// DuplicateField extracts the offending field from an ErrDuplicate chain.
func DuplicateField(err error) string {
	if !errors.Is(err, ErrDuplicate) {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if field, ok := oopsErr.Context()["field"].(string); ok {
			return field
		}
	}
	return ""
}

var _ Repository = (*PostgresRepository)(nil)
