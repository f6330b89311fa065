package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const userColumns = `id, email, password_hash, full_name, role, institution_id, two_factor_enabled, totp_secret, totp_pending_secret, profile_complete, active, session_timeout_minutes, session_warning_minutes, last_login, created_at, updated_at`

// UserRepository provides database access for principals.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// Create inserts a new user. A duplicate email surfaces as a conflict.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, email, password_hash, full_name, role, institution_id, two_factor_enabled, profile_complete, active, session_timeout_minutes, session_warning_minutes, created_at, updated_at) VALUES (:id, :email, :password_hash, :full_name, :role, :institution_id, :two_factor_enabled, :profile_complete, :active, :session_timeout_minutes, :session_warning_minutes, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		if isUniqueViolation(err) {
			return appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// UpdatePassword updates the stored password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, passwordHash, updatedAt); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// SetPendingTOTPSecret stores (or clears, when nil) an unconfirmed TOTP secret envelope.
func (r *UserRepository) SetPendingTOTPSecret(ctx context.Context, id string, secret *string) error {
	const query = `UPDATE users SET totp_pending_secret = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, secret, time.Now().UTC()); err != nil {
		return fmt.Errorf("set pending totp secret: %w", err)
	}
	return nil
}

// EnableTwoFactor promotes a confirmed secret envelope and turns 2FA on.
func (r *UserRepository) EnableTwoFactor(ctx context.Context, id, secret string) error {
	const query = `UPDATE users SET two_factor_enabled = TRUE, totp_secret = $2, totp_pending_secret = NULL, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, secret, time.Now().UTC()); err != nil {
		return fmt.Errorf("enable two factor: %w", err)
	}
	return nil
}

// DisableTwoFactor clears every stored TOTP secret.
func (r *UserRepository) DisableTwoFactor(ctx context.Context, id string) error {
	const query = `UPDATE users SET two_factor_enabled = FALSE, totp_secret = NULL, totp_pending_secret = NULL, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("disable two factor: %w", err)
	}
	return nil
}

// UpdateSessionTimeouts persists per-principal idle thresholds in minutes.
func (r *UserRepository) UpdateSessionTimeouts(ctx context.Context, id string, timeoutMinutes, warningMinutes int) error {
	const query = `UPDATE users SET session_timeout_minutes = $2, session_warning_minutes = $3, updated_at = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, timeoutMinutes, warningMinutes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update session timeouts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session timeouts rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
