package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/max-254/Uni-connect-sub002/internal/models"
)

const keyColumns = `key_id, domain, version, status, wrapped_key, created_at, retired_at`

// KeyRepository stores wrapped data encryption keys.
type KeyRepository struct {
	db *sqlx.DB
}

// NewKeyRepository constructs the repository.
func NewKeyRepository(db *sqlx.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// FindActive returns the active key for a domain.
func (r *KeyRepository) FindActive(ctx context.Context, domain string) (*models.DataEncryptionKey, error) {
	const query = `SELECT ` + keyColumns + ` FROM data_encryption_keys WHERE domain = $1 AND status = 'active' ORDER BY version DESC LIMIT 1`
	var key models.DataEncryptionKey
	if err := r.db.GetContext(ctx, &key, query, domain); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find active key: %w", err)
	}
	return &key, nil
}

// FindByID resolves any key, active or retired.
func (r *KeyRepository) FindByID(ctx context.Context, keyID string) (*models.DataEncryptionKey, error) {
	const query = `SELECT ` + keyColumns + ` FROM data_encryption_keys WHERE key_id = $1 LIMIT 1`
	var key models.DataEncryptionKey
	if err := r.db.GetContext(ctx, &key, query, keyID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find key by id: %w", err)
	}
	return &key, nil
}

// Activate retires the current active key of the domain and inserts next as the new active one.
func (r *KeyRepository) Activate(ctx context.Context, next *models.DataEncryptionKey) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin key rotation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const retireQuery = `UPDATE data_encryption_keys SET status = 'retired', retired_at = $2 WHERE domain = $1 AND status = 'active'`
	if _, err = tx.ExecContext(ctx, retireQuery, next.Domain, now); err != nil {
		return fmt.Errorf("retire active key: %w", err)
	}

	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.Status = models.KeyStatusActive
	const insertQuery = `INSERT INTO data_encryption_keys (key_id, domain, version, status, wrapped_key, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err = tx.ExecContext(ctx, insertQuery, next.KeyID, next.Domain, next.Version, next.Status, next.WrappedKey, next.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert key version %d: concurrent rotation: %w", next.Version, err)
		}
		return fmt.Errorf("insert key: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit key rotation: %w", err)
	}
	return nil
}
