package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const (
	documentColumns = `id, owner_id, institution_id, title, kind, status, encrypted, expires_at, current_version, acl_version, created_at, updated_at`
	versionColumns  = `id, document_id, version, created_by, created_at, change_description, content_ref, size_bytes, checksum`
	grantColumns    = `id, document_id, subject, level, granted_by, created_at, updated_at`
)

// DocumentRepository stores document metadata, versions and access grants.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository constructs the repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a document row.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	const query = `INSERT INTO documents (` + documentColumns + `) VALUES (:id, :owner_id, :institution_id, :title, :kind, :status, :encrypted, :expires_at, :current_version, :acl_version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, doc); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// FindByID loads a document.
func (r *DocumentRepository) FindByID(ctx context.Context, id string) (*models.Document, error) {
	const query = `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 LIMIT 1`
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find document: %w", err)
	}
	return &doc, nil
}

// Delete removes a document; versions and grants cascade in the schema.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendVersion locks the document, assigns the next version number and stores the snapshot.
func (r *DocumentRepository) AppendVersion(ctx context.Context, version *models.DocumentVersion) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current int
	const lockQuery = `SELECT current_version FROM documents WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &current, lockQuery, version.DocumentID); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("lock document: %w", err)
	}

	if version.ID == "" {
		version.ID = uuid.NewString()
	}
	version.Version = current + 1
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	const insertQuery = `INSERT INTO document_versions (` + versionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err = tx.ExecContext(ctx, insertQuery, version.ID, version.DocumentID, version.Version, version.CreatedBy, version.CreatedAt, version.ChangeDescription, version.ContentRef, version.SizeBytes, version.Checksum); err != nil {
		return fmt.Errorf("insert document version: %w", err)
	}

	const updateQuery = `UPDATE documents SET current_version = $2, status = $3, updated_at = $4 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, updateQuery, version.DocumentID, version.Version, models.DocumentStatusAvailable, version.CreatedAt); err != nil {
		return fmt.Errorf("bump document version: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit document version: %w", err)
	}
	return nil
}

// ListVersions returns all versions, oldest first.
func (r *DocumentRepository) ListVersions(ctx context.Context, documentID string) ([]models.DocumentVersion, error) {
	const query = `SELECT ` + versionColumns + ` FROM document_versions WHERE document_id = $1 ORDER BY version ASC`
	var versions []models.DocumentVersion
	if err := r.db.SelectContext(ctx, &versions, query, documentID); err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	return versions, nil
}

// FindVersion loads one version of a document.
func (r *DocumentRepository) FindVersion(ctx context.Context, documentID string, version int) (*models.DocumentVersion, error) {
	const query = `SELECT ` + versionColumns + ` FROM document_versions WHERE document_id = $1 AND version = $2 LIMIT 1`
	var v models.DocumentVersion
	if err := r.db.GetContext(ctx, &v, query, documentID, version); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find document version: %w", err)
	}
	return &v, nil
}

// ListGrants returns the stored grants of a document, oldest first.
func (r *DocumentRepository) ListGrants(ctx context.Context, documentID string) ([]models.AccessGrant, error) {
	const query = `SELECT ` + grantColumns + ` FROM document_access WHERE document_id = $1 ORDER BY created_at ASC, id ASC`
	var grants []models.AccessGrant
	if err := r.db.SelectContext(ctx, &grants, query, documentID); err != nil {
		return nil, fmt.Errorf("list document grants: %w", err)
	}
	return grants, nil
}

// GrantsForSubjects returns grants held by any of the given subjects.
func (r *DocumentRepository) GrantsForSubjects(ctx context.Context, documentID string, subjects []string) ([]models.AccessGrant, error) {
	const query = `SELECT ` + grantColumns + ` FROM document_access WHERE document_id = $1 AND subject = ANY($2)`
	var grants []models.AccessGrant
	if err := r.db.SelectContext(ctx, &grants, query, documentID, pq.Array(subjects)); err != nil {
		return nil, fmt.Errorf("find subject grants: %w", err)
	}
	return grants, nil
}

// UpsertGrant writes a grant if the document's ACL version still equals expected.
// A stale version returns a conflict and leaves the grants untouched.
func (r *DocumentRepository) UpsertGrant(ctx context.Context, grant *models.AccessGrant, expected int64) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if err = bumpACLVersion(ctx, tx, grant.DocumentID, expected, now); err != nil {
		return err
	}

	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.CreatedAt = now
	grant.UpdatedAt = now

	const query = `INSERT INTO document_access (` + grantColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (document_id, subject)
DO UPDATE SET level = EXCLUDED.level, granted_by = EXCLUDED.granted_by, updated_at = EXCLUDED.updated_at
RETURNING id, created_at`
	var stored struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err = tx.GetContext(ctx, &stored, query, grant.ID, grant.DocumentID, grant.Subject, grant.Level, grant.GrantedBy, grant.CreatedAt, grant.UpdatedAt); err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	grant.ID = stored.ID
	grant.CreatedAt = stored.CreatedAt

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit grant: %w", err)
	}
	return nil
}

// DeleteGrant removes a grant under the same ACL version check as UpsertGrant.
// It returns the removed grant, or nil when no such grant existed.
func (r *DocumentRepository) DeleteGrant(ctx context.Context, documentID, grantID string, expected int64) (removed *models.AccessGrant, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin revoke transaction: %w", err)
	}
	defer func() {
		if err != nil || removed == nil {
			_ = tx.Rollback()
		}
	}()

	if err = bumpACLVersion(ctx, tx, documentID, expected, time.Now().UTC()); err != nil {
		return nil, err
	}

	var grant models.AccessGrant
	const query = `DELETE FROM document_access WHERE id = $1 AND document_id = $2 RETURNING ` + grantColumns
	if err = tx.GetContext(ctx, &grant, query, grantID, documentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("delete grant: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit revoke: %w", err)
	}
	return &grant, nil
}

func bumpACLVersion(ctx context.Context, tx *sqlx.Tx, documentID string, expected int64, now time.Time) error {
	const query = `UPDATE documents SET acl_version = acl_version + 1, updated_at = $3 WHERE id = $1 AND acl_version = $2`
	res, err := tx.ExecContext(ctx, query, documentID, expected, now)
	if err != nil {
		return fmt.Errorf("bump acl version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump acl version rows: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrConflict, "document access changed concurrently")
	}
	return nil
}
