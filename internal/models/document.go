package models

import "time"

// DocumentStatus tracks the lifecycle of an enrollment artifact.
type DocumentStatus string

const (
	DocumentStatusDraft     DocumentStatus = "draft"
	DocumentStatusPending   DocumentStatus = "pending"
	DocumentStatusAvailable DocumentStatus = "available"
	DocumentStatusExpired   DocumentStatus = "expired"
)

// DocumentKind names the sensitive artifact types.
type DocumentKind string

const (
	DocumentKindOfferLetter        DocumentKind = "offer_letter"
	DocumentKindVisaLetter         DocumentKind = "visa_letter"
	DocumentKindFinancialStatement DocumentKind = "financial_statement"
	DocumentKindOther              DocumentKind = "other"
)

// Document is the metadata row of an artifact.
type Document struct {
	ID             string         `db:"id" json:"id"`
	OwnerID        string         `db:"owner_id" json:"owner_id"`
	InstitutionID  *string        `db:"institution_id" json:"institution_id,omitempty"`
	Title          string         `db:"title" json:"title"`
	Kind           DocumentKind   `db:"kind" json:"kind"`
	Status         DocumentStatus `db:"status" json:"status"`
	Encrypted      bool           `db:"encrypted" json:"encrypted"`
	ExpiresAt      *time.Time     `db:"expires_at" json:"expires_at,omitempty"`
	CurrentVersion int            `db:"current_version" json:"current_version"`
	ACLVersion     int64          `db:"acl_version" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// EffectiveStatus reports expired once the expiry instant has passed.
func (d *Document) EffectiveStatus(now time.Time) DocumentStatus {
	if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
		return DocumentStatusExpired
	}
	return d.Status
}

// DocumentVersion is an immutable content snapshot.
type DocumentVersion struct {
	ID                string    `db:"id" json:"id"`
	DocumentID        string    `db:"document_id" json:"document_id"`
	Version           int       `db:"version" json:"version"`
	CreatedBy         string    `db:"created_by" json:"created_by"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	ChangeDescription string    `db:"change_description" json:"change_description"`
	ContentRef        string    `db:"content_ref" json:"-"`
	SizeBytes         int64     `db:"size_bytes" json:"size_bytes"`
	Checksum          string    `db:"checksum" json:"checksum"`
}

// CreateDocumentRequest is the authoring payload.
type CreateDocumentRequest struct {
	Title         string       `json:"title" validate:"required,max=200"`
	Kind          DocumentKind `json:"kind" validate:"required,oneof=offer_letter visa_letter financial_statement other"`
	Encrypted     bool         `json:"encrypted"`
	InstitutionID string       `json:"institution_id,omitempty" validate:"omitempty,max=64"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

// DocumentContent is decrypted content handed to the caller; it is never cached or logged.
type DocumentContent struct {
	Document *Document
	Version  *DocumentVersion
	Data     []byte
}

// DownloadLink is a short-lived signed link to one version's content.
type DownloadLink struct {
	Token     string    `json:"token"`
	URL       string    `json:"url,omitempty"`
	Version   int       `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}
