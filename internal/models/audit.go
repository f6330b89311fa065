package models

import (
	"encoding/json"
	"time"
)

// Audit actions recorded by the ledger.
const (
	AuditActionLogin                = "login"
	AuditActionLoginFailed          = "login_failed"
	AuditActionLogout               = "logout"
	AuditActionRegister             = "register"
	AuditActionUpdate               = "update"
	AuditActionEnable2FA            = "enable_2fa"
	AuditActionDisable2FA           = "disable_2fa"
	AuditActionGrant                = "grant"
	AuditActionRevoke               = "revoke"
	AuditActionCreate               = "create"
	AuditActionUploadVersion        = "upload_version"
	AuditActionDelete               = "delete"
	AuditActionRead                 = "read"
	AuditActionUpdateSessionTimeout = "update_session_timeout"
	AuditActionSessionExpired       = "session_expired"
	AuditActionStepUp               = "step_up"
	AuditActionRotateKey            = "rotate_key"
	AuditActionExport               = "export"
)

// Audit resources.
const (
	AuditResourceAuth           = "auth"
	AuditResourcePassword       = "password"
	AuditResourceSession        = "session"
	AuditResourceDocument       = "document"
	AuditResourceDocumentAccess = "document_access"
	AuditResourceEncryptionKey  = "encryption_key"
	AuditResourceAuditLog       = "audit_log"
)

// AuditLog represents an immutable audit trail record.
type AuditLog struct {
	ID         string          `db:"id" json:"id"`
	UserID     *string         `db:"user_id" json:"user_id,omitempty"`
	Action     string          `db:"action" json:"action"`
	Resource   string          `db:"resource" json:"resource"`
	ResourceID *string         `db:"resource_id" json:"resource_id,omitempty"`
	Detail     json.RawMessage `db:"detail" json:"detail,omitempty"`
	IPAddress  string          `db:"ip_address" json:"ip_address"`
	UserAgent  string          `db:"user_agent" json:"user_agent"`
	RequestID  string          `db:"request_id" json:"request_id,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// AuditRecord is what callers hand to the ledger; origin and time are filled in server side.
type AuditRecord struct {
	PrincipalID string
	Action      string
	Resource    string
	ResourceID  string
	Detail      map[string]interface{}
}

// AuditFilter narrows compliance queries.
type AuditFilter struct {
	PrincipalID string     `form:"principal_id"`
	Resource    string     `form:"resource"`
	Action      string     `form:"action"`
	From        *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To          *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Page        int        `form:"page"`
	PageSize    int        `form:"page_size"`
}
