package models

import (
	"strings"
	"time"
)

// SubjectPublic is the sentinel subject that opens a document to every principal.
const SubjectPublic = "public"

// AccessLevel is the ordered document permission tier.
type AccessLevel string

const (
	AccessView  AccessLevel = "view"
	AccessEdit  AccessLevel = "edit"
	AccessAdmin AccessLevel = "admin"
)

var accessRank = map[AccessLevel]int{AccessView: 1, AccessEdit: 2, AccessAdmin: 3}

// ParseAccessLevel normalizes input and reports whether it names a known level.
func ParseAccessLevel(raw string) (AccessLevel, bool) {
	level := AccessLevel(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := accessRank[level]
	return level, ok
}

// Satisfies reports whether l is at or above required.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	have, ok := accessRank[l]
	if !ok {
		return false
	}
	need, ok := accessRank[required]
	return ok && have >= need
}

// GlobalAction maps a document level onto the role table action it corresponds to.
func (l AccessLevel) GlobalAction() string {
	switch l {
	case AccessView:
		return "read"
	case AccessEdit:
		return "update"
	default:
		return "manage"
	}
}

// AccessGrant is one stored per-document permission.
type AccessGrant struct {
	ID         string      `db:"id" json:"id"`
	DocumentID string      `db:"document_id" json:"document_id"`
	Subject    string      `db:"subject" json:"subject"`
	Level      AccessLevel `db:"level" json:"level"`
	GrantedBy  string      `db:"granted_by" json:"granted_by"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updated_at"`
}

// AccessEntry is a listing row; the owner entry is synthesized and carries Implicit.
type AccessEntry struct {
	ID       string      `json:"id,omitempty"`
	Subject  string      `json:"subject"`
	Level    AccessLevel `json:"level"`
	Implicit bool        `json:"implicit"`
}

// AddAccessRequest grants or updates a subject's level.
type AddAccessRequest struct {
	Subject string `json:"subject" validate:"required,max=64"`
	Level   string `json:"level" validate:"required,oneof=view edit admin"`
}
