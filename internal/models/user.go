package models

import "time"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleStudent          UserRole = "student"
	RoleAdmin            UserRole = "admin"
	RoleInstitutionAdmin UserRole = "institution_admin"
	RoleSuperAdmin       UserRole = "super_admin"
)

// Valid reports whether the role is one of the fixed set.
func (r UserRole) Valid() bool {
	switch r {
	case RoleStudent, RoleAdmin, RoleInstitutionAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// User represents a principal stored in the users table.
type User struct {
	ID                    string     `db:"id" json:"id"`
	Email                 string     `db:"email" json:"email"`
	PasswordHash          string     `db:"password_hash" json:"-"`
	FullName              string     `db:"full_name" json:"full_name"`
	Role                  UserRole   `db:"role" json:"role"`
	InstitutionID         *string    `db:"institution_id" json:"institution_id,omitempty"`
	TwoFactorEnabled      bool       `db:"two_factor_enabled" json:"two_factor_enabled"`
	TOTPSecret            *string    `db:"totp_secret" json:"-"`
	TOTPPendingSecret     *string    `db:"totp_pending_secret" json:"-"`
	ProfileComplete       bool       `db:"profile_complete" json:"profile_complete"`
	Active                bool       `db:"active" json:"active"`
	SessionTimeoutMinutes int        `db:"session_timeout_minutes" json:"session_timeout_minutes"`
	SessionWarningMinutes int        `db:"session_warning_minutes" json:"session_warning_minutes"`
	LastLogin             *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// Institution returns the institution id or an empty string.
func (u *User) Institution() string {
	if u == nil || u.InstitutionID == nil {
		return ""
	}
	return *u.InstitutionID
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
