package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	OTPCode   string `json:"otp_code,omitempty" validate:"omitempty,numeric,len=6"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued token and user info.
type LoginResponse struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	User        UserInfo      `json:"user"`
	Session     SessionStatus `json:"session"`
	IssuedAt    time.Time     `json:"issued_at"`
}

// RegisterRequest creates a new principal.
type RegisterRequest struct {
	Email         string   `json:"email" validate:"required,email"`
	Password      string   `json:"password" validate:"required,min=8,max=72"`
	FullName      string   `json:"full_name" validate:"required,max=120"`
	Role          UserRole `json:"role,omitempty" validate:"omitempty,oneof=student admin institution_admin super_admin"`
	InstitutionID string   `json:"institution_id,omitempty" validate:"omitempty,max=64"`
}

// ChangePasswordRequest payload for updating password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72,nefield=OldPassword"`
}

// TwoFactorCodeRequest carries a time-based code for 2FA confirmation or step-up.
type TwoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

// TwoFactorEnrollment is the provisioning payload shown to the user once.
type TwoFactorEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// PermissionCheck answers the presentation layer's affordance question.
type PermissionCheck struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	FullName         string   `json:"full_name"`
	Role             UserRole `json:"role"`
	InstitutionID    string   `json:"institution_id,omitempty"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
	ProfileComplete  bool     `json:"profile_complete"`
}

// NewUserInfo projects a stored user into its public shape.
func NewUserInfo(u *User) UserInfo {
	return UserInfo{
		ID:               u.ID,
		Email:            u.Email,
		FullName:         u.FullName,
		Role:             u.Role,
		InstitutionID:    u.Institution(),
		TwoFactorEnabled: u.TwoFactorEnabled,
		ProfileComplete:  u.ProfileComplete,
	}
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID        string   `json:"user_id"`
	Role          UserRole `json:"role"`
	Email         string   `json:"email"`
	FullName      string   `json:"full_name"`
	InstitutionID string   `json:"institution_id,omitempty"`
	SessionID     string   `json:"sid"`
	jwt.RegisteredClaims
}

// Principal returns the authorization view of the claims.
func (c *JWTClaims) Principal() Principal {
	return Principal{ID: c.UserID, Role: c.Role, InstitutionID: c.InstitutionID}
}

// Principal is the minimal identity authorization decisions need.
type Principal struct {
	ID            string
	Role          UserRole
	InstitutionID string
}

// RequestMeta captures the network origin of a call.
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
}
