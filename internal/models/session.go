package models

import "time"

// SessionState is the idle-timeout state of a session.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionWarning SessionState = "warning"
	SessionExpired SessionState = "expired"
)

// Session is the single live session of a principal.
type Session struct {
	ID                string    `json:"id" redis:"id"`
	UserID            string    `json:"user_id" redis:"user_id"`
	TimeoutMinutes    int       `json:"timeout_minutes" redis:"timeout_minutes"`
	WarningMinutes    int       `json:"warning_minutes" redis:"warning_minutes"`
	LastActivityAt    time.Time `json:"last_activity_at" redis:"-"`
	TwoFactorVerified bool      `json:"two_factor_verified" redis:"two_factor_verified"`
	StepUpVerified    bool      `json:"step_up_verified" redis:"step_up_verified"`
	CreatedAt         time.Time `json:"created_at" redis:"-"`
}

// SessionStatus is the evaluated state surfaced to clients.
type SessionStatus struct {
	SessionID       string       `json:"session_id"`
	State           SessionState `json:"state"`
	IdleSeconds     int64        `json:"idle_seconds"`
	TimeLeftMinutes int          `json:"time_left_minutes"`
	TimeoutMinutes  int          `json:"timeout_minutes"`
	WarningMinutes  int          `json:"warning_minutes"`
}

// SessionTimeoutRequest updates per-principal thresholds.
type SessionTimeoutRequest struct {
	TimeoutMinutes int `json:"timeout_minutes" validate:"required,min=5,max=240"`
	WarningMinutes int `json:"warning_minutes" validate:"required,min=1,ltfield=TimeoutMinutes"`
}

// StepUpChallenge is a pending second-factor check.
type StepUpChallenge struct {
	ID        string    `json:"challenge_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StepUpVerifyRequest answers a challenge.
type StepUpVerifyRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required"`
	Code        string `json:"code" validate:"required,numeric,len=6"`
}
