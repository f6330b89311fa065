package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const (
	sessionKeyPrefix   = "session:"
	challengeKeyPrefix = "stepup:"
)

// consumeStepUpScript reads and clears the step-up flag in one round trip.
var consumeStepUpScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'step_up_verified')
if v == '1' then
  redis.call('HSET', KEYS[1], 'step_up_verified', '0')
  return 1
end
return 0
`)

// updateTimeoutsScript rewrites thresholds and the key lifetime of a live session.
var updateTimeoutsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'timeout_minutes', ARGV[1], 'warning_minutes', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// deleteSessionScript removes the session only while it still carries the expected id.
var deleteSessionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// SessionRepository keeps live sessions and step-up challenges in Redis.
type SessionRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSessionRepository constructs a session repository.
func NewSessionRepository(client *redis.Client, logger *zap.Logger) *SessionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRepository{client: client, logger: logger}
}

func sessionKey(userID string) string { return sessionKeyPrefix + userID }

// Save replaces the principal's session.
func (r *SessionRepository) Save(ctx context.Context, session *models.Session) error {
	key := sessionKey(session.UserID)
	fields := map[string]interface{}{
		"id":                  session.ID,
		"user_id":             session.UserID,
		"timeout_minutes":     session.TimeoutMinutes,
		"warning_minutes":     session.WarningMinutes,
		"last_activity_at":    session.LastActivityAt.UnixNano(),
		"two_factor_verified": boolFlag(session.TwoFactorVerified),
		"step_up_verified":    boolFlag(session.StepUpVerified),
		"created_at":          session.CreatedAt.UnixNano(),
	}
	ttl := sessionKeyTTL(session.TimeoutMinutes)

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save session %s: %w", session.UserID, err)
	}
	return nil
}

// Get loads the principal's session or returns ErrCacheMiss.
func (r *SessionRepository) Get(ctx context.Context, userID string) (*models.Session, error) {
	values, err := r.client.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get session %s: %w", userID, err)
	}
	if len(values) == 0 {
		return nil, appErrors.ErrCacheMiss
	}

	session := &models.Session{
		ID:                values["id"],
		UserID:            values["user_id"],
		TimeoutMinutes:    atoi(values["timeout_minutes"]),
		WarningMinutes:    atoi(values["warning_minutes"]),
		LastActivityAt:    unixNano(values["last_activity_at"]),
		TwoFactorVerified: values["two_factor_verified"] == "1",
		StepUpVerified:    values["step_up_verified"] == "1",
		CreatedAt:         unixNano(values["created_at"]),
	}
	return session, nil
}

// Touch records activity at the given instant.
func (r *SessionRepository) Touch(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	key := sessionKey(userID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, "last_activity_at", at.UnixNano())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis touch session %s: %w", userID, err)
	}
	return nil
}

// UpdateTimeouts changes the thresholds of a live session, if one exists, and stretches or
// shrinks the key lifetime to match the new timeout.
func (r *SessionRepository) UpdateTimeouts(ctx context.Context, userID string, timeoutMinutes, warningMinutes int) error {
	ttl := int64(sessionKeyTTL(timeoutMinutes) / time.Second)
	err := updateTimeoutsScript.Run(ctx, r.client, []string{sessionKey(userID)}, timeoutMinutes, warningMinutes, ttl).Err()
	if err != nil {
		return fmt.Errorf("redis update session timeouts %s: %w", userID, err)
	}
	return nil
}

// Delete removes the principal's session if its id is still sessionID. A newer session is left alone.
func (r *SessionRepository) Delete(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := deleteSessionScript.Run(ctx, r.client, []string{sessionKey(userID)}, sessionID).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete session %s: %w", userID, err)
	}
	return n == 1, nil
}

// MarkStepUp sets the step-up flag on a live session.
func (r *SessionRepository) MarkStepUp(ctx context.Context, userID string) error {
	key := sessionKey(userID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis exists %s: %w", key, err)
	}
	if exists == 0 {
		return appErrors.ErrCacheMiss
	}
	if err := r.client.HSet(ctx, key, "step_up_verified", "1").Err(); err != nil {
		return fmt.Errorf("redis mark step-up %s: %w", userID, err)
	}
	return nil
}

// ConsumeStepUp reports whether the flag was set and clears it atomically.
func (r *SessionRepository) ConsumeStepUp(ctx context.Context, userID string) (bool, error) {
	n, err := consumeStepUpScript.Run(ctx, r.client, []string{sessionKey(userID)}).Int()
	if err != nil {
		return false, fmt.Errorf("redis consume step-up %s: %w", userID, err)
	}
	return n == 1, nil
}

// SaveChallenge stores a step-up challenge owned by userID.
func (r *SessionRepository) SaveChallenge(ctx context.Context, challengeID, userID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, challengeKeyPrefix+challengeID, userID, ttl).Err(); err != nil {
		return fmt.Errorf("redis save challenge: %w", err)
	}
	return nil
}

// TakeChallenge returns the owner of a challenge and deletes it, so each challenge answers once.
func (r *SessionRepository) TakeChallenge(ctx context.Context, challengeID string) (string, error) {
	owner, err := r.client.GetDel(ctx, challengeKeyPrefix+challengeID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", appErrors.ErrCacheMiss
		}
		return "", fmt.Errorf("redis take challenge: %w", err)
	}
	return owner, nil
}

// Ping checks connectivity for the readiness check.
func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// sessionKeyTTL outlives the idle timeout so expiry stays observable to the monitor.
func sessionKeyTTL(timeoutMinutes int) time.Duration {
	return 2 * time.Duration(timeoutMinutes) * time.Minute
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func atoi(raw string) int {
	v, _ := strconv.Atoi(raw)
	return v
}

func unixNano(raw string) time.Time {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
