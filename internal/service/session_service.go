package service

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const (
	minSessionTimeout = 5
	maxSessionTimeout = 240
)

type sessionStore interface {
	Save(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, userID string) (*models.Session, error)
	Touch(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	UpdateTimeouts(ctx context.Context, userID string, timeoutMinutes, warningMinutes int) error
	Delete(ctx context.Context, userID, sessionID string) (bool, error)
	MarkStepUp(ctx context.Context, userID string) error
	ConsumeStepUp(ctx context.Context, userID string) (bool, error)
	SaveChallenge(ctx context.Context, challengeID, userID string, ttl time.Duration) error
	TakeChallenge(ctx context.Context, challengeID string) (string, error)
}

type sessionUserRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateSessionTimeouts(ctx context.Context, id string, timeoutMinutes, warningMinutes int) error
}

// SessionWarningFunc is told once per warning episode how long the principal has left.
type SessionWarningFunc func(userID string, status models.SessionStatus)

// SessionTimeoutFunc runs exactly once when a monitored session expires.
type SessionTimeoutFunc func(ctx context.Context, userID, sessionID string)

// SessionConfig holds lifecycle defaults.
type SessionConfig struct {
	DefaultTimeout time.Duration
	DefaultWarning time.Duration
	CheckInterval  time.Duration
	ChallengeTTL   time.Duration
}

type sessionMonitor struct {
	sessionID string
	cancel    context.CancelFunc
	warned    atomic.Bool
	expired   atomic.Bool
}

// SessionService tracks idle time for the single live session of each principal, runs the
// per-session monitors and owns step-up verification.
type SessionService struct {
	store     sessionStore
	users     sessionUserRepository
	secrets   secretCipher
	audit     auditRecorder
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	config    SessionConfig
	now       func() time.Time

	mu        sync.Mutex
	monitors  map[string]*sessionMonitor
	stopped   bool
	wg        sync.WaitGroup
	onWarning SessionWarningFunc
	onTimeout SessionTimeoutFunc
}

// NewSessionService constructs the lifecycle manager. Expired sessions are ended unless
// OnTimeout installs another handler.
func NewSessionService(store sessionStore, users sessionUserRepository, secrets secretCipher, audit auditRecorder, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, cfg SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.DefaultWarning <= 0 || cfg.DefaultWarning >= cfg.DefaultTimeout {
		cfg.DefaultWarning = 5 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	svc := &SessionService{
		store:     store,
		users:     users,
		secrets:   secrets,
		audit:     audit,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		config:    cfg,
		now:       time.Now,
		monitors:  make(map[string]*sessionMonitor),
	}
	svc.onTimeout = func(ctx context.Context, userID, sessionID string) {
		if err := svc.End(ctx, userID, sessionID); err != nil {
			svc.logger.Warn("failed to end expired session", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return svc
}

// OnWarning installs the warning callback.
func (s *SessionService) OnWarning(fn SessionWarningFunc) {
	s.mu.Lock()
	s.onWarning = fn
	s.mu.Unlock()
}

// OnTimeout replaces the expiry handler.
func (s *SessionService) OnTimeout(fn SessionTimeoutFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onTimeout = fn
	s.mu.Unlock()
}

// EvaluateSession is the pure state function over idle time.
func EvaluateSession(session *models.Session, now time.Time) models.SessionStatus {
	timeout := time.Duration(session.TimeoutMinutes) * time.Minute
	warning := time.Duration(session.WarningMinutes) * time.Minute
	idle := now.Sub(session.LastActivityAt)
	if idle < 0 {
		idle = 0
	}

	status := models.SessionStatus{
		SessionID:      session.ID,
		IdleSeconds:    int64(idle / time.Second),
		TimeoutMinutes: session.TimeoutMinutes,
		WarningMinutes: session.WarningMinutes,
	}
	switch {
	case idle >= timeout:
		status.State = models.SessionExpired
	case idle >= timeout-warning:
		status.State = models.SessionWarning
		status.TimeLeftMinutes = int(math.Ceil((timeout - idle).Minutes()))
	default:
		status.State = models.SessionActive
		status.TimeLeftMinutes = int(math.Ceil((timeout - idle).Minutes()))
	}
	return status
}

// Start opens the principal's session, replacing any earlier one, and begins monitoring it.
func (s *SessionService) Start(ctx context.Context, user *models.User, twoFactorVerified bool) (*models.Session, error) {
	timeout, warning := s.thresholdsFor(user)
	now := s.now().UTC()
	session := &models.Session{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		TimeoutMinutes:    timeout,
		WarningMinutes:    warning,
		LastActivityAt:    now,
		TwoFactorVerified: twoFactorVerified,
		CreatedAt:         now,
	}
	if err := s.store.Save(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start session")
	}
	s.startMonitor(user.ID, session.ID)
	return session, nil
}

// Touch records activity. It cancels a pending warning and fails once the session has expired.
func (s *SessionService) Touch(ctx context.Context, userID, sessionID string) (models.SessionStatus, error) {
	session, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return models.SessionStatus{}, err
	}
	now := s.now().UTC()
	if EvaluateSession(session, now).State == models.SessionExpired {
		return models.SessionStatus{}, appErrors.Clone(appErrors.ErrSessionExpired, "")
	}
	if err := s.store.Touch(ctx, userID, now, sessionTTL(session)); err != nil {
		return models.SessionStatus{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record activity")
	}
	session.LastActivityAt = now
	return EvaluateSession(session, now), nil
}

// Extend re-validates the principal and resets idle time.
func (s *SessionService) Extend(ctx context.Context, userID, sessionID string) (models.SessionStatus, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SessionStatus{}, appErrors.Clone(appErrors.ErrUnauthorized, "principal no longer exists")
		}
		return models.SessionStatus{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return models.SessionStatus{}, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}
	return s.Touch(ctx, userID, sessionID)
}

// Status evaluates the session without recording activity.
func (s *SessionService) Status(ctx context.Context, userID, sessionID string) (models.SessionStatus, error) {
	session, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return models.SessionStatus{}, err
	}
	return EvaluateSession(session, s.now().UTC()), nil
}

// Session returns the live session record.
func (s *SessionService) Session(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return s.load(ctx, userID, sessionID)
}

// End deletes the session and stops its monitor. Nothing happens when the principal has
// since started a different session.
func (s *SessionService) End(ctx context.Context, userID, sessionID string) error {
	s.stopMonitor(userID, sessionID)
	if _, err := s.store.Delete(ctx, userID, sessionID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to end session")
	}
	return nil
}

// UpdateTimeouts stores new thresholds for the actor and applies them to the live session.
func (s *SessionService) UpdateTimeouts(ctx context.Context, actor models.Principal, req models.SessionTimeoutRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "timeout must be 5-240 minutes and warning shorter than timeout")
	}
	if req.TimeoutMinutes < minSessionTimeout || req.TimeoutMinutes > maxSessionTimeout || req.WarningMinutes < 1 || req.WarningMinutes >= req.TimeoutMinutes {
		return appErrors.Clone(appErrors.ErrValidation, "timeout must be 5-240 minutes and warning shorter than timeout")
	}

	if err := s.users.UpdateSessionTimeouts(ctx, actor.ID, req.TimeoutMinutes, req.WarningMinutes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session timeouts")
	}
	if err := s.store.UpdateTimeouts(ctx, actor.ID, req.TimeoutMinutes, req.WarningMinutes); err != nil {
		s.logger.Warn("live session kept previous thresholds", zap.String("user_id", actor.ID), zap.Error(err))
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionUpdateSessionTimeout,
		Resource:    models.AuditResourceSession,
		ResourceID:  actor.ID,
		Detail:      map[string]interface{}{"timeout_minutes": req.TimeoutMinutes, "warning_minutes": req.WarningMinutes},
	})
	return nil
}

// IssueStepUp opens a challenge the principal answers with a current authenticator code.
func (s *SessionService) IssueStepUp(ctx context.Context, userID string) (*models.StepUpChallenge, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "principal no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.TwoFactorEnabled || user.TOTPSecret == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "two-factor authentication must be enabled for step-up")
	}

	challenge := &models.StepUpChallenge{ID: uuid.NewString(), ExpiresAt: s.now().UTC().Add(s.config.ChallengeTTL)}
	if err := s.store.SaveChallenge(ctx, challenge.ID, userID, s.config.ChallengeTTL); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue challenge")
	}
	return challenge, nil
}

// VerifyStepUp answers a challenge. A challenge is spent by the first attempt, right or wrong.
func (s *SessionService) VerifyStepUp(ctx context.Context, userID string, req models.StepUpVerifyRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid step-up payload")
	}

	owner, err := s.store.TakeChallenge(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return appErrors.Clone(appErrors.ErrUnauthorized, "challenge expired or already used")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load challenge")
	}
	if owner != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "challenge belongs to another principal")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if user.TOTPSecret == nil {
		return appErrors.Clone(appErrors.ErrValidation, "two-factor authentication must be enabled for step-up")
	}
	secret, err := s.secrets.DecryptString(ctx, *user.TOTPSecret)
	if err != nil {
		return err
	}

	verified := validTOTP(req.Code, secret, s.now())
	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: userID,
		Action:      models.AuditActionStepUp,
		Resource:    models.AuditResourceSession,
		ResourceID:  req.ChallengeID,
		Detail:      map[string]interface{}{"verified": verified},
	})
	if !verified {
		return appErrors.Clone(appErrors.ErrUnauthorized, "invalid verification code")
	}

	if err := s.store.MarkStepUp(ctx, userID); err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return appErrors.Clone(appErrors.ErrSessionExpired, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record step-up")
	}
	return nil
}

// ConsumeStepUp spends a verified step-up. Without one it returns ErrStepUpRequired.
func (s *SessionService) ConsumeStepUp(ctx context.Context, userID string) error {
	ok, err := s.store.ConsumeStepUp(ctx, userID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check step-up")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrStepUpRequired, "")
	}
	return nil
}

// Stop halts every monitor and waits for them to exit.
func (s *SessionService) Stop() {
	s.mu.Lock()
	s.stopped = true
	for userID, mon := range s.monitors {
		mon.cancel()
		delete(s.monitors, userID)
	}
	s.metrics.SetMonitoredSessions(0)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *SessionService) load(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	session, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, appErrors.Clone(appErrors.ErrSessionExpired, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if sessionID != "" && session.ID != sessionID {
		return nil, appErrors.Clone(appErrors.ErrSessionExpired, "session replaced by a newer login")
	}
	return session, nil
}

func (s *SessionService) thresholdsFor(user *models.User) (int, int) {
	timeout := int(s.config.DefaultTimeout / time.Minute)
	warning := int(s.config.DefaultWarning / time.Minute)
	if user.SessionTimeoutMinutes >= minSessionTimeout && user.SessionTimeoutMinutes <= maxSessionTimeout {
		timeout = user.SessionTimeoutMinutes
	}
	if user.SessionWarningMinutes >= 1 {
		warning = user.SessionWarningMinutes
	}
	if warning >= timeout {
		warning = timeout - 1
	}
	return timeout, warning
}

func (s *SessionService) startMonitor(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.monitors[userID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	mon := &sessionMonitor{sessionID: sessionID, cancel: cancel}
	s.monitors[userID] = mon
	s.metrics.SetMonitoredSessions(len(s.monitors))

	s.wg.Add(1)
	go s.runMonitor(ctx, userID, mon)
}

func (s *SessionService) stopMonitor(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mon, ok := s.monitors[userID]; ok && mon.sessionID == sessionID {
		mon.cancel()
		delete(s.monitors, userID)
		s.metrics.SetMonitoredSessions(len(s.monitors))
	}
}

// detach stops mon and reports whether it was still the principal's current monitor.
func (s *SessionService) detach(userID string, mon *sessionMonitor) bool {
	mon.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitors[userID] != mon {
		return false
	}
	delete(s.monitors, userID)
	s.metrics.SetMonitoredSessions(len(s.monitors))
	return true
}

func (s *SessionService) runMonitor(ctx context.Context, userID string, mon *sessionMonitor) {
	defer s.wg.Done()
	defer mon.cancel()
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.check(ctx, userID, mon) {
				return
			}
		}
	}
}

// check evaluates one monitored session and reports whether monitoring is over.
func (s *SessionService) check(ctx context.Context, userID string, mon *sessionMonitor) bool {
	session, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			// The key lapsed without an End call, so the principal went idle.
			if ctx.Err() == nil {
				s.expire(ctx, userID, mon)
			}
			return true
		}
		s.logger.Warn("session check failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if session.ID != mon.sessionID {
		s.detach(userID, mon)
		return true
	}

	status := EvaluateSession(session, s.now().UTC())
	switch status.State {
	case models.SessionExpired:
		s.expire(ctx, userID, mon)
		return true
	case models.SessionWarning:
		if mon.warned.CompareAndSwap(false, true) {
			s.mu.Lock()
			warn := s.onWarning
			s.mu.Unlock()
			if warn != nil {
				warn(userID, status)
			}
		}
	default:
		mon.warned.Store(false)
	}
	return false
}

func (s *SessionService) expire(ctx context.Context, userID string, mon *sessionMonitor) {
	if !mon.expired.CompareAndSwap(false, true) {
		return
	}
	if !s.detach(userID, mon) {
		return
	}
	s.metrics.RecordSessionExpired()
	s.logger.Info("session expired", zap.String("user_id", userID), zap.String("session_id", mon.sessionID))

	callbackCtx := context.WithoutCancel(ctx)
	s.audit.Record(callbackCtx, models.AuditRecord{
		PrincipalID: userID,
		Action:      models.AuditActionSessionExpired,
		Resource:    models.AuditResourceSession,
		ResourceID:  mon.sessionID,
	})

	s.mu.Lock()
	timeout := s.onTimeout
	s.mu.Unlock()
	timeout(callbackCtx, userID, mon.sessionID)
}

func sessionTTL(session *models.Session) time.Duration {
	return 2 * time.Duration(session.TimeoutMinutes) * time.Minute
}
