package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const invalidCredentialsText = "invalid email or password"

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	SetPendingTOTPSecret(ctx context.Context, id string, secret *string) error
	EnableTwoFactor(ctx context.Context, id, secret string) error
	DisableTwoFactor(ctx context.Context, id string) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenSecret     string
	AccessTokenExpiry     time.Duration
	Issuer                string
	TOTPIssuer            string
	DefaultSessionTimeout time.Duration
	DefaultSessionWarning time.Duration
}

// AuthService is the identity facade: credentials, second factor, sessions and the
// audit trail of each transition.
type AuthService struct {
	repo        authUserRepository
	sessions    *SessionService
	permissions *PermissionService
	secrets     secretCipher
	audit       auditRecorder
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
	config      AuthConfig
	now         func() time.Time
}

// NewAuthService constructs an AuthService instance and makes it the idle-timeout handler.
func NewAuthService(repo authUserRepository, sessions *SessionService, permissions *PermissionService, secrets secretCipher, audit auditRecorder, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.AccessTokenExpiry <= 0 {
		config.AccessTokenExpiry = 12 * time.Hour
	}
	if config.TOTPIssuer == "" {
		config.TOTPIssuer = "uni-connect"
	}
	svc := &AuthService{
		repo:        repo,
		sessions:    sessions,
		permissions: permissions,
		secrets:     secrets,
		audit:       audit,
		validator:   validate,
		logger:      logger,
		metrics:     metrics,
		config:      config,
		now:         time.Now,
	}
	sessions.OnTimeout(svc.logoutExpired)
	return svc
}

// Login authenticates a user, starts their session and issues an access token.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}
	email := req.Email

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.loginFailed(ctx, "", email, "unknown_email")
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, invalidCredentialsText)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.loginFailed(ctx, user.ID, email, "bad_password")
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, invalidCredentialsText)
	}

	if !user.Active {
		s.loginFailed(ctx, user.ID, email, "inactive")
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	if user.TwoFactorEnabled {
		if req.OTPCode == "" {
			s.metrics.RecordLogin("mfa_required")
			return nil, appErrors.Clone(appErrors.ErrMFARequired, "")
		}
		ok, err := s.checkCode(ctx, user.TOTPSecret, req.OTPCode)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.loginFailed(ctx, user.ID, email, "bad_otp")
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, invalidCredentialsText)
		}
	}

	session, err := s.sessions.Start(ctx, user, user.TwoFactorEnabled)
	if err != nil {
		return nil, err
	}

	issuedAt := s.now().UTC()
	accessToken, err := s.generateAccessToken(user, session.ID, issuedAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, issuedAt); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: user.ID,
		Action:      models.AuditActionLogin,
		Resource:    models.AuditResourceAuth,
		ResourceID:  user.ID,
		Detail:      map[string]interface{}{"session_id": session.ID, "two_factor": user.TwoFactorEnabled},
	})
	s.metrics.RecordLogin("success")

	return &models.LoginResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.config.AccessTokenExpiry.Seconds()),
		User:        models.NewUserInfo(user),
		Session:     EvaluateSession(session, issuedAt),
		IssuedAt:    issuedAt,
	}, nil
}

// Logout records the logout and ends the principal's session.
func (s *AuthService) Logout(ctx context.Context, claims *models.JWTClaims) error {
	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: claims.UserID,
		Action:      models.AuditActionLogout,
		Resource:    models.AuditResourceAuth,
		ResourceID:  claims.UserID,
		Detail:      map[string]interface{}{"session_id": claims.SessionID},
	})
	return s.sessions.End(ctx, claims.UserID, claims.SessionID)
}

// Register creates a principal. Only a super_admin may pick a role other than student.
func (s *AuthService) Register(ctx context.Context, actor *models.Principal, req models.RegisterRequest) (*models.UserInfo, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	role := req.Role
	if role == "" {
		role = models.RoleStudent
	}
	if role != models.RoleStudent && (actor == nil || actor.Role != models.RoleSuperAdmin) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only a super_admin may assign that role")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:                    uuid.NewString(),
		Email:                 req.Email,
		PasswordHash:          string(hash),
		FullName:              strings.TrimSpace(req.FullName),
		Role:                  role,
		Active:                true,
		SessionTimeoutMinutes: int(s.config.DefaultSessionTimeout / time.Minute),
		SessionWarningMinutes: int(s.config.DefaultSessionWarning / time.Minute),
	}
	if institution := strings.TrimSpace(req.InstitutionID); institution != "" {
		user.InstitutionID = &institution
	}

	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, appErrors.ErrConflict) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	createdBy := user.ID
	if actor != nil {
		createdBy = actor.ID
	}
	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: createdBy,
		Action:      models.AuditActionRegister,
		Resource:    models.AuditResourceAuth,
		ResourceID:  user.ID,
		Detail:      map[string]interface{}{"role": role},
	})

	info := models.NewUserInfo(user)
	return &info, nil
}

// ChangePassword changes the password for the given user ID.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return appErrors.Clone(appErrors.ErrForbidden, "old password does not match")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.repo.UpdatePassword(ctx, userID, string(newHash), s.now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: userID,
		Action:      models.AuditActionUpdate,
		Resource:    models.AuditResourcePassword,
		ResourceID:  userID,
	})
	return nil
}

// BeginTwoFactorEnrollment generates a TOTP secret held as pending until confirmed.
func (s *AuthService) BeginTwoFactorEnrollment(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, appErrors.Clone(appErrors.ErrConflict, "two-factor authentication is already enabled")
	}

	key, err := newTOTPKey(s.config.TOTPIssuer, user.Email)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate secret")
	}
	sealed, err := s.secrets.EncryptString(ctx, key.Secret())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetPendingTOTPSecret(ctx, userID, &sealed); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store secret")
	}

	return &models.TwoFactorEnrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// ConfirmTwoFactor turns 2FA on once the user proves they hold the pending secret.
func (s *AuthService) ConfirmTwoFactor(ctx context.Context, userID string, req models.TwoFactorCodeRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid code")
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TOTPPendingSecret == nil {
		return appErrors.Clone(appErrors.ErrValidation, "no two-factor enrollment in progress")
	}

	ok, err := s.checkCode(ctx, user.TOTPPendingSecret, req.Code)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrUnauthorized, "invalid verification code")
	}
	if err := s.repo.EnableTwoFactor(ctx, userID, *user.TOTPPendingSecret); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enable two-factor authentication")
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: userID,
		Action:      models.AuditActionEnable2FA,
		Resource:    models.AuditResourceAuth,
		ResourceID:  userID,
	})
	return nil
}

// DisableTwoFactor clears the secret after re-confirming with a current code.
func (s *AuthService) DisableTwoFactor(ctx context.Context, userID string, req models.TwoFactorCodeRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid code")
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return appErrors.Clone(appErrors.ErrValidation, "two-factor authentication is not enabled")
	}

	ok, err := s.checkCode(ctx, user.TOTPSecret, req.Code)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrUnauthorized, "invalid verification code")
	}
	if err := s.repo.DisableTwoFactor(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to disable two-factor authentication")
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: userID,
		Action:      models.AuditActionDisable2FA,
		Resource:    models.AuditResourceAuth,
		ResourceID:  userID,
	})
	return nil
}

// Me returns the public profile of the principal.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	info := models.NewUserInfo(user)
	return &info, nil
}

// HasPermission answers what the presentation layer may offer. It does not enforce.
func (s *AuthService) HasPermission(principal models.Principal, resource, action string) models.PermissionCheck {
	return models.PermissionCheck{
		Resource: resource,
		Action:   action,
		Allowed:  s.permissions.HasPermission(principal, resource, action),
	}
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

// logoutExpired is the idle-timeout handler.
func (s *AuthService) logoutExpired(ctx context.Context, userID, sessionID string) {
	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: userID,
		Action:      models.AuditActionLogout,
		Resource:    models.AuditResourceAuth,
		ResourceID:  userID,
		Detail:      map[string]interface{}{"session_id": sessionID, "reason": "idle_timeout"},
	})
	if err := s.sessions.End(ctx, userID, sessionID); err != nil {
		s.logger.Warn("failed to end expired session", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *AuthService) loginFailed(ctx context.Context, userID, email, reason string) {
	s.metrics.RecordLogin("failed")
	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: userID,
		Action:      models.AuditActionLoginFailed,
		Resource:    models.AuditResourceAuth,
		ResourceID:  userID,
		Detail:      map[string]interface{}{"email": email, "reason": reason},
	})
}

func (s *AuthService) checkCode(ctx context.Context, sealed *string, code string) (bool, error) {
	if sealed == nil {
		return false, nil
	}
	secret, err := s.secrets.DecryptString(ctx, *sealed)
	if err != nil {
		return false, err
	}
	return validTOTP(code, secret, s.now()), nil
}

func (s *AuthService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

func (s *AuthService) generateAccessToken(user *models.User, sessionID string, issuedAt time.Time) (string, error) {
	expiresAt := issuedAt.Add(s.config.AccessTokenExpiry)
	claims := &models.JWTClaims{
		UserID:        user.ID,
		Role:          user.Role,
		Email:         user.Email,
		FullName:      user.FullName,
		InstitutionID: user.Institution(),
		SessionID:     sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.AccessTokenSecret))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
