package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const testPassword = "Password123!"

type authFixture struct {
	*sessionFixture
	auth    *AuthService
	metrics *MetricsService
}

func newAuthFixture(t *testing.T, users ...*models.User) *authFixture {
	t.Helper()
	f := newSessionFixture(t, users...)
	metrics := NewMetricsService()
	auth := NewAuthService(f.users, f.svc, newTestPermissions(t, metrics), f.cipher, f.audit, nil, nil, metrics, AuthConfig{
		AccessTokenSecret:     "test-secret",
		AccessTokenExpiry:     time.Hour,
		Issuer:                "uni-connect-test",
		DefaultSessionTimeout: 30 * time.Minute,
		DefaultSessionWarning: 5 * time.Minute,
	})
	auth.now = f.clock.Now
	return &authFixture{sessionFixture: f, auth: auth, metrics: metrics}
}

func userWithPassword(t *testing.T, id, email string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.User{ID: id, Email: email, PasswordHash: string(hash), FullName: "Ada Student", Role: models.RoleStudent, Active: true}
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	ctx := context.Background()

	resp, err := f.auth.Login(ctx, models.LoginRequest{Email: "Ada@Example.edu ", Password: testPassword})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "u1", resp.User.ID)
	assert.Equal(t, models.SessionActive, resp.Session.State)
	assert.Equal(t, 30, resp.Session.TimeLeftMinutes)

	claims, err := f.auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, resp.Session.SessionID, claims.SessionID)
	assert.Equal(t, "uni-connect-test", claims.Issuer)

	assert.Equal(t, []string{models.AuditActionLogin}, f.audit.actions())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.loginAttempts.WithLabelValues("success")))
	_, touched := f.users.lastLogin["u1"]
	assert.True(t, touched)
}

func TestLoginFailuresShareOneError(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	ctx := context.Background()

	_, unknown := f.auth.Login(ctx, models.LoginRequest{Email: "nobody@example.edu", Password: testPassword})
	_, wrong := f.auth.Login(ctx, models.LoginRequest{Email: "ada@example.edu", Password: "not-it"})

	require.ErrorIs(t, unknown, appErrors.ErrInvalidCredentials)
	require.ErrorIs(t, wrong, appErrors.ErrInvalidCredentials)
	assert.Equal(t, unknown.Error(), wrong.Error())
	assert.Equal(t, []string{models.AuditActionLoginFailed, models.AuditActionLoginFailed}, f.audit.actions())
	assert.False(t, f.redis.Exists("session:u1"))
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	user := userWithPassword(t, "u1", "ada@example.edu")
	user.Active = false
	f := newAuthFixture(t, user)

	_, err := f.auth.Login(context.Background(), models.LoginRequest{Email: "ada@example.edu", Password: testPassword})
	assert.ErrorIs(t, err, appErrors.ErrInactiveAccount)
}

func TestLoginValidatesPayload(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.auth.Login(context.Background(), models.LoginRequest{Email: "not-an-email", Password: "x"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestLoginRequiresSecondFactorWhenEnabled(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	ctx := context.Background()
	secret := enrolledUser(t, f.sessionFixture, "u1")

	_, err := f.auth.Login(ctx, models.LoginRequest{Email: "ada@example.edu", Password: testPassword})
	assert.ErrorIs(t, err, appErrors.ErrMFARequired)

	_, err = f.auth.Login(ctx, models.LoginRequest{Email: "ada@example.edu", Password: testPassword, OTPCode: "123456"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	resp, err := f.auth.Login(ctx, models.LoginRequest{Email: "ada@example.edu", Password: testPassword, OTPCode: code})
	require.NoError(t, err)

	session, err := f.svc.Session(ctx, "u1", resp.Session.SessionID)
	require.NoError(t, err)
	assert.True(t, session.TwoFactorVerified)
}

func TestLoginSucceedsWhenAuditStoreFails(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	failing := &auditRepoMock{createFn: func(ctx context.Context, entry *models.AuditLog) error {
		return errors.New("audit table locked")
	}}
	f.auth.audit = NewAuditService(failing, newTestPermissions(t, f.metrics), nil, f.metrics, AuditConfig{})

	resp, err := f.auth.Login(context.Background(), models.LoginRequest{Email: "ada@example.edu", Password: testPassword})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.auditWriteFailures.WithLabelValues(models.AuditActionLogin)))
}

func TestLogoutEndsSession(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	ctx := context.Background()

	resp, err := f.auth.Login(ctx, models.LoginRequest{Email: "ada@example.edu", Password: testPassword})
	require.NoError(t, err)
	claims, err := f.auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.auth.Logout(ctx, claims))
	_, err = f.svc.Status(ctx, "u1", claims.SessionID)
	assert.ErrorIs(t, err, appErrors.ErrSessionExpired)
	assert.Equal(t, []string{models.AuditActionLogin, models.AuditActionLogout}, f.audit.actions())
}

func TestIdleTimeoutLogsOut(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	ctx := context.Background()

	_, err := f.auth.Login(ctx, models.LoginRequest{Email: "ada@example.edu", Password: testPassword})
	require.NoError(t, err)

	f.clock.Set(f.start.Add(30 * time.Minute))
	assert.True(t, checkNow(f.svc, "u1"))
	assert.False(t, f.redis.Exists("session:u1"))
	assert.Equal(t, []string{models.AuditActionLogin, models.AuditActionSessionExpired, models.AuditActionLogout}, f.audit.actions())
}

func TestRegisterNormalizesEmail(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	info, err := f.auth.Register(ctx, nil, models.RegisterRequest{Email: " Grace@Example.EDU", Password: "longenough", FullName: "Grace"})
	require.NoError(t, err)
	assert.Equal(t, "grace@example.edu", f.users.get(info.ID).Email)

	_, err = f.auth.Login(ctx, models.LoginRequest{Email: "GRACE@example.edu", Password: "longenough"})
	assert.NoError(t, err)
}

func TestRegisterRoles(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	info, err := f.auth.Register(ctx, nil, models.RegisterRequest{Email: "new@example.edu", Password: "longenough", FullName: "New Student"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleStudent, info.Role)
	assert.Equal(t, 30, f.users.get(info.ID).SessionTimeoutMinutes)

	_, err = f.auth.Register(ctx, nil, models.RegisterRequest{Email: "boss@example.edu", Password: "longenough", FullName: "Boss", Role: models.RoleAdmin})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	admin := &models.Principal{ID: "root", Role: models.RoleSuperAdmin}
	info, err = f.auth.Register(ctx, admin, models.RegisterRequest{Email: "ia@example.edu", Password: "longenough", FullName: "IA", Role: models.RoleInstitutionAdmin, InstitutionID: "inst-1"})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", info.InstitutionID)

	_, err = f.auth.Register(ctx, nil, models.RegisterRequest{Email: "new@example.edu", Password: "longenough", FullName: "Dup"})
	assert.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Equal(t, []string{models.AuditActionRegister, models.AuditActionRegister}, f.audit.actions())
}

func TestChangePassword(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	ctx := context.Background()

	err := f.auth.ChangePassword(ctx, "u1", models.ChangePasswordRequest{OldPassword: "wrong", NewPassword: "BrandNew123"})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	require.NoError(t, f.auth.ChangePassword(ctx, "u1", models.ChangePasswordRequest{OldPassword: testPassword, NewPassword: "BrandNew123"}))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(f.users.get("u1").PasswordHash), []byte("BrandNew123")))
	assert.Equal(t, []string{models.AuditActionUpdate}, f.audit.actions())
}

func TestTwoFactorEnrollment(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))
	ctx := context.Background()

	enrollment, err := f.auth.BeginTwoFactorEnrollment(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, enrollment.ProvisioningURI, "otpauth://totp/")
	pending := f.users.get("u1").TOTPPendingSecret
	require.NotNil(t, pending)
	assert.NotContains(t, *pending, enrollment.Secret, "the secret is stored sealed")

	err = f.auth.ConfirmTwoFactor(ctx, "u1", models.TwoFactorCodeRequest{Code: "000000"})
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	code, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.auth.ConfirmTwoFactor(ctx, "u1", models.TwoFactorCodeRequest{Code: code}))
	assert.True(t, f.users.get("u1").TwoFactorEnabled)

	_, err = f.auth.BeginTwoFactorEnrollment(ctx, "u1")
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	require.NoError(t, f.auth.DisableTwoFactor(ctx, "u1", models.TwoFactorCodeRequest{Code: code}))
	assert.False(t, f.users.get("u1").TwoFactorEnabled)
	assert.Equal(t, []string{models.AuditActionEnable2FA, models.AuditActionDisable2FA}, f.audit.actions())
}

func TestValidateTokenRejectsForgery(t *testing.T) {
	f := newAuthFixture(t, userWithPassword(t, "u1", "ada@example.edu"))

	resp, err := f.auth.Login(context.Background(), models.LoginRequest{Email: "ada@example.edu", Password: testPassword})
	require.NoError(t, err)

	other := newAuthFixture(t)
	other.auth.config.AccessTokenSecret = "different"
	_, err = other.auth.ValidateToken(resp.AccessToken)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	f.clock.Set(f.start.Add(2 * time.Hour))
	_, err = f.auth.ValidateToken(resp.AccessToken)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestHasPermissionAffordance(t *testing.T) {
	f := newAuthFixture(t)

	student := models.Principal{ID: "s", Role: models.RoleStudent}
	assert.True(t, f.auth.HasPermission(student, "application", "read_own").Allowed)
	assert.False(t, f.auth.HasPermission(student, "application", "read").Allowed)

	scoped := models.Principal{ID: "ia", Role: models.RoleInstitutionAdmin}
	assert.True(t, f.auth.HasPermission(scoped, "application", "read").Allowed)
}
