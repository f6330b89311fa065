package service

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	"github.com/max-254/Uni-connect-sub002/internal/repository"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

type mockUserRepo struct {
	mu        sync.Mutex
	users     map[string]*models.User
	findErr   error
	lastLogin map[string]time.Time
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	m := &mockUserRepo{users: map[string]*models.User{}, lastLogin: map[string]time.Time{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserRepo) get(id string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id]
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogin[id] = ts
	return nil
}

func (m *mockUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	return m.mutate(id, func(u *models.User) { u.PasswordHash = passwordHash })
}

func (m *mockUserRepo) SetPendingTOTPSecret(ctx context.Context, id string, secret *string) error {
	return m.mutate(id, func(u *models.User) { u.TOTPPendingSecret = secret })
}

func (m *mockUserRepo) EnableTwoFactor(ctx context.Context, id, secret string) error {
	return m.mutate(id, func(u *models.User) {
		u.TwoFactorEnabled = true
		u.TOTPSecret = &secret
		u.TOTPPendingSecret = nil
	})
}

func (m *mockUserRepo) DisableTwoFactor(ctx context.Context, id string) error {
	return m.mutate(id, func(u *models.User) {
		u.TwoFactorEnabled = false
		u.TOTPSecret = nil
		u.TOTPPendingSecret = nil
	})
}

func (m *mockUserRepo) UpdateSessionTimeouts(ctx context.Context, id string, timeoutMinutes, warningMinutes int) error {
	return m.mutate(id, func(u *models.User) {
		u.SessionTimeoutMinutes = timeoutMinutes
		u.SessionWarningMinutes = warningMinutes
	})
}

func (m *mockUserRepo) mutate(id string, fn func(u *models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	fn(u)
	return nil
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type sessionFixture struct {
	svc    *SessionService
	users  *mockUserRepo
	audit  *auditSpy
	clock  *testClock
	redis  *miniredis.Miniredis
	cipher *CipherService
	start  time.Time
}

func newSessionFixture(t *testing.T, users ...*models.User) *sessionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	start := time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	cipherSvc, metrics := newTestCipher(t, newMemoryKeyRepo())
	repo := newMockUserRepo(users...)
	audit := &auditSpy{}

	svc := NewSessionService(repository.NewSessionRepository(client, nil), repo, cipherSvc, audit, nil, nil, metrics, SessionConfig{
		DefaultTimeout: 30 * time.Minute,
		DefaultWarning: 5 * time.Minute,
		CheckInterval:  time.Hour,
	})
	svc.now = clock.Now
	t.Cleanup(svc.Stop)

	return &sessionFixture{svc: svc, users: repo, audit: audit, clock: clock, redis: mr, cipher: cipherSvc, start: start}
}

// checkNow runs one monitor evaluation outside the ticker.
func checkNow(svc *SessionService, userID string) bool {
	svc.mu.Lock()
	mon, ok := svc.monitors[userID]
	svc.mu.Unlock()
	if !ok {
		return true
	}
	return svc.check(context.Background(), userID, mon)
}

func activeUser(id string) *models.User {
	return &models.User{ID: id, Email: id + "@example.edu", Role: models.RoleStudent, Active: true}
}

func TestEvaluateSession(t *testing.T) {
	last := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	session := &models.Session{ID: "s1", TimeoutMinutes: 30, WarningMinutes: 5, LastActivityAt: last}

	cases := []struct {
		name     string
		idle     time.Duration
		state    models.SessionState
		timeLeft int
	}{
		{"fresh", 0, models.SessionActive, 30},
		{"clock skew", -time.Minute, models.SessionActive, 30},
		{"before warning", 24 * time.Minute, models.SessionActive, 6},
		{"warning boundary", 25 * time.Minute, models.SessionWarning, 5},
		{"warning", 26 * time.Minute, models.SessionWarning, 4},
		{"last seconds", 29*time.Minute + 30*time.Second, models.SessionWarning, 1},
		{"timeout boundary", 30 * time.Minute, models.SessionExpired, 0},
		{"long gone", 3 * time.Hour, models.SessionExpired, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := EvaluateSession(session, last.Add(tc.idle))
			assert.Equal(t, tc.state, status.State)
			assert.Equal(t, tc.timeLeft, status.TimeLeftMinutes)
			assert.Equal(t, "s1", status.SessionID)
		})
	}
}

func TestSessionIdleScenario(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()

	var warnings, timeouts atomic.Int32
	var warnedLeft atomic.Int32
	f.svc.OnWarning(func(userID string, status models.SessionStatus) {
		warnings.Add(1)
		warnedLeft.Store(int32(status.TimeLeftMinutes))
	})
	f.svc.OnTimeout(func(ctx context.Context, userID, sessionID string) {
		timeouts.Add(1)
	})

	session, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)

	f.clock.Set(f.start.Add(24 * time.Minute))
	assert.False(t, checkNow(f.svc, "u1"))
	status, err := f.svc.Status(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, status.State)
	assert.Zero(t, warnings.Load())

	f.clock.Set(f.start.Add(26 * time.Minute))
	assert.False(t, checkNow(f.svc, "u1"))
	f.clock.Set(f.start.Add(27 * time.Minute))
	assert.False(t, checkNow(f.svc, "u1"))
	assert.Equal(t, int32(1), warnings.Load())
	assert.Equal(t, int32(4), warnedLeft.Load())

	f.clock.Set(f.start.Add(30 * time.Minute))
	assert.True(t, checkNow(f.svc, "u1"))
	assert.True(t, checkNow(f.svc, "u1"))
	assert.Equal(t, int32(1), timeouts.Load())

	_, err = f.svc.Touch(ctx, "u1", session.ID)
	assert.ErrorIs(t, err, appErrors.ErrSessionExpired)
	assert.Equal(t, int32(1), timeouts.Load())
	assert.Contains(t, f.audit.actions(), models.AuditActionSessionExpired)
}

func TestSessionTouchResetsWarning(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()

	var warnings atomic.Int32
	f.svc.OnWarning(func(string, models.SessionStatus) { warnings.Add(1) })

	session, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)

	f.clock.Set(f.start.Add(26 * time.Minute))
	checkNow(f.svc, "u1")
	require.Equal(t, int32(1), warnings.Load())

	status, err := f.svc.Touch(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, status.State)
	assert.Equal(t, 30, status.TimeLeftMinutes)
	checkNow(f.svc, "u1")

	f.clock.Set(f.start.Add(52 * time.Minute))
	checkNow(f.svc, "u1")
	assert.Equal(t, int32(2), warnings.Load(), "a new idle period warns again")
}

func TestSessionExpiryEndsSessionByDefault(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)

	f.clock.Set(f.start.Add(31 * time.Minute))
	assert.True(t, checkNow(f.svc, "u1"))
	assert.False(t, f.redis.Exists("session:u1"))

	_, err = f.svc.Status(ctx, "u1", session.ID)
	assert.ErrorIs(t, err, appErrors.ErrSessionExpired)
}

func TestSessionExpiryReleasesMonitor(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))

	_, err := f.svc.Start(context.Background(), f.users.get("u1"), false)
	require.NoError(t, err)
	f.clock.Set(f.start.Add(31 * time.Minute))
	require.True(t, checkNow(f.svc, "u1"))

	done := make(chan struct{})
	go func() {
		f.svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expired monitor kept running after Stop")
	}
}

func TestSessionRaisedTimeoutOutlivesOldKeyLifetime(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()
	actor := models.Principal{ID: "u1", Role: models.RoleStudent}

	var timeouts atomic.Int32
	f.svc.OnTimeout(func(ctx context.Context, userID, sessionID string) { timeouts.Add(1) })

	session, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateTimeouts(ctx, actor, models.SessionTimeoutRequest{TimeoutMinutes: 240, WarningMinutes: 10}))
	assert.Equal(t, 8*time.Hour, f.redis.TTL("session:u1"))

	f.redis.FastForward(61 * time.Minute)
	f.clock.Set(f.start.Add(61 * time.Minute))
	assert.False(t, checkNow(f.svc, "u1"))
	status, err := f.svc.Status(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, status.State)
	assert.Equal(t, 179, status.TimeLeftMinutes)

	f.redis.FastForward(180 * time.Minute)
	f.clock.Set(f.start.Add(241 * time.Minute))
	assert.True(t, checkNow(f.svc, "u1"))
	assert.Equal(t, int32(1), timeouts.Load())
}

func TestSessionLapsedKeyFiresTimeoutOnce(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()

	var timeouts atomic.Int32
	f.svc.OnTimeout(func(ctx context.Context, userID, sessionID string) { timeouts.Add(1) })

	_, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)
	f.redis.FastForward(61 * time.Minute)

	assert.True(t, checkNow(f.svc, "u1"))
	assert.True(t, checkNow(f.svc, "u1"))
	assert.Equal(t, int32(1), timeouts.Load())
	assert.Equal(t, []string{models.AuditActionSessionExpired}, f.audit.actions())
}

func TestSessionEndLeavesNewerSession(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)
	second, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)

	require.NoError(t, f.svc.End(ctx, "u1", first.ID))
	_, err = f.svc.Touch(ctx, "u1", second.ID)
	require.NoError(t, err)
	f.svc.mu.Lock()
	mon := f.svc.monitors["u1"]
	f.svc.mu.Unlock()
	require.NotNil(t, mon)
	assert.Equal(t, second.ID, mon.sessionID)

	require.NoError(t, f.svc.End(ctx, "u1", second.ID))
	assert.False(t, f.redis.Exists("session:u1"))
}

func TestSessionStartReplacesPrevious(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)
	second, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.svc.Touch(ctx, "u1", first.ID)
	assert.ErrorIs(t, err, appErrors.ErrSessionExpired)
	_, err = f.svc.Touch(ctx, "u1", second.ID)
	assert.NoError(t, err)
}

func TestSessionUsesStoredThresholds(t *testing.T) {
	user := activeUser("u1")
	user.SessionTimeoutMinutes = 60
	user.SessionWarningMinutes = 10
	f := newSessionFixture(t, user)

	session, err := f.svc.Start(context.Background(), f.users.get("u1"), false)
	require.NoError(t, err)
	assert.Equal(t, 60, session.TimeoutMinutes)
	assert.Equal(t, 10, session.WarningMinutes)
	assert.Equal(t, 2*time.Hour, f.redis.TTL("session:u1"))
}

func TestSessionExtendRevalidatesPrincipal(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)

	f.clock.Set(f.start.Add(27 * time.Minute))
	status, err := f.svc.Extend(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, status.State)
	assert.Zero(t, status.IdleSeconds)

	require.NoError(t, f.users.mutate("u1", func(u *models.User) { u.Active = false }))
	_, err = f.svc.Extend(ctx, "u1", session.ID)
	assert.ErrorIs(t, err, appErrors.ErrInactiveAccount)
}

func TestUpdateTimeoutsValidatesAndPersists(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()
	actor := models.Principal{ID: "u1", Role: models.RoleStudent}

	session, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)

	for _, bad := range []models.SessionTimeoutRequest{
		{TimeoutMinutes: 4, WarningMinutes: 1},
		{TimeoutMinutes: 241, WarningMinutes: 5},
		{TimeoutMinutes: 30, WarningMinutes: 30},
		{TimeoutMinutes: 30, WarningMinutes: 0},
	} {
		assert.ErrorIs(t, f.svc.UpdateTimeouts(ctx, actor, bad), appErrors.ErrValidation)
	}
	assert.Empty(t, f.audit.actions())

	require.NoError(t, f.svc.UpdateTimeouts(ctx, actor, models.SessionTimeoutRequest{TimeoutMinutes: 60, WarningMinutes: 10}))
	assert.Equal(t, 60, f.users.get("u1").SessionTimeoutMinutes)

	status, err := f.svc.Status(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, status.TimeoutMinutes)
	assert.Equal(t, 10, status.WarningMinutes)
	assert.Equal(t, []string{models.AuditActionUpdateSessionTimeout}, f.audit.actions())
}

func enrolledUser(t *testing.T, f *sessionFixture, id string) string {
	t.Helper()
	key, err := newTOTPKey("uni-connect", id+"@example.edu")
	require.NoError(t, err)
	sealed, err := f.cipher.EncryptString(context.Background(), key.Secret())
	require.NoError(t, err)
	require.NoError(t, f.users.EnableTwoFactor(context.Background(), id, sealed))
	return key.Secret()
}

func TestStepUpFlow(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))
	ctx := context.Background()
	secret := enrolledUser(t, f, "u1")

	_, err := f.svc.Start(ctx, f.users.get("u1"), true)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.ConsumeStepUp(ctx, "u1"), appErrors.ErrStepUpRequired)

	challenge, err := f.svc.IssueStepUp(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, f.redis.TTL("stepup:"+challenge.ID))

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.VerifyStepUp(ctx, "u1", models.StepUpVerifyRequest{ChallengeID: challenge.ID, Code: code}))

	assert.NoError(t, f.svc.ConsumeStepUp(ctx, "u1"))
	assert.ErrorIs(t, f.svc.ConsumeStepUp(ctx, "u1"), appErrors.ErrStepUpRequired, "a step-up is spent once")
	assert.Equal(t, []string{models.AuditActionStepUp}, f.audit.actions())
}

func TestStepUpChallengeIsSingleUse(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"), activeUser("u2"))
	ctx := context.Background()
	secret := enrolledUser(t, f, "u1")
	_, err := f.svc.Start(ctx, f.users.get("u1"), true)
	require.NoError(t, err)

	challenge, err := f.svc.IssueStepUp(ctx, "u1")
	require.NoError(t, err)
	err = f.svc.VerifyStepUp(ctx, "u1", models.StepUpVerifyRequest{ChallengeID: challenge.ID, Code: "000000"})
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	err = f.svc.VerifyStepUp(ctx, "u1", models.StepUpVerifyRequest{ChallengeID: challenge.ID, Code: code})
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	other, err := f.svc.IssueStepUp(ctx, "u1")
	require.NoError(t, err)
	err = f.svc.VerifyStepUp(ctx, "u2", models.StepUpVerifyRequest{ChallengeID: other.ID, Code: code})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestStepUpRequiresTwoFactor(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"))

	_, err := f.svc.IssueStepUp(context.Background(), "u1")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestSessionStopHaltsMonitors(t *testing.T) {
	f := newSessionFixture(t, activeUser("u1"), activeUser("u2"))
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.users.get("u1"), false)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, f.users.get("u2"), false)
	require.NoError(t, err)

	f.svc.Stop()
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	assert.Empty(t, f.svc.monitors)
}
