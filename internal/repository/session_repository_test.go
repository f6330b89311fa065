package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSessionRepositorySaveAndGet(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)
	ctx := context.Background()

	last := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, &models.Session{
		ID:                "sess-1",
		UserID:            "u1",
		TimeoutMinutes:    30,
		WarningMinutes:    5,
		LastActivityAt:    last,
		TwoFactorVerified: true,
		CreatedAt:         last,
	}))

	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, 30, got.TimeoutMinutes)
	assert.True(t, got.TwoFactorVerified)
	assert.False(t, got.StepUpVerified)
	assert.True(t, last.Equal(got.LastActivityAt))
	assert.Equal(t, 60*time.Minute, mr.TTL("session:u1"))
}

func TestSessionRepositorySaveReplacesPrevious(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Save(ctx, &models.Session{ID: "old", UserID: "u1", TimeoutMinutes: 30, WarningMinutes: 5, StepUpVerified: true, LastActivityAt: now}))
	require.NoError(t, repo.Save(ctx, &models.Session{ID: "new", UserID: "u1", TimeoutMinutes: 30, WarningMinutes: 5, LastActivityAt: now}))

	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
	assert.False(t, got.StepUpVerified)
}

func TestSessionRepositoryGetMissing(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)

	_, err := repo.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestSessionRepositoryConsumeStepUpOnce(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.Session{ID: "s", UserID: "u1", TimeoutMinutes: 30, WarningMinutes: 5, LastActivityAt: time.Now()}))

	ok, err := repo.ConsumeStepUp(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.MarkStepUp(ctx, "u1"))
	ok, err = repo.ConsumeStepUp(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ConsumeStepUp(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionRepositoryMarkStepUpWithoutSession(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)

	err := repo.MarkStepUp(context.Background(), "ghost")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestSessionRepositoryChallengeValidOnce(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)
	ctx := context.Background()

	require.NoError(t, repo.SaveChallenge(ctx, "c1", "u1", 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("stepup:c1"))

	owner, err := repo.TakeChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)

	_, err = repo.TakeChallenge(ctx, "c1")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestSessionRepositoryChallengeExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)
	ctx := context.Background()

	require.NoError(t, repo.SaveChallenge(ctx, "c2", "u1", 5*time.Minute))
	mr.FastForward(5*time.Minute + time.Second)

	_, err := repo.TakeChallenge(ctx, "c2")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestSessionRepositoryUpdateTimeoutsWithoutSession(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)

	require.NoError(t, repo.UpdateTimeouts(context.Background(), "u1", 45, 10))
	assert.False(t, mr.Exists("session:u1"))
}

func TestSessionRepositoryUpdateTimeoutsResetsLifetime(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.Session{ID: "s", UserID: "u1", TimeoutMinutes: 30, WarningMinutes: 5, LastActivityAt: time.Now()}))
	require.NoError(t, repo.UpdateTimeouts(ctx, "u1", 240, 10))
	assert.Equal(t, 8*time.Hour, mr.TTL("session:u1"))

	mr.FastForward(61 * time.Minute)
	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 240, got.TimeoutMinutes)
	assert.Equal(t, 10, got.WarningMinutes)
}

func TestSessionRepositoryDeleteChecksSessionID(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewSessionRepository(client, nil)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.Session{ID: "new", UserID: "u1", TimeoutMinutes: 30, WarningMinutes: 5, LastActivityAt: time.Now()}))

	deleted, err := repo.Delete(ctx, "u1", "old")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, mr.Exists("session:u1"))

	deleted, err = repo.Delete(ctx, "u1", "new")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("session:u1"))

	deleted, err = repo.Delete(ctx, "u1", "new")
	require.NoError(t, err)
	assert.False(t, deleted)
}
