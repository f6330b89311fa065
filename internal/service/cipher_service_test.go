package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

type memoryKeyRepo struct {
	mu        sync.Mutex
	keys      map[string]*models.DataEncryptionKey
	activates int
}

func newMemoryKeyRepo() *memoryKeyRepo {
	return &memoryKeyRepo{keys: make(map[string]*models.DataEncryptionKey)}
}

func (r *memoryKeyRepo) FindActive(ctx context.Context, domain string) (*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.Domain == domain && k.Status == models.KeyStatusActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memoryKeyRepo) FindByID(ctx context.Context, keyID string) (*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *k
	return &cp, nil
}

func (r *memoryKeyRepo) Activate(ctx context.Context, key *models.DataEncryptionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.Domain == key.Domain && k.Status == models.KeyStatusActive {
			k.Status = models.KeyStatusRetired
		}
	}
	key.Status = models.KeyStatusActive
	cp := *key
	r.keys[key.KeyID] = &cp
	r.activates++
	return nil
}

var testMasterKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func newTestCipher(t *testing.T, repo keyRepository) (*CipherService, *MetricsService) {
	t.Helper()
	metrics := NewMetricsService()
	return NewCipherService(repo, nil, metrics, CipherConfig{MasterKey: testMasterKey, Domain: "documents"}), metrics
}

func TestCipherRoundTrip(t *testing.T) {
	svc, _ := newTestCipher(t, newMemoryKeyRepo())
	ctx := context.Background()

	envelope, err := svc.Encrypt(ctx, []byte("visa support letter"))
	require.NoError(t, err)
	assert.NotContains(t, envelope, "visa")

	plaintext, err := svc.Decrypt(ctx, envelope)
	require.NoError(t, err)
	assert.Equal(t, "visa support letter", string(plaintext))
}

func TestCipherEnvelopesAreUnique(t *testing.T) {
	svc, _ := newTestCipher(t, newMemoryKeyRepo())
	ctx := context.Background()

	a, err := svc.EncryptString(ctx, "same")
	require.NoError(t, err)
	b, err := svc.EncryptString(ctx, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherTamperedEnvelopeFails(t *testing.T) {
	svc, metrics := newTestCipher(t, newMemoryKeyRepo())
	ctx := context.Background()

	envelope, err := svc.Encrypt(ctx, []byte("financial statement"))
	require.NoError(t, err)

	keyID, payload, _ := strings.Cut(envelope, ".")
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := keyID + "." + base64.RawURLEncoding.EncodeToString(raw)

	_, err = svc.Decrypt(ctx, tampered)
	assert.ErrorIs(t, err, appErrors.ErrDecryption)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.decryptFailures))
}

func TestCipherMalformedEnvelopes(t *testing.T) {
	svc, _ := newTestCipher(t, newMemoryKeyRepo())
	ctx := context.Background()

	for _, envelope := range []string{"", "no-separator", "unknown-key.AAAA", "k.!!!not-base64!!!"} {
		_, err := svc.Decrypt(ctx, envelope)
		assert.ErrorIs(t, err, appErrors.ErrDecryption, envelope)
	}
}

func TestCipherInitializeIsIdempotent(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc, _ := newTestCipher(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Initialize(ctx))
	first := svc.ActiveKeyID()
	require.NoError(t, svc.Initialize(ctx))
	assert.Equal(t, first, svc.ActiveKeyID())
	assert.Equal(t, 1, repo.activates)
}

func TestCipherInvalidMasterKey(t *testing.T) {
	svc := NewCipherService(newMemoryKeyRepo(), nil, nil, CipherConfig{MasterKey: "c2hvcnQ=", Domain: "documents"})

	_, err := svc.Encrypt(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, appErrors.ErrCryptoInit)
}

func TestCipherRotationKeepsOldEnvelopesReadable(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc, _ := newTestCipher(t, repo)
	ctx := context.Background()

	old, err := svc.EncryptString(ctx, "before rotation")
	require.NoError(t, err)
	oldKey := svc.ActiveKeyID()

	rotated, err := svc.RotateKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)
	assert.Nil(t, rotated.WrappedKey)
	assert.NotEqual(t, oldKey, svc.ActiveKeyID())

	fresh, err := svc.EncryptString(ctx, "after rotation")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh, rotated.KeyID+"."))

	restarted, _ := newTestCipher(t, repo)
	got, err := restarted.DecryptString(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, "before rotation", got)
	got, err = restarted.DecryptString(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "after rotation", got)
}

func TestCipherRejectsOtherDomainKeys(t *testing.T) {
	repo := newMemoryKeyRepo()
	ctx := context.Background()
	docs, _ := newTestCipher(t, repo)
	envelope, err := docs.EncryptString(ctx, "scoped")
	require.NoError(t, err)

	other := NewCipherService(repo, nil, nil, CipherConfig{MasterKey: testMasterKey, Domain: "profiles"})
	_, err = other.Decrypt(ctx, envelope)
	assert.ErrorIs(t, err, appErrors.ErrDecryption)
}

func TestCipherHash(t *testing.T) {
	svc, _ := newTestCipher(t, newMemoryKeyRepo())
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", svc.Hash([]byte("hello")))
}
