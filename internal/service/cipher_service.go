package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const (
	dataKeySize   = 32
	gcmNonceSize  = 12
	gcmTagSize    = 16
	envelopeSep   = "."
	wrapInfoLabel = "dek-wrap:"
)

type keyRepository interface {
	FindActive(ctx context.Context, domain string) (*models.DataEncryptionKey, error)
	FindByID(ctx context.Context, keyID string) (*models.DataEncryptionKey, error)
	Activate(ctx context.Context, key *models.DataEncryptionKey) error
}

// CipherConfig carries the base64 master key and the encryption domain.
type CipherConfig struct {
	MasterKey string
	Domain    string
}

// CipherService seals sensitive values with AES-256-GCM under versioned data keys.
// Envelopes name the key that sealed them, so retired keys keep decrypting.
type CipherService struct {
	repo    keyRepository
	logger  *zap.Logger
	metrics *MetricsService
	config  CipherConfig

	mu      sync.RWMutex
	wrapper cipher.AEAD
	active  *models.DataEncryptionKey
	aeads   map[string]cipher.AEAD
}

// NewCipherService constructs the service. Keys load lazily on first use.
func NewCipherService(repo keyRepository, logger *zap.Logger, metrics *MetricsService, cfg CipherConfig) *CipherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Domain == "" {
		cfg.Domain = "default"
	}
	return &CipherService{repo: repo, logger: logger, metrics: metrics, config: cfg, aeads: make(map[string]cipher.AEAD)}
}

// Initialize loads the active data key, creating version 1 when none exists. It is idempotent.
func (s *CipherService) Initialize(ctx context.Context) error {
	s.mu.RLock()
	ready := s.active != nil
	s.mu.RUnlock()
	if ready {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil
	}

	if s.wrapper == nil {
		wrapper, err := s.deriveWrapper()
		if err != nil {
			s.logger.Error("cipher master key rejected", zap.Error(err))
			return appErrors.Clone(appErrors.ErrCryptoInit, "")
		}
		s.wrapper = wrapper
	}

	key, err := s.repo.FindActive(ctx, s.config.Domain)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Error("load active data key", zap.String("domain", s.config.Domain), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrCryptoInit.Code, appErrors.ErrCryptoInit.Status, appErrors.ErrCryptoInit.Message)
	}
	if key == nil {
		key, err = s.createKey(ctx, 1)
		if err != nil {
			// another instance may have won the race to create version 1
			if existing, findErr := s.repo.FindActive(ctx, s.config.Domain); findErr == nil {
				key = existing
			} else {
				s.logger.Error("create initial data key", zap.String("domain", s.config.Domain), zap.Error(err))
				return appErrors.Wrap(err, appErrors.ErrCryptoInit.Code, appErrors.ErrCryptoInit.Status, appErrors.ErrCryptoInit.Message)
			}
		}
	}

	if _, err := s.unwrapLocked(key); err != nil {
		s.logger.Error("unwrap active data key", zap.String("key_id", key.KeyID), zap.Error(err))
		return appErrors.Clone(appErrors.ErrCryptoInit, "")
	}
	s.active = key
	s.logger.Info("cipher initialized", zap.String("domain", s.config.Domain), zap.String("key_id", key.KeyID), zap.Int("version", key.Version))
	return nil
}

// Encrypt seals plaintext under the active key with a fresh random nonce.
func (s *CipherService) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	if err := s.Initialize(ctx); err != nil {
		return "", err
	}

	s.mu.RLock()
	keyID := s.active.KeyID
	aead := s.aeads[keyID]
	s.mu.RUnlock()

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(keyID))
	return keyID + envelopeSep + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// EncryptString is Encrypt for text values.
func (s *CipherService) EncryptString(ctx context.Context, plaintext string) (string, error) {
	return s.Encrypt(ctx, []byte(plaintext))
}

// Decrypt opens an envelope. Every failure is reported as the same opaque error.
func (s *CipherService) Decrypt(ctx context.Context, envelope string) ([]byte, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	keyID, payload, ok := strings.Cut(envelope, envelopeSep)
	if !ok || keyID == "" || payload == "" {
		return nil, s.rejectEnvelope("", "malformed envelope")
	}

	sealed, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(sealed) < gcmNonceSize+gcmTagSize {
		return nil, s.rejectEnvelope(keyID, "malformed payload")
	}

	aead, err := s.aeadFor(ctx, keyID)
	if err != nil {
		return nil, s.rejectEnvelope(keyID, err.Error())
	}

	plaintext, err := aead.Open(nil, sealed[:gcmNonceSize], sealed[gcmNonceSize:], []byte(keyID))
	if err != nil {
		return nil, s.rejectEnvelope(keyID, "authentication failed")
	}
	return plaintext, nil
}

// DecryptString is Decrypt for text values.
func (s *CipherService) DecryptString(ctx context.Context, envelope string) (string, error) {
	plaintext, err := s.Decrypt(ctx, envelope)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Hash returns the hex SHA-256 digest used for integrity checks.
func (s *CipherService) Hash(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// RotateKey activates a new data key version. Earlier keys stay available for decryption.
func (s *CipherService) RotateKey(ctx context.Context) (*models.DataEncryptionKey, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.active
	next, err := s.createKey(ctx, previous.Version+1)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate key")
	}
	if _, err := s.unwrapLocked(next); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rotated key")
	}
	s.active = next
	s.logger.Info("data key rotated", zap.String("domain", s.config.Domain), zap.String("previous_key_id", previous.KeyID), zap.String("key_id", next.KeyID), zap.Int("version", next.Version))

	result := *next
	result.WrappedKey = nil
	return &result, nil
}

// ActiveKeyID reports the key currently sealing new data.
func (s *CipherService) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.KeyID
}

func (s *CipherService) rejectEnvelope(keyID, reason string) error {
	s.metrics.RecordDecryptFailure()
	s.logger.Warn("envelope rejected", zap.String("key_id", keyID), zap.String("reason", reason))
	return appErrors.Clone(appErrors.ErrDecryption, "")
}

func (s *CipherService) aeadFor(ctx context.Context, keyID string) (cipher.AEAD, error) {
	s.mu.RLock()
	aead, ok := s.aeads[keyID]
	s.mu.RUnlock()
	if ok {
		return aead, nil
	}

	key, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("unknown key")
		}
		return nil, fmt.Errorf("load key: %w", err)
	}
	if key.Domain != s.config.Domain {
		return nil, errors.New("key belongs to another domain")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unwrapLocked(key)
}

// createKey generates, wraps and persists a fresh data key. Callers hold the write lock.
func (s *CipherService) createKey(ctx context.Context, version int) (*models.DataEncryptionKey, error) {
	raw := make([]byte, dataKeySize)
	defer zeroBytes(raw)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	keyID := uuid.NewString()
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}

	key := &models.DataEncryptionKey{
		KeyID:      keyID,
		Domain:     s.config.Domain,
		Version:    version,
		WrappedKey: s.wrapper.Seal(nonce, nonce, raw, []byte(keyID)),
	}
	if err := s.repo.Activate(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// unwrapLocked opens a wrapped key and caches its AEAD. Callers hold the write lock.
func (s *CipherService) unwrapLocked(key *models.DataEncryptionKey) (cipher.AEAD, error) {
	if aead, ok := s.aeads[key.KeyID]; ok {
		return aead, nil
	}
	if len(key.WrappedKey) < gcmNonceSize+gcmTagSize {
		return nil, errors.New("wrapped key too short")
	}
	raw, err := s.wrapper.Open(nil, key.WrappedKey[:gcmNonceSize], key.WrappedKey[gcmNonceSize:], []byte(key.KeyID))
	if err != nil {
		return nil, errors.New("unwrap data key")
	}
	defer zeroBytes(raw)

	aead, err := newGCM(raw)
	if err != nil {
		return nil, err
	}
	s.aeads[key.KeyID] = aead
	return aead, nil
}

func (s *CipherService) deriveWrapper() (cipher.AEAD, error) {
	master, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.config.MasterKey))
	if err != nil {
		return nil, errors.New("master key is not valid base64")
	}
	defer zeroBytes(master)
	if len(master) != dataKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", dataKeySize, len(master))
	}

	wrapKey := make([]byte, dataKeySize)
	defer zeroBytes(wrapKey)
	reader := hkdf.New(sha256.New, master, nil, []byte(wrapInfoLabel+s.config.Domain))
	if _, err := io.ReadFull(reader, wrapKey); err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}
	return newGCM(wrapKey)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
