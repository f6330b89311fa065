package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DownloadClaims are the values bound into a signed download token.
type DownloadClaims struct {
	DocumentID  string
	Version     int
	PrincipalID string
	ExpiresAt   time.Time
}

// SignedURLSigner creates and validates signed download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate returns a token for one document version, usable only by principalID.
func (s *SignedURLSigner) Generate(documentID string, version int, principalID string) (string, time.Time, error) {
	if documentID == "" || principalID == "" || version <= 0 {
		return "", time.Time{}, fmt.Errorf("document, version and principal required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl)
	fields := []string{
		base64.RawURLEncoding.EncodeToString([]byte(documentID)),
		strconv.Itoa(version),
		base64.RawURLEncoding.EncodeToString([]byte(principalID)),
		strconv.FormatInt(expiresAt.Unix(), 10),
	}
	token := strings.Join(append(fields, s.sign(fields)), ".")
	return token, expiresAt, nil
}

// Parse validates a token's signature and expiry and returns its claims.
func (s *SignedURLSigner) Parse(token string) (DownloadClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return DownloadClaims{}, fmt.Errorf("invalid token format")
	}
	fields, signature := parts[:4], parts[4]

	if !hmac.Equal([]byte(s.sign(fields)), []byte(signature)) {
		return DownloadClaims{}, fmt.Errorf("invalid token signature")
	}

	documentID, err := base64.RawURLEncoding.DecodeString(fields[0])
	if err != nil {
		return DownloadClaims{}, fmt.Errorf("decode document: %w", err)
	}
	version, err := strconv.Atoi(fields[1])
	if err != nil {
		return DownloadClaims{}, fmt.Errorf("invalid version")
	}
	principalID, err := base64.RawURLEncoding.DecodeString(fields[2])
	if err != nil {
		return DownloadClaims{}, fmt.Errorf("decode principal: %w", err)
	}
	expUnix, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return DownloadClaims{}, fmt.Errorf("invalid timestamp")
	}
	expiresAt := time.Unix(expUnix, 0)
	if s.now().After(expiresAt) {
		return DownloadClaims{}, fmt.Errorf("token expired")
	}

	return DownloadClaims{
		DocumentID:  string(documentID),
		Version:     version,
		PrincipalID: string(principalID),
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *SignedURLSigner) sign(fields []string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}
