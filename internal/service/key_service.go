package service

import (
	"context"

	"github.com/max-254/Uni-connect-sub002/internal/models"
)

// KeyService exposes data key rotation to operators.
type KeyService struct {
	authz  *Authorizer
	cipher *CipherService
	stepUp stepUpGate
	audit  auditRecorder
}

// NewKeyService constructs a KeyService.
func NewKeyService(authz *Authorizer, cipher *CipherService, stepUp stepUpGate, audit auditRecorder) *KeyService {
	return &KeyService{authz: authz, cipher: cipher, stepUp: stepUp, audit: audit}
}

// Rotate activates a new data key. Envelopes sealed under older keys stay readable.
func (s *KeyService) Rotate(ctx context.Context, actor models.Principal) (*models.DataEncryptionKey, error) {
	if err := s.authz.Authorize(ctx, actor, models.AuditResourceEncryptionKey, "rotate", AuthzContext{}); err != nil {
		return nil, err
	}
	if err := s.stepUp.ConsumeStepUp(ctx, actor.ID); err != nil {
		return nil, err
	}

	previous := s.cipher.ActiveKeyID()
	key, err := s.cipher.RotateKey(ctx)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionRotateKey,
		Resource:    models.AuditResourceEncryptionKey,
		ResourceID:  key.KeyID,
		Detail:      map[string]interface{}{"version": key.Version, "previous_key_id": previous},
	})
	return key, nil
}
