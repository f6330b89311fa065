package service

import (
	"context"
	"database/sql"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/storage"
)

type documentRepository interface {
	Create(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, id string) error
	AppendVersion(ctx context.Context, version *models.DocumentVersion) error
	ListVersions(ctx context.Context, documentID string) ([]models.DocumentVersion, error)
	FindVersion(ctx context.Context, documentID string, version int) (*models.DocumentVersion, error)
}

type contentStore interface {
	Save(ref string, data []byte) (string, error)
	Read(ref string) ([]byte, error)
	Delete(ref string) error
	DeleteDir(dir string) error
}

type contentCipher interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, envelope string) ([]byte, error)
	Hash(value []byte) string
}

type downloadSigner interface {
	Generate(documentID string, version int, principalID string) (string, time.Time, error)
	Parse(token string) (storage.DownloadClaims, error)
}

type stepUpGate interface {
	ConsumeStepUp(ctx context.Context, userID string) error
}

// DocumentConfig bounds uploads.
type DocumentConfig struct {
	MaxFileSizeBytes int64
}

// DocumentService stores enrollment artifacts and their versions. Every call is
// authorized through the access registry; content is sealed when the document asks for it.
type DocumentService struct {
	repo      documentRepository
	access    *DocumentAccessService
	cipher    contentCipher
	store     contentStore
	signer    downloadSigner
	stepUp    stepUpGate
	audit     auditRecorder
	validator *validator.Validate
	logger    *zap.Logger
	config    DocumentConfig
	now       func() time.Time
}

// NewDocumentService constructs the document store.
func NewDocumentService(repo documentRepository, access *DocumentAccessService, cipher contentCipher, store contentStore, signer downloadSigner, stepUp stepUpGate, audit auditRecorder, validate *validator.Validate, logger *zap.Logger, cfg DocumentConfig) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 10 * 1024 * 1024
	}
	return &DocumentService{
		repo:      repo,
		access:    access,
		cipher:    cipher,
		store:     store,
		signer:    signer,
		stepUp:    stepUp,
		audit:     audit,
		validator: validate,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
	}
}

// Create registers a document owned by the actor.
func (s *DocumentService) Create(ctx context.Context, actor models.Principal, req models.CreateDocumentRequest) (*models.Document, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid document payload")
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "expires_at must be in the future")
	}

	doc := &models.Document{
		ID:        uuid.NewString(),
		OwnerID:   actor.ID,
		Title:     strings.TrimSpace(req.Title),
		Kind:      req.Kind,
		Status:    models.DocumentStatusDraft,
		Encrypted: req.Encrypted,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
	}
	institution := strings.TrimSpace(req.InstitutionID)
	if institution == "" {
		institution = actor.InstitutionID
	}
	if institution != "" {
		doc.InstitutionID = &institution
	}

	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create document")
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionCreate,
		Resource:    models.AuditResourceDocument,
		ResourceID:  doc.ID,
		Detail:      map[string]interface{}{"kind": doc.Kind, "encrypted": doc.Encrypted},
	})
	return doc, nil
}

// Get returns document metadata to anyone with view access.
func (s *DocumentService) Get(ctx context.Context, actor models.Principal, id string) (*models.Document, error) {
	doc, err := s.access.CheckAccessByID(ctx, actor, id, models.AccessView)
	if err != nil {
		return nil, err
	}
	doc.Status = doc.EffectiveStatus(s.now())
	return doc, nil
}

// UploadVersion stores new content as the next version.
func (s *DocumentService) UploadVersion(ctx context.Context, actor models.Principal, id string, data []byte, description string) (*models.DocumentVersion, error) {
	doc, err := s.access.CheckAccessByID(ctx, actor, id, models.AccessEdit)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUsable(doc, actor); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "content is empty")
	}
	if int64(len(data)) > s.config.MaxFileSizeBytes {
		return nil, appErrors.Clone(appErrors.ErrValidation, "content exceeds the size limit")
	}

	payload := data
	if doc.Encrypted {
		envelope, err := s.cipher.Encrypt(ctx, data)
		if err != nil {
			return nil, err
		}
		payload = []byte(envelope)
	}

	ref := path.Join(doc.ID, uuid.NewString()+".bin")
	if _, err := s.store.Save(ref, payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store content")
	}

	version := &models.DocumentVersion{
		DocumentID:        doc.ID,
		CreatedBy:         actor.ID,
		CreatedAt:         s.now().UTC(),
		ChangeDescription: strings.TrimSpace(description),
		ContentRef:        ref,
		SizeBytes:         int64(len(data)),
		Checksum:          s.cipher.Hash(data),
	}
	if err := s.repo.AppendVersion(ctx, version); err != nil {
		if delErr := s.store.Delete(ref); delErr != nil {
			s.logger.Warn("orphaned content left in storage", zap.String("document_id", doc.ID), zap.Error(delErr))
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record version")
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionUploadVersion,
		Resource:    models.AuditResourceDocument,
		ResourceID:  doc.ID,
		Detail:      map[string]interface{}{"version": version.Version, "size_bytes": version.SizeBytes},
	})
	return version, nil
}

// ListVersions returns version metadata, oldest first.
func (s *DocumentService) ListVersions(ctx context.Context, actor models.Principal, id string) ([]models.DocumentVersion, error) {
	doc, err := s.access.CheckAccessByID(ctx, actor, id, models.AccessView)
	if err != nil {
		return nil, err
	}
	versions, err := s.repo.ListVersions(ctx, doc.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list versions")
	}
	return versions, nil
}

// Content returns the plaintext of a version; version 0 means the current one.
func (s *DocumentService) Content(ctx context.Context, actor models.Principal, id string, version int) (*models.DocumentContent, error) {
	doc, err := s.access.CheckAccessByID(ctx, actor, id, models.AccessView)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUsable(doc, actor); err != nil {
		return nil, err
	}
	v, err := s.resolveVersion(ctx, doc, version)
	if err != nil {
		return nil, err
	}

	payload, err := s.store.Read(v.ContentRef)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read content")
	}
	data := payload
	if doc.Encrypted {
		if data, err = s.cipher.Decrypt(ctx, string(payload)); err != nil {
			return nil, err
		}
	}
	if s.cipher.Hash(data) != v.Checksum {
		s.logger.Error("document content checksum mismatch", zap.String("document_id", doc.ID), zap.Int("version", v.Version))
		return nil, appErrors.Clone(appErrors.ErrInternal, "content integrity check failed")
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionRead,
		Resource:    models.AuditResourceDocument,
		ResourceID:  doc.ID,
		Detail:      map[string]interface{}{"version": v.Version},
	})
	doc.Status = doc.EffectiveStatus(s.now())
	return &models.DocumentContent{Document: doc, Version: v, Data: data}, nil
}

// DownloadURL signs a short-lived link bound to the actor and one version.
func (s *DocumentService) DownloadURL(ctx context.Context, actor models.Principal, id string, version int) (*models.DownloadLink, error) {
	doc, err := s.access.CheckAccessByID(ctx, actor, id, models.AccessView)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUsable(doc, actor); err != nil {
		return nil, err
	}
	v, err := s.resolveVersion(ctx, doc, version)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.signer.Generate(doc.ID, v.Version, actor.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	return &models.DownloadLink{Token: token, Version: v.Version, ExpiresAt: expiresAt}, nil
}

// Download redeems a signed link. Access is checked again at redemption.
func (s *DocumentService) Download(ctx context.Context, actor models.Principal, id, token string) (*models.DocumentContent, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired download link")
	}
	if claims.DocumentID != id || claims.PrincipalID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download link was issued for another request")
	}
	return s.Content(ctx, actor, id, claims.Version)
}

// Delete removes a document and its content. It spends the actor's step-up.
func (s *DocumentService) Delete(ctx context.Context, actor models.Principal, id string) error {
	doc, err := s.access.CheckAccessByID(ctx, actor, id, models.AccessAdmin)
	if err != nil {
		return err
	}
	if err := s.stepUp.ConsumeStepUp(ctx, actor.ID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, doc.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete document")
	}
	if err := s.store.DeleteDir(doc.ID); err != nil {
		s.logger.Warn("document content not removed", zap.String("document_id", doc.ID), zap.Error(err))
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionDelete,
		Resource:    models.AuditResourceDocument,
		ResourceID:  doc.ID,
		Detail:      map[string]interface{}{"title": doc.Title, "versions": doc.CurrentVersion},
	})
	return nil
}

// ensureUsable refuses content operations on expired documents to everyone but the owner.
func (s *DocumentService) ensureUsable(doc *models.Document, actor models.Principal) error {
	if doc.EffectiveStatus(s.now()) == models.DocumentStatusExpired && doc.OwnerID != actor.ID {
		return appErrors.Clone(appErrors.ErrForbidden, "document has expired")
	}
	return nil
}

func (s *DocumentService) resolveVersion(ctx context.Context, doc *models.Document, version int) (*models.DocumentVersion, error) {
	if version <= 0 {
		version = doc.CurrentVersion
	}
	if version <= 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document has no content yet")
	}
	v, err := s.repo.FindVersion(ctx, doc.ID, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "version not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load version")
	}
	return v, nil
}
