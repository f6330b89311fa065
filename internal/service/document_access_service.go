package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

const (
	documentResource  = "document"
	maxGrantAttempts  = 3
	grantConflictText = "document access changed concurrently, retry"
)

type documentAccessRepository interface {
	FindByID(ctx context.Context, id string) (*models.Document, error)
	ListGrants(ctx context.Context, documentID string) ([]models.AccessGrant, error)
	GrantsForSubjects(ctx context.Context, documentID string, subjects []string) ([]models.AccessGrant, error)
	UpsertGrant(ctx context.Context, grant *models.AccessGrant, expected int64) error
	DeleteGrant(ctx context.Context, documentID, grantID string, expected int64) (*models.AccessGrant, error)
}

// DocumentAccessService owns per-document grants and the document access decision.
// Access is granted to the owner, to roles the policy table allows on documents, and to
// subjects (or "public") holding a grant at or above the requested level.
type DocumentAccessService struct {
	repo        documentAccessRepository
	permissions *PermissionService
	audit       auditRecorder
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
}

// NewDocumentAccessService constructs the registry.
func NewDocumentAccessService(repo documentAccessRepository, permissions *PermissionService, audit auditRecorder, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *DocumentAccessService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &DocumentAccessService{repo: repo, permissions: permissions, audit: audit, validator: validate, logger: logger, metrics: metrics}
}

// CheckAccess reports whether principal may use doc at level.
func (s *DocumentAccessService) CheckAccess(ctx context.Context, principal models.Principal, doc *models.Document, level models.AccessLevel) error {
	if principal.ID == "" || doc == nil {
		return appErrors.Clone(appErrors.ErrForbidden, "")
	}
	if doc.OwnerID == principal.ID {
		return nil
	}

	decision := s.permissions.Evaluate(principal.Role, documentResource, level.GlobalAction())
	if decision.Allowed {
		if !decision.InstitutionScoped {
			return nil
		}
		if doc.InstitutionID != nil && sameInstitution(principal.InstitutionID, *doc.InstitutionID) {
			return nil
		}
	}

	grants, err := s.repo.GrantsForSubjects(ctx, doc.ID, []string{principal.ID, models.SubjectPublic})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document access")
	}
	for _, grant := range grants {
		if grant.Level.Satisfies(level) {
			return nil
		}
	}

	s.metrics.RecordAuthzDenial(documentResource)
	s.logger.Debug("document access denied",
		zap.String("principal_id", principal.ID),
		zap.String("document_id", doc.ID),
		zap.String("level", string(level)))
	return appErrors.Clone(appErrors.ErrForbidden, "")
}

// CheckAccessByID loads the document and checks access to it.
func (s *DocumentAccessService) CheckAccessByID(ctx context.Context, principal models.Principal, documentID string, level models.AccessLevel) (*models.Document, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.CheckAccess(ctx, principal, doc, level); err != nil {
		return nil, err
	}
	return doc, nil
}

// AddAccess grants subject the given level, replacing any existing grant for that subject.
func (s *DocumentAccessService) AddAccess(ctx context.Context, actor models.Principal, documentID string, req models.AddAccessRequest) (*models.AccessGrant, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid access payload")
	}
	level, ok := models.ParseAccessLevel(req.Level)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown access level")
	}
	subject := strings.TrimSpace(req.Subject)
	if strings.EqualFold(subject, models.SubjectPublic) {
		subject = models.SubjectPublic
	}

	var grant *models.AccessGrant
	err := s.withRetry(ctx, func() error {
		doc, err := s.CheckAccessByID(ctx, actor, documentID, models.AccessAdmin)
		if err != nil {
			return err
		}
		if subject == doc.OwnerID {
			return appErrors.Clone(appErrors.ErrValidation, "the owner already has full access")
		}
		grant = &models.AccessGrant{DocumentID: doc.ID, Subject: subject, Level: level, GrantedBy: actor.ID}
		return s.repo.UpsertGrant(ctx, grant, doc.ACLVersion)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionGrant,
		Resource:    models.AuditResourceDocumentAccess,
		ResourceID:  documentID,
		Detail:      map[string]interface{}{"grant_id": grant.ID, "subject": grant.Subject, "level": grant.Level},
	})
	return grant, nil
}

// RemoveAccess deletes one grant. Removing a grant that does not exist succeeds.
func (s *DocumentAccessService) RemoveAccess(ctx context.Context, actor models.Principal, documentID, grantID string) error {
	var removed *models.AccessGrant
	err := s.withRetry(ctx, func() error {
		doc, err := s.CheckAccessByID(ctx, actor, documentID, models.AccessAdmin)
		if err != nil {
			return err
		}
		removed, err = s.repo.DeleteGrant(ctx, doc.ID, grantID, doc.ACLVersion)
		return err
	})
	if err != nil {
		return err
	}
	if removed == nil {
		s.logger.Debug("revoke of unknown grant ignored", zap.String("document_id", documentID), zap.String("grant_id", grantID))
		return nil
	}

	s.audit.Record(ctx, models.AuditRecord{
		PrincipalID: actor.ID,
		Action:      models.AuditActionRevoke,
		Resource:    models.AuditResourceDocumentAccess,
		ResourceID:  documentID,
		Detail:      map[string]interface{}{"grant_id": removed.ID, "subject": removed.Subject, "level": removed.Level},
	})
	return nil
}

// ListAccess returns the implicit owner entry followed by stored grants.
func (s *DocumentAccessService) ListAccess(ctx context.Context, actor models.Principal, documentID string) ([]models.AccessEntry, error) {
	doc, err := s.CheckAccessByID(ctx, actor, documentID, models.AccessView)
	if err != nil {
		return nil, err
	}
	grants, err := s.repo.ListGrants(ctx, doc.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list document access")
	}

	entries := make([]models.AccessEntry, 0, len(grants)+1)
	entries = append(entries, models.AccessEntry{Subject: doc.OwnerID, Level: models.AccessAdmin, Implicit: true})
	for _, g := range grants {
		entries = append(entries, models.AccessEntry{ID: g.ID, Subject: g.Subject, Level: g.Level})
	}
	return entries, nil
}

// withRetry reruns fn while it loses optimistic concurrency races.
func (s *DocumentAccessService) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxGrantAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, appErrors.ErrConflict) {
			return err
		}
		s.metrics.RecordGrantConflict()
		s.logger.Debug("grant mutation conflicted", zap.Int("attempt", attempt))
		if ctx.Err() != nil {
			break
		}
	}
	return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, grantConflictText)
}

func (s *DocumentAccessService) loadDocument(ctx context.Context, documentID string) (*models.Document, error) {
	doc, err := s.repo.FindByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	return doc, nil
}
