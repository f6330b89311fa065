package service

import (
	"context"
	"strings"

	"github.com/max-254/Uni-connect-sub002/internal/models"
)

// AuthzContext carries what a decision needs beyond the principal and the action.
type AuthzContext struct {
	DocumentID    string
	InstitutionID string
}

// Authorizer is the single entry point for privileged operations. Document requests go to the
// access registry; everything else goes to the role table with institution scoping resolved.
type Authorizer struct {
	permissions *PermissionService
	documents   *DocumentAccessService
}

// NewAuthorizer wires the two decision sources.
func NewAuthorizer(permissions *PermissionService, documents *DocumentAccessService) *Authorizer {
	return &Authorizer{permissions: permissions, documents: documents}
}

// Authorize returns nil when principal may perform action on resource.
func (a *Authorizer) Authorize(ctx context.Context, principal models.Principal, resource, action string, actx AuthzContext) error {
	if strings.EqualFold(resource, documentResource) && actx.DocumentID != "" {
		_, err := a.documents.CheckAccessByID(ctx, principal, actx.DocumentID, LevelForAction(action))
		return err
	}
	return a.permissions.Authorize(principal, resource, action, actx.InstitutionID)
}

// LevelForAction maps an action verb onto the document level it requires.
func LevelForAction(action string) models.AccessLevel {
	switch strings.ToLower(action) {
	case "read", "view", "download", "list":
		return models.AccessView
	case "update", "edit", "upload":
		return models.AccessEdit
	default:
		return models.AccessAdmin
	}
}
