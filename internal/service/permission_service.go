package service

import (
	"go.uber.org/zap"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/policy"
)

// PermissionService answers role based questions from the policy table.
type PermissionService struct {
	table   *policy.Table
	logger  *zap.Logger
	metrics *MetricsService
}

// NewPermissionService wraps a policy table. A nil table denies everything.
func NewPermissionService(table *policy.Table, logger *zap.Logger, metrics *MetricsService) *PermissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionService{table: table, logger: logger, metrics: metrics}
}

// Evaluate is the pure table lookup.
func (s *PermissionService) Evaluate(role models.UserRole, resource, action string) policy.Decision {
	return s.table.Evaluate(string(role), resource, action)
}

// HasPermission is the affordance check used to decide what to show. Institution-scoped
// rules count as allowed here; enforcement resolves the scope.
func (s *PermissionService) HasPermission(principal models.Principal, resource, action string) bool {
	return s.Evaluate(principal.Role, resource, action).Allowed
}

// Authorize enforces the table for a non-document resource. institutionID names the
// institution the target belongs to and is only consulted for scoped rules.
func (s *PermissionService) Authorize(principal models.Principal, resource, action, institutionID string) error {
	decision := s.Evaluate(principal.Role, resource, action)
	if decision.Allowed && decision.InstitutionScoped && !sameInstitution(principal.InstitutionID, institutionID) {
		decision.Allowed = false
	}
	if decision.Allowed {
		return nil
	}
	s.metrics.RecordAuthzDenial(resource)
	s.logger.Debug("permission denied",
		zap.String("principal_id", principal.ID),
		zap.String("role", string(principal.Role)),
		zap.String("resource", resource),
		zap.String("action", action),
		zap.Int("rule", decision.Rule))
	return appErrors.Clone(appErrors.ErrForbidden, "")
}

func sameInstitution(principalInstitution, targetInstitution string) bool {
	return principalInstitution != "" && principalInstitution == targetInstitution
}
