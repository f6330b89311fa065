package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	"github.com/max-254/Uni-connect-sub002/internal/service"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

type auditServiceMock struct {
	limit  int
	filter models.AuditFilter
	format string
}

func (m *auditServiceMock) ListForPrincipal(ctx context.Context, principalID string, limit int) ([]models.AuditLog, error) {
	m.limit = limit
	return []models.AuditLog{{ID: "01J", UserID: &principalID, Action: models.AuditActionLogin}}, nil
}

func (m *auditServiceMock) Query(ctx context.Context, actor models.Principal, filter models.AuditFilter) ([]models.AuditLog, *models.Pagination, error) {
	m.filter = filter
	if actor.Role == models.RoleStudent {
		return nil, nil, appErrors.ErrForbidden
	}
	return []models.AuditLog{}, &models.Pagination{Page: 1, PageSize: 50}, nil
}

func (m *auditServiceMock) Export(ctx context.Context, actor models.Principal, filter models.AuditFilter, format string) (*service.ExportFile, error) {
	m.format = format
	return &service.ExportFile{Filename: "audit.csv", ContentType: "text/csv", Data: []byte("id,action\n")}, nil
}

func TestAuditHandlerEndpoints(t *testing.T) {
	svc := &auditServiceMock{}
	h := NewAuditHandler(svc)

	c, w := jsonContext(t, http.MethodGet, "/audit/me?limit=5", nil, studentClaims)
	h.Mine(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, svc.limit)

	c, w = jsonContext(t, http.MethodGet, "/audit?action=login&page=2&from=2024-09-01T00:00:00Z", nil, adminClaims)
	h.Query(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "login", svc.filter.Action)
	assert.Equal(t, 2, svc.filter.Page)
	require.NotNil(t, svc.filter.From)
	assert.Equal(t, 2024, svc.filter.From.Year())

	c, w = jsonContext(t, http.MethodGet, "/audit", nil, studentClaims)
	h.Query(c)
	assert.Equal(t, http.StatusForbidden, w.Code)

	c, w = jsonContext(t, http.MethodGet, "/audit/export?format=csv", nil, adminClaims)
	h.Export(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "csv", svc.format)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "audit.csv")
	assert.Equal(t, "id,action\n", w.Body.String())
}
