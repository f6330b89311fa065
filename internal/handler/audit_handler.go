package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	"github.com/max-254/Uni-connect-sub002/internal/service"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/response"
)

type auditService interface {
	ListForPrincipal(ctx context.Context, principalID string, limit int) ([]models.AuditLog, error)
	Query(ctx context.Context, actor models.Principal, filter models.AuditFilter) ([]models.AuditLog, *models.Pagination, error)
	Export(ctx context.Context, actor models.Principal, filter models.AuditFilter, format string) (*service.ExportFile, error)
}

// AuditHandler exposes the audit ledger.
type AuditHandler struct {
	service auditService
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(svc auditService) *AuditHandler {
	return &AuditHandler{service: svc}
}

// Mine godoc
// @Summary Own activity
// @Tags Audit
// @Produce json
// @Param limit query int false "Max entries (default 50)"
// @Success 200 {object} response.Envelope
// @Router /audit/me [get]
// @Security BearerAuth
func (h *AuditHandler) Mine(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entries, err := h.service.ListForPrincipal(c.Request.Context(), claims.UserID, queryInt(c, "limit", 50))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Query godoc
// @Summary Search audit log
// @Tags Audit
// @Produce json
// @Param principal_id query string false "Principal"
// @Param resource query string false "Resource"
// @Param action query string false "Action"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /audit [get]
// @Security BearerAuth
func (h *AuditHandler) Query(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var filter models.AuditFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid audit filter"))
		return
	}
	entries, pagination, err := h.service.Query(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// Export godoc
// @Summary Export audit log
// @Tags Audit
// @Produce octet-stream
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /audit/export [get]
// @Security BearerAuth
func (h *AuditHandler) Export(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var filter models.AuditFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid audit filter"))
		return
	}
	file, err := h.service.Export(c.Request.Context(), actor, filter, c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Data)
}
