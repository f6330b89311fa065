package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/response"
)

type documentService interface {
	Create(ctx context.Context, actor models.Principal, req models.CreateDocumentRequest) (*models.Document, error)
	Get(ctx context.Context, actor models.Principal, id string) (*models.Document, error)
	UploadVersion(ctx context.Context, actor models.Principal, id string, data []byte, description string) (*models.DocumentVersion, error)
	ListVersions(ctx context.Context, actor models.Principal, id string) ([]models.DocumentVersion, error)
	Content(ctx context.Context, actor models.Principal, id string, version int) (*models.DocumentContent, error)
	DownloadURL(ctx context.Context, actor models.Principal, id string, version int) (*models.DownloadLink, error)
	Download(ctx context.Context, actor models.Principal, id, token string) (*models.DocumentContent, error)
	Delete(ctx context.Context, actor models.Principal, id string) error
}

type documentAccessService interface {
	AddAccess(ctx context.Context, actor models.Principal, documentID string, req models.AddAccessRequest) (*models.AccessGrant, error)
	RemoveAccess(ctx context.Context, actor models.Principal, documentID, grantID string) error
	ListAccess(ctx context.Context, actor models.Principal, documentID string) ([]models.AccessEntry, error)
}

// DocumentHandler serves enrollment artifacts and their access lists.
type DocumentHandler struct {
	documents   documentService
	access      documentAccessService
	maxUpload   int64
	downloadURL string
}

// NewDocumentHandler constructs the handler. apiPrefix is used to build signed download URLs.
func NewDocumentHandler(documents documentService, access documentAccessService, maxUpload int64, apiPrefix string) *DocumentHandler {
	if maxUpload <= 0 {
		maxUpload = 10 * 1024 * 1024
	}
	return &DocumentHandler{
		documents:   documents,
		access:      access,
		maxUpload:   maxUpload,
		downloadURL: strings.TrimRight(apiPrefix, "/") + "/documents/%s/download?token=%s",
	}
}

// Create godoc
// @Summary Create document
// @Description The caller becomes the owner
// @Tags Documents
// @Accept json
// @Produce json
// @Param payload body models.CreateDocumentRequest true "Document metadata"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /documents [post]
// @Security BearerAuth
func (h *DocumentHandler) Create(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid document payload"))
		return
	}
	doc, err := h.documents.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, doc)
}

// Get godoc
// @Summary Get document metadata
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /documents/{id} [get]
// @Security BearerAuth
func (h *DocumentHandler) Get(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	doc, err := h.documents.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// Delete godoc
// @Summary Delete document
// @Description Requires admin level on the document and a verified step-up
// @Tags Documents
// @Param id path string true "Document ID"
// @Success 204 {string} string ""
// @Failure 403 {object} response.Envelope
// @Router /documents/{id} [delete]
// @Security BearerAuth
func (h *DocumentHandler) Delete(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.documents.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// UploadVersion godoc
// @Summary Upload a new version
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Document ID"
// @Param file formData file true "Content"
// @Param description formData string false "Change description"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /documents/{id}/versions [post]
// @Security BearerAuth
func (h *DocumentHandler) UploadVersion(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	if fileHeader.Size > h.maxUpload {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file exceeds maximum size"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUpload+1))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file"))
		return
	}
	version, err := h.documents.UploadVersion(c.Request.Context(), actor, c.Param("id"), data, c.PostForm("description"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, version)
}

// ListVersions godoc
// @Summary List versions
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/versions [get]
// @Security BearerAuth
func (h *DocumentHandler) ListVersions(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	versions, err := h.documents.ListVersions(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, versions, nil)
}

// Content godoc
// @Summary Read content
// @Description Streams the decrypted content of a version (current when omitted)
// @Tags Documents
// @Produce octet-stream
// @Param id path string true "Document ID"
// @Param version query int false "Version"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /documents/{id}/content [get]
// @Security BearerAuth
func (h *DocumentHandler) Content(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	version, err := versionQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	content, err := h.documents.Content(c.Request.Context(), actor, c.Param("id"), version)
	if err != nil {
		response.Error(c, err)
		return
	}
	sendContent(c, content)
}

// DownloadURL godoc
// @Summary Sign a download link
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Param version query int false "Version"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/download-url [get]
// @Security BearerAuth
func (h *DocumentHandler) DownloadURL(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	version, err := versionQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	id := c.Param("id")
	link, err := h.documents.DownloadURL(c.Request.Context(), actor, id, version)
	if err != nil {
		response.Error(c, err)
		return
	}
	link.URL = fmt.Sprintf(h.downloadURL, url.PathEscape(id), url.QueryEscape(link.Token))
	response.JSON(c, http.StatusOK, link, nil)
}

// Download godoc
// @Summary Redeem a download link
// @Tags Documents
// @Produce octet-stream
// @Param id path string true "Document ID"
// @Param token query string true "Signed token"
// @Success 200 {file} file
// @Failure 401 {object} response.Envelope
// @Router /documents/{id}/download [get]
// @Security BearerAuth
func (h *DocumentHandler) Download(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	content, err := h.documents.Download(c.Request.Context(), actor, c.Param("id"), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	sendContent(c, content)
}

// ListAccess godoc
// @Summary List access entries
// @Description The owner appears first as an implicit admin entry
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/access [get]
// @Security BearerAuth
func (h *DocumentHandler) ListAccess(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entries, err := h.access.ListAccess(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// AddAccess godoc
// @Summary Grant access
// @Description Creates or updates the subject's grant. Use subject "public" to open the document to everyone.
// @Tags Documents
// @Accept json
// @Produce json
// @Param id path string true "Document ID"
// @Param payload body models.AddAccessRequest true "Grant"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /documents/{id}/access [post]
// @Security BearerAuth
func (h *DocumentHandler) AddAccess(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.AddAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid access payload"))
		return
	}
	grant, err := h.access.AddAccess(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grant, nil)
}

// RemoveAccess godoc
// @Summary Revoke access
// @Tags Documents
// @Param id path string true "Document ID"
// @Param grantId path string true "Grant ID"
// @Success 204 {string} string ""
// @Router /documents/{id}/access/{grantId} [delete]
// @Security BearerAuth
func (h *DocumentHandler) RemoveAccess(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.access.RemoveAccess(c.Request.Context(), actor, c.Param("id"), c.Param("grantId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func versionQuery(c *gin.Context) (int, error) {
	raw := c.Query("version")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "version must be a positive integer")
	}
	return v, nil
}

func sendContent(c *gin.Context, content *models.DocumentContent) {
	filename := fmt.Sprintf("%s-v%d", content.Document.ID, content.Version.Version)
	response.Attachment(c, filename, http.DetectContentType(content.Data), content.Data)
}
