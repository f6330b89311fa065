package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/response"
)

type keyRotator interface {
	Rotate(ctx context.Context, actor models.Principal) (*models.DataEncryptionKey, error)
}

// AdminHandler carries operator-only endpoints.
type AdminHandler struct {
	keys keyRotator
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(keys keyRotator) *AdminHandler {
	return &AdminHandler{keys: keys}
}

// RotateKey godoc
// @Summary Rotate the data encryption key
// @Description Requires encryption_key:rotate and a verified step-up. Older envelopes remain readable.
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/keys/rotate [post]
// @Security BearerAuth
func (h *AdminHandler) RotateKey(c *gin.Context) {
	actor, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	key, err := h.keys.Rotate(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, key, nil)
}
