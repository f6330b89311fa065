package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/response"
)

type sessionService interface {
	Touch(ctx context.Context, userID, sessionID string) (models.SessionStatus, error)
	Extend(ctx context.Context, userID, sessionID string) (models.SessionStatus, error)
	Status(ctx context.Context, userID, sessionID string) (models.SessionStatus, error)
	UpdateTimeouts(ctx context.Context, actor models.Principal, req models.SessionTimeoutRequest) error
	IssueStepUp(ctx context.Context, userID string) (*models.StepUpChallenge, error)
	VerifyStepUp(ctx context.Context, userID string, req models.StepUpVerifyRequest) error
}

// SessionHandler exposes idle-timeout and step-up endpoints.
type SessionHandler struct {
	service sessionService
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(svc sessionService) *SessionHandler {
	return &SessionHandler{service: svc}
}

// Heartbeat godoc
// @Summary Record activity
// @Description Resets the idle clock and clears a pending warning
// @Tags Sessions
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /sessions/heartbeat [post]
// @Security BearerAuth
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	h.sessionCall(c, h.service.Touch)
}

// Status godoc
// @Summary Session status
// @Description Reports the idle state without counting as activity
// @Tags Sessions
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sessions/status [get]
// @Security BearerAuth
func (h *SessionHandler) Status(c *gin.Context) {
	h.sessionCall(c, h.service.Status)
}

// Extend godoc
// @Summary Extend session
// @Description Re-validates the account and restarts the idle clock
// @Tags Sessions
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /sessions/extend [post]
// @Security BearerAuth
func (h *SessionHandler) Extend(c *gin.Context) {
	h.sessionCall(c, h.service.Extend)
}

func (h *SessionHandler) sessionCall(c *gin.Context, fn func(context.Context, string, string) (models.SessionStatus, error)) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	status, err := fn(c.Request.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// UpdateTimeout godoc
// @Summary Update idle thresholds
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body models.SessionTimeoutRequest true "Thresholds in minutes"
// @Success 204 {string} string ""
// @Failure 400 {object} response.Envelope
// @Router /sessions/timeout [put]
// @Security BearerAuth
func (h *SessionHandler) UpdateTimeout(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.SessionTimeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid timeout payload"))
		return
	}
	if err := h.service.UpdateTimeouts(c.Request.Context(), principal, req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// StepUp godoc
// @Summary Issue step-up challenge
// @Description Starts a second-factor check required before sensitive operations
// @Tags Sessions
// @Produce json
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /sessions/step-up [post]
// @Security BearerAuth
func (h *SessionHandler) StepUp(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	challenge, err := h.service.IssueStepUp(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, challenge)
}

// VerifyStepUp godoc
// @Summary Answer step-up challenge
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body models.StepUpVerifyRequest true "Challenge answer"
// @Success 204 {string} string ""
// @Failure 401 {object} response.Envelope
// @Router /sessions/step-up/verify [post]
// @Security BearerAuth
func (h *SessionHandler) VerifyStepUp(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.StepUpVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid step-up payload"))
		return
	}
	if err := h.service.VerifyStepUp(c.Request.Context(), claims.UserID, req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
