package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/response"
)

type authService interface {
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
	Logout(ctx context.Context, claims *models.JWTClaims) error
	Register(ctx context.Context, actor *models.Principal, req models.RegisterRequest) (*models.UserInfo, error)
	ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error
	BeginTwoFactorEnrollment(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error)
	ConfirmTwoFactor(ctx context.Context, userID string, req models.TwoFactorCodeRequest) error
	DisableTwoFactor(ctx context.Context, userID string, req models.TwoFactorCodeRequest) error
	Me(ctx context.Context, userID string) (*models.UserInfo, error)
	HasPermission(principal models.Principal, resource, action string) models.PermissionCheck
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service authService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by email and password. Accounts with 2FA also need otp_code.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Logout godoc
// @Summary Logout
// @Description End the current session
// @Tags Authentication
// @Produce json
// @Success 204 {string} string ""
// @Failure 401 {object} response.Envelope
// @Router /auth/logout [post]
// @Security BearerAuth
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Logout(c.Request.Context(), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Register godoc
// @Summary Register account
// @Description Self-service registration creates a student. Only a super admin may assign other roles.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RegisterRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}

	var actor *models.Principal
	if p, ok := principalFromContext(c); ok {
		actor = &p
	}
	user, err := h.service.Register(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, user)
}

// Me godoc
// @Summary Current user
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
// @Security BearerAuth
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	user, err := h.service.Me(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// Permissions godoc
// @Summary Check a permission
// @Description Answers whether the caller's role may perform action on resource. Display only; every operation is authorized again server side.
// @Tags Authentication
// @Produce json
// @Param resource query string true "Resource"
// @Param action query string true "Action"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /auth/permissions [get]
// @Security BearerAuth
func (h *AuthHandler) Permissions(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	resource := strings.TrimSpace(c.Query("resource"))
	action := strings.TrimSpace(c.Query("action"))
	if resource == "" || action == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "resource and action are required"))
		return
	}
	response.JSON(c, http.StatusOK, h.service.HasPermission(principal, resource, action), nil)
}

// ChangePassword godoc
// @Summary Change password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.ChangePasswordRequest true "Change password"
// @Success 204 {string} string ""
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/change-password [post]
// @Security BearerAuth
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid change password payload"))
		return
	}
	if err := h.service.ChangePassword(c.Request.Context(), claims.UserID, req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// EnrollTwoFactor godoc
// @Summary Begin 2FA enrollment
// @Description Returns a TOTP secret and provisioning URI. 2FA stays off until confirmed.
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /auth/2fa/enroll [post]
// @Security BearerAuth
func (h *AuthHandler) EnrollTwoFactor(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	enrollment, err := h.service.BeginTwoFactorEnrollment(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// ConfirmTwoFactor godoc
// @Summary Confirm 2FA enrollment
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.TwoFactorCodeRequest true "Current code"
// @Success 204 {string} string ""
// @Failure 401 {object} response.Envelope
// @Router /auth/2fa/confirm [post]
// @Security BearerAuth
func (h *AuthHandler) ConfirmTwoFactor(c *gin.Context) {
	h.twoFactorCode(c, h.service.ConfirmTwoFactor)
}

// DisableTwoFactor godoc
// @Summary Disable 2FA
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.TwoFactorCodeRequest true "Current code"
// @Success 204 {string} string ""
// @Failure 401 {object} response.Envelope
// @Router /auth/2fa/disable [post]
// @Security BearerAuth
func (h *AuthHandler) DisableTwoFactor(c *gin.Context) {
	h.twoFactorCode(c, h.service.DisableTwoFactor)
}

func (h *AuthHandler) twoFactorCode(c *gin.Context, fn func(context.Context, string, models.TwoFactorCodeRequest) error) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.TwoFactorCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid code payload"))
		return
	}
	if err := fn(c.Request.Context(), claims.UserID, req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
