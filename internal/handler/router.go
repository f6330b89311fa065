package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/middleware"
	"github.com/max-254/Uni-connect-sub002/internal/models"
	"github.com/max-254/Uni-connect-sub002/internal/service"
)

// RouterDeps bundles everything RegisterRoutes mounts.
type RouterDeps struct {
	Auth     *AuthHandler
	Sessions *SessionHandler
	Docs     *DocumentHandler
	Audit    *AuditHandler
	Admin    *AdminHandler
	Metrics  *MetricsHandler

	AuthService    *service.AuthService
	SessionService *service.SessionService
	Authorizer     *service.Authorizer
	LoginLimiter   *middleware.IPRateLimiter
}

// RegisterRoutes mounts the API under api and the operational endpoints on root.
func RegisterRoutes(root *gin.Engine, api *gin.RouterGroup, d RouterDeps) {
	root.GET("/health", d.Metrics.Health)
	root.GET("/ready", d.Metrics.Ready)
	root.GET("/metrics", d.Metrics.Prometheus)

	requireAuth := middleware.JWT(d.AuthService, d.SessionService)
	passiveAuth := middleware.JWTPassive(d.AuthService, d.SessionService)

	auth := api.Group("/auth")
	auth.POST("/login", middleware.RateLimit(d.LoginLimiter), d.Auth.Login)
	auth.POST("/register", middleware.OptionalJWT(d.AuthService, d.SessionService), d.Auth.Register)
	authed := auth.Group("", requireAuth)
	authed.POST("/logout", d.Auth.Logout)
	authed.GET("/me", d.Auth.Me)
	authed.GET("/permissions", d.Auth.Permissions)
	authed.POST("/change-password", d.Auth.ChangePassword)
	authed.POST("/2fa/enroll", d.Auth.EnrollTwoFactor)
	authed.POST("/2fa/confirm", d.Auth.ConfirmTwoFactor)
	authed.POST("/2fa/disable", d.Auth.DisableTwoFactor)

	sessions := api.Group("/sessions", passiveAuth)
	sessions.POST("/heartbeat", d.Sessions.Heartbeat)
	sessions.GET("/status", d.Sessions.Status)
	sessions.POST("/extend", d.Sessions.Extend)
	sessions.PUT("/timeout", d.Sessions.UpdateTimeout)
	sessions.POST("/step-up", d.Sessions.StepUp)
	sessions.POST("/step-up/verify", d.Sessions.VerifyStepUp)

	docs := api.Group("/documents", requireAuth)
	docs.POST("", d.Docs.Create)
	docs.GET("/:id", d.Docs.Get)
	docs.DELETE("/:id", d.Docs.Delete)
	docs.POST("/:id/versions", d.Docs.UploadVersion)
	docs.GET("/:id/versions", d.Docs.ListVersions)
	docs.GET("/:id/content", d.Docs.Content)
	docs.GET("/:id/download-url", d.Docs.DownloadURL)
	docs.GET("/:id/download", d.Docs.Download)
	docs.GET("/:id/access", d.Docs.ListAccess)
	docs.POST("/:id/access", d.Docs.AddAccess)
	docs.DELETE("/:id/access/:grantId", d.Docs.RemoveAccess)

	audit := api.Group("/audit", requireAuth)
	audit.GET("/me", d.Audit.Mine)
	audit.GET("", d.Audit.Query)
	audit.GET("/export", middleware.RequirePermission(d.Authorizer, models.AuditResourceAuditLog, "export", nil), d.Audit.Export)

	admin := api.Group("/admin", requireAuth)
	admin.POST("/keys/rotate", d.Admin.RotateKey)
}
