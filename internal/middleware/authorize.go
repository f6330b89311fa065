package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	"github.com/max-254/Uni-connect-sub002/internal/service"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/response"
)

type authorizer interface {
	Authorize(ctx context.Context, principal models.Principal, resource, action string, actx service.AuthzContext) error
}

// TargetResolver loads what a request is aimed at, such as the owning institution, from
// server-side state.
type TargetResolver func(c *gin.Context) (service.AuthzContext, error)

// RequirePermission gates a route on the role table. Document routes carrying an :id are
// decided by the access registry instead. Without a resolver the request has no institution,
// so institution-scoped rules deny.
func RequirePermission(authz authorizer, resource, action string, target TargetResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		var actx service.AuthzContext
		if target != nil {
			resolved, err := target(c)
			if err != nil {
				response.Error(c, err)
				c.Abort()
				return
			}
			actx = resolved
		}
		if resource == models.AuditResourceDocument && actx.DocumentID == "" {
			actx.DocumentID = c.Param("id")
		}
		if err := authz.Authorize(c.Request.Context(), claims.Principal(), resource, action, actx); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}
