package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	"github.com/max-254/Uni-connect-sub002/internal/service"
	"github.com/max-254/Uni-connect-sub002/pkg/middleware/requestid"
)

// RequestMeta stamps the caller's origin onto the request context for the audit ledger.
// It must run after the request id middleware.
func RequestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := models.RequestMeta{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: requestid.Value(c),
		}
		c.Request = c.Request.WithContext(service.WithRequestMeta(c.Request.Context(), meta))
		c.Next()
	}
}
