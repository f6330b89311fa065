package middleware

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
	"github.com/max-254/Uni-connect-sub002/pkg/response"
)

// ContextUserKey is the gin context key storing JWT claims.
const ContextUserKey = "currentUser"

// Session headers let clients render the idle warning without polling.
const (
	HeaderSessionState    = "X-Session-State"
	HeaderSessionTimeLeft = "X-Session-Time-Left"
)

type tokenValidator interface {
	ValidateToken(tokenString string) (*models.JWTClaims, error)
}

type sessionTracker interface {
	Touch(ctx context.Context, userID, sessionID string) (models.SessionStatus, error)
	Status(ctx context.Context, userID, sessionID string) (models.SessionStatus, error)
}

// JWT protects routes by requiring a valid access token bound to a live session.
// Every request through it counts as activity on that session.
func JWT(tokens tokenValidator, sessions sessionTracker) gin.HandlerFunc {
	return authenticate(tokens, sessions, true)
}

// JWTPassive authenticates like JWT but leaves the idle clock alone, for status polling.
func JWTPassive(tokens tokenValidator, sessions sessionTracker) gin.HandlerFunc {
	return authenticate(tokens, sessions, false)
}

func authenticate(tokens tokenValidator, sessions sessionTracker, touch bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		var status models.SessionStatus
		if touch {
			status, err = sessions.Touch(ctx, claims.UserID, claims.SessionID)
		} else {
			status, err = sessions.Status(ctx, claims.UserID, claims.SessionID)
		}
		if err == nil && status.State == models.SessionExpired {
			err = appErrors.ErrSessionExpired
		}
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Header(HeaderSessionState, string(status.State))
		c.Header(HeaderSessionTimeLeft, strconv.Itoa(status.TimeLeftMinutes))
		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// OptionalJWT attaches claims when a valid token for a live session is present but never blocks.
func OptionalJWT(tokens tokenValidator, sessions sessionTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.Next()
			return
		}

		claims, err := tokens.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			c.Next()
			return
		}
		status, err := sessions.Touch(c.Request.Context(), claims.UserID, claims.SessionID)
		if err != nil || status.State == models.SessionExpired {
			c.Next()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// Claims returns the authenticated claims stored by JWT.
func Claims(c *gin.Context) (*models.JWTClaims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.JWTClaims)
	return claims, ok && claims != nil
}
