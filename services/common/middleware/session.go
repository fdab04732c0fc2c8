package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stellardevsa/marketplace/services/common/auth"
	apperrors "github.com/stellardevsa/marketplace/services/common/errors"
)

// SessionKey is the gin context key holding the authenticated session id.
const SessionKey = "session_id"

// Session resolves the caller's identity from a bearer token when a validator
// is configured, or from the X-User-ID header set by the API gateway.
func Session(validator *auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); validator.Enabled() && strings.HasPrefix(header, "Bearer ") {
			id, err := validator.Subject(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				c.AbortWithStatusJSON(apperrors.ErrUnauthorized.Code, apperrors.Wrap(apperrors.ErrUnauthorized, err))
				return
			}
			c.Set(SessionKey, id)
			c.Next()
			return
		}

		id := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if id == "" {
			c.AbortWithStatusJSON(apperrors.ErrUnauthorized.Code, apperrors.ErrUnauthorized)
			return
		}
		c.Set(SessionKey, id)
		c.Next()
	}
}

// SessionID returns the id stored by Session.
func SessionID(c *gin.Context) (string, error) {
	if id := c.GetString(SessionKey); id != "" {
		return id, nil
	}
	return "", errors.New("session id not found in context")
}
