package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	tokenHeader = "Authorization"
	tokenPrefix = "Bearer "

	// ClaimsKey is where the middleware stores validated claims in the
	// gin context.
	ClaimsKey = "device_claims"
)

// Middleware returns a gin handler that rejects requests without a valid
// device token and stores the claims for downstream handlers.
func Middleware(signer *Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(tokenHeader)
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		if !strings.HasPrefix(authHeader, tokenPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := signer.ValidateToken(strings.TrimPrefix(authHeader, tokenPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// DeviceID retrieves the authenticated device id from the gin context.
func DeviceID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return uuid.Nil, false
	}
	claims, ok := v.(*Claims)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.DeviceID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
