package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/skillshub-cm/mobile-backend/pkg/jwt"
	"go.uber.org/zap"
)

// PayerIdentityKey is the gin context key holding the resolved caller identity
const PayerIdentityKey = "payerIdentity"

// IdentityResolver maps a bearer token to a payer identity
type IdentityResolver interface {
	Resolve(token string) (string, error)
}

// RequireIdentity rejects requests without a resolvable bearer token and
// stores the caller identity under PayerIdentityKey.
func RequireIdentity(resolver IdentityResolver, logger *zap.Logger) gin.HandlerFunc {
	const bearerSchema = "Bearer "

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			return
		}
		if !strings.HasPrefix(authHeader, bearerSchema) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must start with Bearer "})
			return
		}

		identity, err := resolver.Resolve(strings.TrimSpace(authHeader[len(bearerSchema):]))
		if err != nil {
			logger.Debug("Bearer token rejected", zap.Error(err))
			if errors.Is(err, jwt.ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token has expired"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(PayerIdentityKey, identity)
		c.Next()
	}
}

// PayerIdentity returns the identity RequireIdentity stored, or ""
func PayerIdentity(c *gin.Context) string {
	return c.GetString(PayerIdentityKey)
}
