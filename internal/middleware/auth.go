package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall/pkg/errors"
	"peercall/pkg/jwt"
	"peercall/pkg/logger"
	"peercall/pkg/response"
	"peercall/pkg/sanitize"
)

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	// IsTokenRevoked reports whether the token id (jti) has been revoked
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthMiddleware creates a Gin middleware that validates relay tokens.
// The token is read from the Authorization header, or from the "token" query
// parameter because browser WebSocket clients cannot set headers.
// If valid, it sets peer_id and display_name in the Gin context.
// Parameters:
//   - jwtManager: JWT manager for token validation
//   - revocationChecker: Optional checker for token revocation (can be nil)
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.FromError(c, errors.UnauthorizedError("Authorization token required"))
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.FromError(c, errors.InvalidTokenError("Invalid token", err))
			c.Abort()
			return
		}
		// the subject becomes a routing key and a Redis channel name
		if !sanitize.ValidatePeerID(claims.PeerID) {
			response.FromError(c, errors.InvalidTokenError("Token subject is not a valid peer id", nil))
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				// Fail-open: signature and expiry already passed
				logger.Warn("Revocation check failed, allowing token",
					zap.String("peer_id", claims.PeerID),
					zap.Error(err))
			} else if revoked {
				response.FromError(c, errors.InvalidTokenError("Token revoked", nil))
				c.Abort()
				return
			}
		}

		c.Set("peer_id", claims.PeerID)
		c.Set("display_name", claims.DisplayName)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// PeerIDFromContext returns the authenticated peer id set by AuthMiddleware
func PeerIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get("peer_id")
	if !ok {
		return "", false
	}
	peerID, ok := v.(string)
	return peerID, ok && peerID != ""
}
