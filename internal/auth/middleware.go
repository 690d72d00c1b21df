package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"otcattendance/internal/apperr"
	"otcattendance/internal/model"
	"otcattendance/internal/response"
)

// ContextClaimsKey is the gin context key storing verified claims.
const ContextClaimsKey = "claims"

// Authenticate enforces bearer access tokens signed with HS256. Browsers cannot set
// headers on a WebSocket handshake, so an access_token query parameter is accepted on
// upgrade requests only.
func Authenticate(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearer(c)
		if tokenStr == "" {
			response.Abort(c, apperr.Clone(apperr.ErrUnauthorized, "missing bearer token"))
			return
		}
		claims, err := Parse(tokenStr, signingKey, issuer, TokenAccess)
		if err != nil {
			response.Abort(c, apperr.Wrap(err, apperr.ErrUnauthorized.Code, apperr.ErrUnauthorized.Status, "invalid token"))
			return
		}
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if authz != "" {
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return ""
		}
		return strings.TrimSpace(authz[len("bearer "):])
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return c.Query("access_token")
	}
	return ""
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			response.Abort(c, apperr.ErrUnauthorized)
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		response.Abort(c, apperr.Clone(apperr.ErrForbidden, "role not allowed"))
	}
}

// ClaimsFrom returns the claims set by Authenticate.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
