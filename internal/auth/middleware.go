package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

// RequireAuth enforces bearer JWT tokens signed with HS256 and stores the
// claims on the request context.
func RequireAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok": false, "error_kind": "unauthorized", "message": "missing bearer token",
			})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok": false, "error_kind": "unauthorized", "message": "invalid token",
			})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole allows only the given roles through. Admin always passes.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok": false, "error_kind": "unauthorized", "message": "missing bearer token",
			})
			return
		}
		if claims.Role == RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"ok": false, "error_kind": "unauthorized", "message": "insufficient role",
		})
	}
}

// ClaimsFrom returns the authenticated caller's claims, if any.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
