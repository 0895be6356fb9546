// Package ginmw adapts the authcore middleware to gin handler chains.
package ginmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inkpress/authcore"
	"github.com/inkpress/authcore/middleware"
	"github.com/inkpress/authcore/rbac"
)

const claimsKey = "authcore.claims"

// Claims returns the validated claims set by [Guard] on this gin context.
func Claims(c *gin.Context) (*authcore.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*authcore.Claims)
	return claims, ok
}

// Guard aborts with 401 unless the request carries a valid bearer token.
func Guard(auth middleware.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := middleware.BearerToken(c.Request)
		if token == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		claims, err := auth.Validate(c.Request.Context(), token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(middleware.WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the validated claims allow
// action on resource. buildCtx may read path params for ownership checks.
func RequirePermission(authz middleware.Authorizer, action rbac.Action, resource string, buildCtx func(*gin.Context) rbac.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED")
			return
		}
		var rbacCtx rbac.Context
		if buildCtx != nil {
			rbacCtx = buildCtx(c)
		}
		if decision := authz.Authorize(c.Request.Context(), claims, action, resource, rbacCtx); !decision.Allow {
			abort(c, http.StatusForbidden, "FORBIDDEN")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code})
}
