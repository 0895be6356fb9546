// Package middleware provides net/http handler wrappers that validate
// access tokens and enforce permissions in front of application handlers.
// A gin adapter lives in the ginmw subpackage.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/inkpress/authcore"
	"github.com/inkpress/authcore/rbac"
)

type contextKey struct{}

// Authenticator validates a raw bearer token. *authcore.Engine satisfies it.
type Authenticator interface {
	Validate(ctx context.Context, accessToken string) (*authcore.Claims, error)
}

// Authorizer evaluates a permission check for validated claims.
// *authcore.Engine satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, claims *authcore.Claims, action rbac.Action, resource string, rbacCtx rbac.Context) rbac.Decision
}

// ClaimsFromContext returns the validated claims injected by [Guard].
func ClaimsFromContext(ctx context.Context) (*authcore.Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*authcore.Claims)
	return claims, ok
}

// WithClaims injects claims into a context. Exported for handler tests.
func WithClaims(ctx context.Context, claims *authcore.Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// Guard rejects requests without a valid bearer token and injects the
// validated claims into the request context. All rejection causes collapse
// to one 401 response; the specific cause is logged, never returned.
func Guard(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}
			claims, err := auth.Validate(r.Context(), token)
			if err != nil {
				logger.Debug("token rejected", "path", r.URL.Path, "error", err)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequirePermission enforces an RBAC check after [Guard]. The resource
// context is built per request; a nil builder passes an empty context and
// the engine fills in the subject id. Denials collapse to one 403.
func RequirePermission(authz Authorizer, action rbac.Action, resource string, buildCtx func(*http.Request) rbac.Context) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			var rbacCtx rbac.Context
			if buildCtx != nil {
				rbacCtx = buildCtx(r)
			}
			if decision := authz.Authorize(r.Context(), claims, action, resource, rbacCtx); !decision.Allow {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED"}`))
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"code":"FORBIDDEN"}`))
}
