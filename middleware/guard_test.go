package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inkpress/authcore"
	"github.com/inkpress/authcore/rbac"
)

type stubAuth struct {
	claims map[string]*authcore.Claims
}

func (s *stubAuth) Validate(_ context.Context, token string) (*authcore.Claims, error) {
	if c, ok := s.claims[token]; ok {
		return c, nil
	}
	return nil, errors.New("token rejected")
}

type stubAuthz struct {
	allow   bool
	lastCtx rbac.Context
}

func (s *stubAuthz) Authorize(_ context.Context, _ *authcore.Claims, _ rbac.Action, _ string, rbacCtx rbac.Context) rbac.Decision {
	s.lastCtx = rbacCtx
	if s.allow {
		return rbac.Decision{Allow: true}
	}
	return rbac.Decision{Reason: rbac.ReasonNoMatchingPermission}
}

func okHandler(t *testing.T, sawClaims **authcore.Claims) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			*sawClaims = claims
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestGuardRejectsMissingAndBadTokens(t *testing.T) {
	auth := &stubAuth{claims: map[string]*authcore.Claims{}}
	var got *authcore.Claims
	h := Guard(auth, nil)(okHandler(t, &got))

	for _, header := range []string{"", "Bearer bogus", "Basic dXNlcg==", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, rec.Code)
		}
		if rec.Body.String() != `{"code":"UNAUTHORIZED"}` {
			t.Fatalf("header %q: body = %s", header, rec.Body)
		}
	}
	if got != nil {
		t.Fatal("handler ran despite rejection")
	}
}

func TestGuardInjectsClaims(t *testing.T) {
	want := &authcore.Claims{UserID: "u1", Roles: []string{"reader"}}
	auth := &stubAuth{claims: map[string]*authcore.Claims{"tok1": want}}
	var got *authcore.Claims
	h := Guard(auth, nil)(okHandler(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/posts", nil)
	req.Header.Set("Authorization", "bearer tok1") // scheme is case-insensitive
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got != want {
		t.Fatalf("claims in context = %+v, want %+v", got, want)
	}
}

func TestRequirePermissionDenies(t *testing.T) {
	authz := &stubAuthz{allow: false}
	h := RequirePermission(authz, rbac.ActionUpdate, "posts", nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run on denial")
		}),
	)

	req := httptest.NewRequest(http.MethodPatch, "/posts/5", nil)
	req = req.WithContext(WithClaims(req.Context(), &authcore.Claims{UserID: "u1"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Body.String() != `{"code":"FORBIDDEN"}` {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestRequirePermissionWithoutClaimsIs401(t *testing.T) {
	authz := &stubAuthz{allow: true}
	h := RequirePermission(authz, rbac.ActionRead, "posts", nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/posts", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequirePermissionBuildsRequestContext(t *testing.T) {
	authz := &stubAuthz{allow: true}
	var ran bool
	h := RequirePermission(authz, rbac.ActionUpdate, "posts", func(r *http.Request) rbac.Context {
		return rbac.Context{"owner_id": r.Header.Get("X-Owner")}
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { ran = true }))

	req := httptest.NewRequest(http.MethodPatch, "/posts/5", nil)
	req.Header.Set("X-Owner", "u1")
	req = req.WithContext(WithClaims(req.Context(), &authcore.Claims{UserID: "u1"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !ran {
		t.Fatal("handler did not run on allow")
	}
	if authz.lastCtx["owner_id"] != "u1" {
		t.Fatalf("rbac context = %v, want owner_id=u1", authz.lastCtx)
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer ", ""},
		{"Bearer", ""},
		{"Token abc", ""},
		{"", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := BearerToken(req); got != tc.want {
			t.Fatalf("BearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
