package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/inkpress/authcore"
	"github.com/inkpress/authcore/rbac"
)

// memProvider is a map-backed user store covering the flows the HTTP
// surface exercises. TOTP and backup codes stay unenrolled.
type memProvider struct {
	mu     sync.Mutex
	users  map[string]authcore.UserRecord
	nextID int
}

func newMemProvider() *memProvider {
	return &memProvider{users: make(map[string]authcore.UserRecord)}
}

func (p *memProvider) GetUserByIdentifier(_ context.Context, identifier string) (authcore.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Username == identifier || (u.Email != "" && u.Email == identifier) {
			return u, nil
		}
	}
	return authcore.UserRecord{}, authcore.ErrUserNotFound
}

func (p *memProvider) GetUserByID(_ context.Context, userID string) (authcore.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return authcore.UserRecord{}, authcore.ErrUserNotFound
	}
	return u, nil
}

func (p *memProvider) GetUserByEmail(_ context.Context, email string) (authcore.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Email != "" && u.Email == email {
			return u, nil
		}
	}
	return authcore.UserRecord{}, authcore.ErrUserNotFound
}

func (p *memProvider) CreateUser(_ context.Context, input authcore.CreateUserInput) (authcore.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Username == input.Username {
			return authcore.UserRecord{}, authcore.ErrAccountExists
		}
	}
	p.nextID++
	u := authcore.UserRecord{
		UserID:       fmt.Sprintf("u%d", p.nextID),
		Username:     input.Username,
		Email:        input.Email,
		Phone:        input.Phone,
		PasswordHash: input.PasswordHash,
		Status:       input.Status,
		Roles:        input.Roles,
	}
	p.users[u.UserID] = u
	return u, nil
}

func (p *memProvider) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	u.PasswordHash = newHash
	p.users[userID] = u
	return nil
}

func (p *memProvider) UpdateAccountStatus(_ context.Context, userID string, status authcore.AccountStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return authcore.ErrUserNotFound
	}
	u.Status = status
	p.users[userID] = u
	return nil
}

func (p *memProvider) GetTOTPSecret(context.Context, string) (*authcore.TOTPRecord, error) {
	return nil, authcore.ErrUserNotFound
}
func (p *memProvider) EnableTOTP(context.Context, string, []byte) error             { return nil }
func (p *memProvider) DisableTOTP(context.Context, string) error                    { return nil }
func (p *memProvider) MarkTOTPVerified(context.Context, string) error               { return nil }
func (p *memProvider) UpdateTOTPLastUsedCounter(context.Context, string, int64) error { return nil }

func (p *memProvider) GetBackupCodes(context.Context, string) ([]authcore.BackupCodeRecord, error) {
	return nil, nil
}
func (p *memProvider) ReplaceBackupCodes(context.Context, string, []authcore.BackupCodeRecord) error {
	return nil
}
func (p *memProvider) ConsumeBackupCode(context.Context, string, [32]byte) (bool, error) {
	return false, nil
}

func (p *memProvider) GetUserByExternalIdentity(context.Context, string, string) (authcore.UserRecord, error) {
	return authcore.UserRecord{}, authcore.ErrUserNotFound
}
func (p *memProvider) LinkExternalIdentity(context.Context, string, authcore.ExternalIdentity) error {
	return nil
}

var _ authcore.UserProvider = (*memProvider)(nil)

func newTestServer(t *testing.T) (*Server, *memProvider) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.JWT.Issuer = "httpapi-test"
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.MinLength = 8
	cfg.Account.AllowCreation = true
	cfg.Account.DefaultRoles = []string{"reader"}
	cfg.RBAC.Roles = []rbac.Role{{
		Name: "reader",
		Permissions: []rbac.Permission{
			{Name: "posts.read", Action: rbac.ActionRead, Resource: "posts"},
		},
	}}

	up := newMemProvider()
	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return New(engine), up
}

func registerUser(t *testing.T, srv *Server, username, password string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/auth/register", map[string]any{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %q: status = %d, body %s", username, rec.Code, rec.Body)
	}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:51234"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body, err)
	}
	return body["code"]
}

func TestLoginEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, "alice", "s3cret-password")

	rec := doJSON(t, srv, http.MethodPost, "/auth/login", map[string]any{
		"identifier": "alice",
		"password":   "s3cret-password",
		"device_id":  "dev1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.ExpiresIn <= 0 {
		t.Fatalf("incomplete token response: %+v", tokens)
	}
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, "alice", "s3cret-password")

	for _, body := range []map[string]any{
		{"identifier": "alice", "password": "wrong-password"},
		{"identifier": "nobody", "password": "s3cret-password"},
	} {
		rec := doJSON(t, srv, http.MethodPost, "/auth/login", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if code := errCode(t, rec); code != "INVALID_CREDENTIALS" {
			t.Fatalf("code = %q, want INVALID_CREDENTIALS", code)
		}
	}
}

func TestLoginEndpointMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("{not json"))
	req.RemoteAddr = "192.0.2.10:51234"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "MALFORMED_BODY" {
		t.Fatalf("code = %q, want MALFORMED_BODY", code)
	}
}

func TestRefreshEndpointRotatesAndDetectsReuse(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, "alice", "s3cret-password")

	login := doJSON(t, srv, http.MethodPost, "/auth/login", map[string]any{
		"identifier": "alice", "password": "s3cret-password", "device_id": "dev1",
	})
	var first struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(login.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/auth/refresh", map[string]any{
		"refresh_token": first.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body)
	}

	// Replaying the rotated-out token is reuse and kills the session.
	rec = doJSON(t, srv, http.MethodPost, "/auth/refresh", map[string]any{
		"refresh_token": first.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reuse status = %d, want 401", rec.Code)
	}
	if code := errCode(t, rec); code != "REFRESH_TOKEN_REUSED" {
		t.Fatalf("code = %q, want REFRESH_TOKEN_REUSED", code)
	}
}

func TestRefreshEndpointRejectsGarbage(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/auth/refresh", map[string]any{
		"refresh_token": "not-a-refresh-token",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errCode(t, rec); code != "REFRESH_TOKEN_EXPIRED" {
		t.Fatalf("code = %q, want REFRESH_TOKEN_EXPIRED", code)
	}
}

func TestMFAVerifyEndpointUnknownChallenge(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/auth/mfa/verify", map[string]any{
		"challenge_id": "does-not-exist",
		"code":         "123456",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "MFA_CHALLENGE_NOT_FOUND" {
		t.Fatalf("code = %q, want MFA_CHALLENGE_NOT_FOUND", code)
	}
}

func TestLogoutEndpointAlwaysSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	registerUser(t, srv, "alice", "s3cret-password")

	login := doJSON(t, srv, http.MethodPost, "/auth/login", map[string]any{
		"identifier": "alice", "password": "s3cret-password",
	})
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(login.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	for _, token := range []string{tokens.AccessToken, "garbage", ""} {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.RemoteAddr = "192.0.2.10:51234"
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("logout status = %d, want 200", rec.Code)
		}
	}
}

func TestRegisterEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/auth/register", map[string]any{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "long-enough-password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		UserID string   `json:"user_id"`
		Roles  []string `json:"roles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserID == "" {
		t.Fatal("empty user_id")
	}
	if len(body.Roles) != 1 || body.Roles[0] != "reader" {
		t.Fatalf("roles = %v, want [reader]", body.Roles)
	}

	// Same username again conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/auth/register", map[string]any{
		"username": "bob",
		"password": "long-enough-password",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}
	if code := errCode(t, rec); code != "ACCOUNT_EXISTS" {
		t.Fatalf("code = %q, want ACCOUNT_EXISTS", code)
	}

	// Policy violations surface as 400.
	rec = doJSON(t, srv, http.MethodPost, "/auth/register", map[string]any{
		"username": "carol",
		"password": "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "PASSWORD_POLICY" {
		t.Fatalf("code = %q, want PASSWORD_POLICY", code)
	}
}

func TestOAuthStartUnknownProvider(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth/nope?redirect_uri=https://app.example.com/cb", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errCode(t, rec); code != "OAUTH_PROVIDER_UNKNOWN" {
		t.Fatalf("code = %q, want OAUTH_PROVIDER_UNKNOWN", code)
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/oauth/nope", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing redirect_uri status = %d, want 400", rec.Code)
	}
}

func TestIPRateLimitReturns429(t *testing.T) {
	srv, _ := newTestServer(t)
	limited := New(srv.engine, WithIPRateLimit(1, 2))

	var saw429 bool
	for i := 0; i < 5; i++ {
		rec := doJSON(t, limited, http.MethodPost, "/auth/login", map[string]any{
			"identifier": "alice", "password": "whatever-pass",
		})
		if rec.Code == http.StatusTooManyRequests {
			if code := errCode(t, rec); code != "RATE_LIMITED" {
				t.Fatalf("code = %q, want RATE_LIMITED", code)
			}
			saw429 = true
		}
	}
	if !saw429 {
		t.Fatal("burst of 5 never hit the IP limit")
	}
}
