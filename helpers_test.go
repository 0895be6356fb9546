package authcore

import (
	"context"
	"encoding/base32"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/inkpress/authcore/rbac"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.JWT.Issuer = "authcore-test"
	cfg.RateLimit.MaxLoginAttempts = 5
	cfg.RateLimit.LoginCooldown = time.Minute
	cfg.RBAC.Roles = testRoles()
	cfg.Audit.Enabled = false
	cfg.Metrics.Enabled = true
	return cfg
}

func testRoles() []rbac.Role {
	return []rbac.Role{
		{Name: "reader", Permissions: []rbac.Permission{
			{Name: "posts.read", Action: rbac.ActionRead, Resource: "posts"},
		}},
		{Name: "author", Parent: "reader", Permissions: []rbac.Permission{
			{Name: "posts.create", Action: rbac.ActionCreate, Resource: "posts"},
			{
				Name:      "posts.update.own",
				Action:    rbac.ActionUpdate,
				Resource:  "posts",
				Condition: rbac.FieldEquals{Field: "owner_id", Other: "subject_id"},
			},
		}},
		{Name: "editor", Parent: "author", Permissions: []rbac.Permission{
			{Name: "posts.update", Action: rbac.ActionUpdate, Resource: "posts"},
		}},
	}
}

func newEngineWithProvider(t *testing.T, cfg Config, up UserProvider) (*Engine, *redis.Client, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, rdb, func() {
		engine.Close()
		mr.Close()
	}
}

// fakeUserProvider is an in-memory UserProvider. All mutating methods are
// mutex-guarded so concurrency tests can hammer it.
type fakeUserProvider struct {
	mu          sync.Mutex
	users       map[string]UserRecord          // by user id
	totp        map[string]*TOTPRecord         // by user id
	backupCodes map[string][]BackupCodeRecord  // by user id
	identities  map[string]string              // provider|external id -> user id
	nextID      int
	createErr   error
}

func newFakeUserProvider() *fakeUserProvider {
	return &fakeUserProvider{
		users:       map[string]UserRecord{},
		totp:        map[string]*TOTPRecord{},
		backupCodes: map[string][]BackupCodeRecord{},
		identities:  map[string]string{},
	}
}

// addUser seeds a user with a real argon2 hash for password and returns the
// user id.
func (f *fakeUserProvider) addUser(t *testing.T, engine *Engine, user UserRecord, password string) string {
	t.Helper()

	hash, err := engine.hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	user.PasswordHash = hash

	f.mu.Lock()
	defer f.mu.Unlock()
	if user.UserID == "" {
		f.nextID++
		user.UserID = "u" + strconv.Itoa(f.nextID)
	}
	f.users[user.UserID] = user
	return user.UserID
}

func (f *fakeUserProvider) setTOTP(userID string, secret []byte, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totp[userID] = &TOTPRecord{Secret: secret, Enabled: enabled, Verified: enabled}
	user := f.users[userID]
	user.TOTPEnabled = enabled
	f.users[userID] = user
}

func (f *fakeUserProvider) GetUserByIdentifier(_ context.Context, identifier string) (UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == identifier || (u.Email != "" && u.Email == identifier) {
			return u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (f *fakeUserProvider) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUserProvider) GetUserByEmail(_ context.Context, email string) (UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email != "" && u.Email == email {
			return u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (f *fakeUserProvider) CreateUser(_ context.Context, input CreateUserInput) (UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return UserRecord{}, f.createErr
	}
	for _, u := range f.users {
		if u.Username == input.Username {
			return UserRecord{}, ErrAccountExists
		}
	}
	f.nextID++
	user := UserRecord{
		UserID:       "u" + strconv.Itoa(f.nextID),
		Username:     input.Username,
		Email:        input.Email,
		Phone:        input.Phone,
		PasswordHash: input.PasswordHash,
		Status:       input.Status,
		Roles:        input.Roles,
	}
	f.users[user.UserID] = user
	return user, nil
}

func (f *fakeUserProvider) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = newHash
	f.users[userID] = u
	return nil
}

func (f *fakeUserProvider) UpdateAccountStatus(_ context.Context, userID string, status AccountStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Status = status
	f.users[userID] = u
	return nil
}

func (f *fakeUserProvider) GetTOTPSecret(_ context.Context, userID string) (*TOTPRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.totp[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeUserProvider) EnableTOTP(_ context.Context, userID string, secret []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totp[userID] = &TOTPRecord{Secret: secret}
	return nil
}

func (f *fakeUserProvider) DisableTOTP(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.totp, userID)
	u := f.users[userID]
	u.TOTPEnabled = false
	f.users[userID] = u
	return nil
}

func (f *fakeUserProvider) MarkTOTPVerified(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.totp[userID]
	if !ok {
		return ErrUserNotFound
	}
	rec.Enabled = true
	rec.Verified = true
	u := f.users[userID]
	u.TOTPEnabled = true
	f.users[userID] = u
	return nil
}

func (f *fakeUserProvider) UpdateTOTPLastUsedCounter(_ context.Context, userID string, counter int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.totp[userID]
	if !ok {
		return ErrUserNotFound
	}
	if counter > rec.LastUsedCounter {
		rec.LastUsedCounter = counter
	}
	return nil
}

func (f *fakeUserProvider) GetBackupCodes(_ context.Context, userID string) ([]BackupCodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BackupCodeRecord(nil), f.backupCodes[userID]...), nil
}

func (f *fakeUserProvider) ReplaceBackupCodes(_ context.Context, userID string, codes []BackupCodeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backupCodes[userID] = append([]BackupCodeRecord(nil), codes...)
	return nil
}

func (f *fakeUserProvider) ConsumeBackupCode(_ context.Context, userID string, codeHash [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := f.backupCodes[userID]
	for i, c := range codes {
		if c.Hash == codeHash {
			f.backupCodes[userID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUserProvider) GetUserByExternalIdentity(_ context.Context, provider, externalID string) (UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.identities[provider+"|"+externalID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return f.users[userID], nil
}

func (f *fakeUserProvider) LinkExternalIdentity(_ context.Context, userID string, identity ExternalIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[identity.Provider+"|"+identity.ExternalID] = userID
	return nil
}

var _ UserProvider = (*fakeUserProvider)(nil)

func codeForNow(t *testing.T, secretBase32 string, cfg TOTPConfig) string {
	t.Helper()
	return codeForOffset(t, secretBase32, cfg, 0)
}

func codeForOffset(t *testing.T, secretBase32 string, cfg TOTPConfig, offset int64) string {
	t.Helper()

	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secretBase32))
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	counter := (time.Now().Unix() / int64(cfg.Period)) + offset
	return newTOTPManager(cfg).hotp(key, counter)
}
