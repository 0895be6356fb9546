package authcore

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/inkpress/authcore/internal/audit"
)

// AccountStatus represents the lifecycle state of a user account. Accounts
// are never physically deleted; deactivation is a status transition.
type AccountStatus uint8

const (
	// AccountActive allows login and refresh.
	AccountActive AccountStatus = iota
	// AccountDisabled blocks login; existing sessions are revoked when the
	// transition is applied.
	AccountDisabled
	// AccountLocked blocks login after administrative or security action.
	AccountLocked
	// AccountDeleted marks a soft-deleted account.
	AccountDeleted
)

// MFAMethod identifies the second factor used for a login challenge.
type MFAMethod string

const (
	// MFAMethodTOTP verifies against the user's enrolled TOTP secret.
	MFAMethodTOTP MFAMethod = "totp"
	// MFAMethodSMS delivers a one-time numeric code over SMS.
	MFAMethodSMS MFAMethod = "sms"
	// MFAMethodEmail delivers a one-time numeric code over email.
	MFAMethodEmail MFAMethod = "email"
	// MFAMethodBackupCode consumes one single-use backup code.
	MFAMethodBackupCode MFAMethod = "backup_code"
)

// UserRecord is the full account record returned by [UserProvider]. It
// carries the credential hash, status, role assignments, contact points for
// SMS/email challenges, and MFA enrollment flags.
type UserRecord struct {
	UserID       string
	Username     string
	Email        string
	Phone        string
	PasswordHash string
	Status       AccountStatus
	Roles        []string

	TOTPEnabled  bool
	MFAPreferred MFAMethod
}

// TOTPRecord is retrieved from [UserProvider.GetTOTPSecret]. It carries the
// secret, enabled/verified flags, and the last-used time-step counter for
// replay protection.
type TOTPRecord struct {
	Secret          []byte
	Enabled         bool
	Verified        bool
	LastUsedCounter int64
}

// BackupCodeRecord stores the SHA-256 hash of a single backup code. The
// plaintext is never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
}

// ExternalIdentity is a normalized identity returned by an OAuth2 provider
// and linked to a local user.
type ExternalIdentity struct {
	Provider    string
	ExternalID  string
	Email       string
	DisplayName string
}

// CreateUserInput is the input for [UserProvider.CreateUser].
type CreateUserInput struct {
	Username     string
	Email        string
	Phone        string
	PasswordHash string
	Status       AccountStatus
	Roles        []string
}

// UserProvider is the primary interface that callers implement to integrate
// authcore with their user database. It covers credential lookup, account
// lifecycle, TOTP secret management, backup code storage, and external
// identity links. See store/pg for a Postgres implementation.
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	UpdateAccountStatus(ctx context.Context, userID string, status AccountStatus) error

	GetTOTPSecret(ctx context.Context, userID string) (*TOTPRecord, error)
	EnableTOTP(ctx context.Context, userID string, secret []byte) error
	DisableTOTP(ctx context.Context, userID string) error
	MarkTOTPVerified(ctx context.Context, userID string) error
	UpdateTOTPLastUsedCounter(ctx context.Context, userID string, counter int64) error

	GetBackupCodes(ctx context.Context, userID string) ([]BackupCodeRecord, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	ConsumeBackupCode(ctx context.Context, userID string, codeHash [32]byte) (bool, error)

	GetUserByExternalIdentity(ctx context.Context, provider, externalID string) (UserRecord, error)
	LinkExternalIdentity(ctx context.Context, userID string, identity ExternalIdentity) error
}

// Notifier dispatches one-time codes for SMS and email challenges. Dispatch
// is best-effort: a transport failure is logged as a warning and never fails
// challenge creation.
type Notifier interface {
	SendCode(ctx context.Context, method MFAMethod, target, code string) error
}

// NoopNotifier discards all codes. Useful for tests and TOTP-only setups.
type NoopNotifier struct{}

// SendCode implements [Notifier].
func (NoopNotifier) SendCode(context.Context, MFAMethod, string, string) error { return nil }

// TokenPair holds a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime in seconds
}

// Claims is the validated access-token claim set. Roles are the snapshot
// taken at issuance; role changes apply at the next refresh.
type Claims struct {
	UserID    string
	Roles     []string
	TokenID   string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// LoginResult is returned by [Engine.Login] and [Engine.VerifyChallenge]. It
// carries tokens when authentication completed, or challenge metadata when a
// second factor is still required.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64

	MFARequired bool
	MFAMethod   MFAMethod
	ChallengeID string
}

// ChallengeInfo describes an issued MFA challenge.
type ChallengeInfo struct {
	ChallengeID string
	Method      MFAMethod
	ExpiresAt   time.Time
}

// TOTPSetup holds the base32-encoded TOTP secret and otpauth:// provisioning
// URI returned by [Engine.SetupTOTP]. The factor stays inactive until the
// first code is confirmed through [Engine.ConfirmTOTPSetup].
type TOTPSetup struct {
	SecretBase32    string
	ProvisioningURI string
}

// CreateAccountRequest is the input for [Engine.CreateAccount]. Username and
// Password are required; Roles default to [AccountConfig.DefaultRoles] when
// empty.
type CreateAccountRequest struct {
	Username string
	Email    string
	Phone    string
	Password string
	Roles    []string
	DeviceID string
}

// CreateAccountResult is returned by [Engine.CreateAccount]. Tokens are set
// only when auto-login is enabled.
type CreateAccountResult struct {
	UserID       string
	Roles        []string
	AccessToken  string
	RefreshToken string
}

// OAuthLogin is returned by [Engine.CompleteOAuth] on success.
type OAuthLogin struct {
	Tokens   TokenPair
	Identity ExternalIdentity
	UserID   string
	NewUser  bool
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
