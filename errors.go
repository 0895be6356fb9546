package authcore

import "errors"

var (
	// ErrEngineNotReady is returned when an Engine method is called on a nil
	// or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not ready")

	// ErrInvalidCredentials covers both unknown identifiers and wrong
	// passwords. The two cases are deliberately indistinguishable to the
	// caller to prevent user enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDisabled is returned when the account status forbids login.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountLocked is returned when the account has been locked.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDeleted is returned for soft-deleted accounts.
	ErrAccountDeleted = errors.New("account deleted")
	// ErrAccountExists is returned by CreateAccount on duplicate identifiers.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountInvalid is returned for malformed registration input.
	ErrAccountInvalid = errors.New("invalid account request")

	// ErrRateLimited is returned when a login or refresh attempt exceeds the
	// configured attempt budget for its identifier or IP.
	ErrRateLimited = errors.New("rate limited")

	// ErrIssuance is returned when token signing fails; the only issuance
	// failure mode is signing-key unavailability.
	ErrIssuance = errors.New("token issuance failed")

	// ErrTokenExpired is returned by Validate for expired access tokens.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalidSignature is returned for signature or claim failures.
	ErrTokenInvalidSignature = errors.New("token signature invalid")
	// ErrTokenRevoked is returned for signature-valid tokens present in the
	// revocation set.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrRefreshTokenExpired is returned when a refresh token's generation no
	// longer exists (expired, logged out, or malformed token).
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrRefreshTokenReused is returned when a refresh token that has already
	// been rotated is presented again. This is treated as a theft signal: the
	// whole device session is revoked and a security audit event is emitted.
	ErrRefreshTokenReused = errors.New("refresh token reuse detected")

	// ErrMFAChallengeNotFound is returned for unknown challenge ids.
	ErrMFAChallengeNotFound = errors.New("mfa challenge not found")
	// ErrMFAChallengeExpired is returned when a challenge outlived its TTL.
	ErrMFAChallengeExpired = errors.New("mfa challenge expired")
	// ErrMFAInvalidCode is returned for a wrong code with budget remaining.
	ErrMFAInvalidCode = errors.New("invalid mfa code")
	// ErrMFALockout is returned once the attempt budget is exhausted; it
	// persists for the cool-down window regardless of code correctness.
	ErrMFALockout = errors.New("mfa challenge locked")
	// ErrMFAReplay is returned when a TOTP code from an already-consumed time
	// step is presented again.
	ErrMFAReplay = errors.New("mfa code replay detected")
	// ErrMFAUnavailable is returned when the challenge backend is unreachable.
	ErrMFAUnavailable = errors.New("mfa backend unavailable")
	// ErrMFANotEnrolled is returned when a flow requires an enrolled factor.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")

	// ErrTOTPNotConfigured is returned when no TOTP secret is on file.
	ErrTOTPNotConfigured = errors.New("totp not configured")
	// ErrTOTPInvalid is returned for an invalid TOTP code during setup.
	ErrTOTPInvalid = errors.New("invalid totp code")

	// ErrBackupCodeInvalid is returned for unknown or already-consumed codes.
	ErrBackupCodeInvalid = errors.New("invalid backup code")
	// ErrBackupCodesNotConfigured is returned when no codes were generated.
	ErrBackupCodesNotConfigured = errors.New("backup codes not configured")
	// ErrBackupCodeRegenerationRequiresTOTP gates regeneration behind a fresh
	// TOTP proof.
	ErrBackupCodeRegenerationRequiresTOTP = errors.New("backup code regeneration requires totp verification")

	// ErrOAuthProviderUnknown is returned for unconfigured provider names.
	ErrOAuthProviderUnknown = errors.New("unknown oauth provider")
	// ErrOAuthStateMismatch is returned when the callback state is missing,
	// expired, already consumed, or bound to a different provider.
	ErrOAuthStateMismatch = errors.New("oauth state mismatch")
	// ErrOAuthExchangeFailed is returned when the authorization-code exchange
	// with the provider fails.
	ErrOAuthExchangeFailed = errors.New("oauth code exchange failed")
	// ErrOAuthProfileFetchFailed is returned when the provider profile
	// endpoint fails after a successful exchange.
	ErrOAuthProfileFetchFailed = errors.New("oauth profile fetch failed")
	// ErrOAuthLinkConfirmationRequired is returned when the provider email
	// matches an existing local account that has no link to this external
	// identity. Accounts are never merged by email alone.
	ErrOAuthLinkConfirmationRequired = errors.New("oauth account link requires confirmation")

	// ErrUserNotFound is returned by [UserProvider] implementations for
	// unknown users. The engine maps it to flow-specific errors before it
	// reaches callers.
	ErrUserNotFound = errors.New("user not found")

	// ErrPasswordPolicy is returned when a password fails the configured
	// policy.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrStoreUnavailable is returned when Redis is unreachable.
	ErrStoreUnavailable = errors.New("auth store unavailable")
)
