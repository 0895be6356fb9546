package authcore

import (
	"context"
	"errors"
	"time"

	internalaudit "github.com/inkpress/authcore/internal/audit"
)

// SetupTOTP provisions a new TOTP secret for the user and returns the
// base32 secret plus otpauth:// URI for authenticator enrollment. The
// factor stays pending until the first code is confirmed through
// [Engine.ConfirmTOTPSetup]; a pending secret is never accepted at login.
// Calling SetupTOTP again replaces any pending secret.
func (e *Engine) SetupTOTP(ctx context.Context, userID string) (*TOTPSetup, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return nil, ErrMFANotEnrolled
	}
	if err := statusError(user.Status); err != nil {
		return nil, err
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if err := e.userProvider.EnableTOTP(ctx, userID, secret); err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	account := user.Username
	if account == "" {
		account = user.Email
	}
	return &TOTPSetup{
		SecretBase32:    secretBase32,
		ProvisioningURI: e.totp.ProvisionURI(secretBase32, account),
	}, nil
}

// ConfirmTOTPSetup activates a pending TOTP secret by verifying the first
// code from the user's authenticator. On success the factor is marked
// verified, a fresh batch of single-use backup codes is generated, and
// their plaintexts are returned exactly once.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, userID, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.userProvider.GetTOTPSecret(ctx, userID)
	if err != nil || rec == nil {
		return nil, ErrTOTPNotConfigured
	}

	ok, counter, err := e.totp.VerifyCode(rec.Secret, code, time.Now())
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if !ok {
		return nil, ErrTOTPInvalid
	}
	if err := e.userProvider.UpdateTOTPLastUsedCounter(ctx, userID, counter); err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if err := e.userProvider.MarkTOTPVerified(ctx, userID); err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	codes, err := e.replaceBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventStatusChanged,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"change": "totp_enabled"},
	})
	return codes, nil
}

// DisableTOTP tears down the user's TOTP enrollment. A valid current code
// is required as proof of possession; backup codes are invalidated in the
// same operation since they exist only as a TOTP fallback.
func (e *Engine) DisableTOTP(ctx context.Context, userID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	rec, err := e.userProvider.GetTOTPSecret(ctx, userID)
	if err != nil || rec == nil || !rec.Enabled {
		return ErrTOTPNotConfigured
	}

	ok, _, err := e.totp.VerifyCode(rec.Secret, code, time.Now())
	if err != nil {
		return errors.Join(ErrMFAUnavailable, err)
	}
	if !ok {
		return ErrTOTPInvalid
	}

	if err := e.userProvider.DisableTOTP(ctx, userID); err != nil {
		return errors.Join(ErrMFAUnavailable, err)
	}
	if err := e.userProvider.ReplaceBackupCodes(ctx, userID, nil); err != nil {
		return errors.Join(ErrMFAUnavailable, err)
	}

	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventStatusChanged,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"change": "totp_disabled"},
	})
	return nil
}
