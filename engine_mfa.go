package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/inkpress/authcore/internal"
	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/internal/stores"
)

// GenerateChallenge opens an MFA challenge for a user outside the login
// flow, e.g. to resend an SMS code. Login uses the same path internally.
func (e *Engine) GenerateChallenge(ctx context.Context, userID string, method MFAMethod) (*ChallengeInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return nil, ErrMFANotEnrolled
	}
	return e.openChallenge(ctx, user, method, "")
}

// openChallenge records a challenge under TTL. For SMS/email a random code
// is generated, only its hash stored, and delivery dispatched best-effort:
// a transport failure is audited as a warning and never fails creation.
func (e *Engine) openChallenge(ctx context.Context, user UserRecord, method MFAMethod, deviceID string) (*ChallengeInfo, error) {
	var (
		target   string
		codeHash []byte
		code     string
	)
	switch method {
	case MFAMethodTOTP:
		if !user.TOTPEnabled {
			return nil, ErrMFANotEnrolled
		}
	case MFAMethodSMS, MFAMethodEmail:
		target = user.Phone
		if method == MFAMethodEmail {
			target = user.Email
		}
		if target == "" {
			return nil, ErrMFANotEnrolled
		}
		otp, err := internal.NewOTP(e.config.MFA.CodeDigits)
		if err != nil {
			return nil, errors.Join(ErrMFAUnavailable, err)
		}
		code = otp
		hash := internal.HashCode(otp)
		codeHash = hash[:]
	default:
		return nil, ErrMFANotEnrolled
	}

	id := uuid.NewString()
	expiresAt := time.Now().Add(e.config.MFA.ChallengeTTL)
	rec := &stores.Challenge{
		UserID:    user.UserID,
		Method:    string(method),
		Target:    target,
		DeviceID:  deviceID,
		CodeHash:  codeHash,
		ExpiresAt: expiresAt.Unix(),
	}
	if err := e.challenges.Save(ctx, id, rec, e.config.MFA.ChallengeTTL); err != nil {
		// A locked user cannot open a challenge; re-login during the
		// cooldown answers the lockout, not a fresh attempt budget.
		return nil, mapChallengeErr(err)
	}

	if code != "" {
		// Fire-and-forget: the code is already recorded, the user can
		// retry delivery without invalidating the challenge.
		go func(method MFAMethod, target, code, challengeID, userID string) {
			dispatchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.notifier.SendCode(dispatchCtx, method, target, code); err != nil {
				e.auditEmit(dispatchCtx, AuditEvent{
					EventType:   internalaudit.EventMFADispatchFailed,
					UserID:      userID,
					ChallengeID: challengeID,
					Error:       err.Error(),
					Metadata:    map[string]string{"method": string(method)},
				})
			}
		}(method, target, code, id, user.UserID)
	}

	return &ChallengeInfo{ChallengeID: id, Method: method, ExpiresAt: expiresAt}, nil
}

// VerifyChallenge checks a submitted code against a pending challenge and
// issues tokens on success. A challenge is consumed by exactly one success;
// exhausting the attempt budget locks the user for the cool-down window,
// during which a correct code, or a re-login for a fresh challenge, fails
// with [ErrMFALockout].
func (e *Engine) VerifyChallenge(ctx context.Context, challengeID, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, mapChallengeErr(err)
	}

	switch MFAMethod(rec.Method) {
	case MFAMethodTOTP:
		return e.verifyTOTPChallenge(ctx, challengeID, rec, code)
	case MFAMethodSMS, MFAMethodEmail:
		return e.verifyCodeChallenge(ctx, challengeID, rec, code)
	default:
		return nil, ErrMFAChallengeNotFound
	}
}

// VerifyChallengeBackupCode consumes one single-use backup code in place of
// the challenged factor.
func (e *Engine) VerifyChallengeBackupCode(ctx context.Context, challengeID, backupCode string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, mapChallengeErr(err)
	}

	consumed, err := e.userProvider.ConsumeBackupCode(ctx, rec.UserID, internal.HashCode(backupCode))
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if !consumed {
		return nil, e.challengeFailure(ctx, challengeID, rec, ErrBackupCodeInvalid)
	}

	e.metricInc(MetricBackupCodeUsed)
	return e.completeChallenge(ctx, challengeID, rec)
}

func (e *Engine) verifyTOTPChallenge(ctx context.Context, challengeID string, rec *stores.Challenge, code string) (*LoginResult, error) {
	totpRec, err := e.userProvider.GetTOTPSecret(ctx, rec.UserID)
	if err != nil || totpRec == nil || !totpRec.Enabled {
		return nil, ErrTOTPNotConfigured
	}

	ok, counter, err := e.totp.VerifyCode(totpRec.Secret, code, time.Now())
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if !ok {
		return nil, e.challengeFailure(ctx, challengeID, rec, ErrMFAInvalidCode)
	}
	if counter <= totpRec.LastUsedCounter {
		// Correct code, already-consumed time step: replay.
		e.metricInc(MetricMFAReplay)
		return nil, e.challengeFailure(ctx, challengeID, rec, ErrMFAReplay)
	}
	if err := e.userProvider.UpdateTOTPLastUsedCounter(ctx, rec.UserID, counter); err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	return e.completeChallenge(ctx, challengeID, rec)
}

func (e *Engine) verifyCodeChallenge(ctx context.Context, challengeID string, rec *stores.Challenge, code string) (*LoginResult, error) {
	submitted := internal.HashCode(code)
	if len(rec.CodeHash) != len(submitted) ||
		subtle.ConstantTimeCompare(rec.CodeHash, submitted[:]) != 1 {
		return nil, e.challengeFailure(ctx, challengeID, rec, ErrMFAInvalidCode)
	}
	return e.completeChallenge(ctx, challengeID, rec)
}

// challengeFailure counts one failed attempt and returns either cause or,
// when this attempt exhausted the budget, ErrMFALockout.
func (e *Engine) challengeFailure(ctx context.Context, challengeID string, rec *stores.Challenge, cause error) error {
	locked, err := e.challenges.RecordFailure(ctx, challengeID, e.config.MFA.MaxAttempts, e.config.MFA.LockoutCooldown)
	if err != nil {
		mapped := mapChallengeErr(err)
		if errors.Is(mapped, ErrMFAUnavailable) {
			return mapped
		}
		// Challenge vanished between Get and RecordFailure; report the
		// original cause.
	}

	if locked {
		e.metricInc(MetricMFALockout)
		e.auditEmit(ctx, AuditEvent{
			EventType:   internalaudit.EventMFALockout,
			UserID:      rec.UserID,
			ChallengeID: challengeID,
			Metadata:    map[string]string{"method": rec.Method},
		})
		return ErrMFALockout
	}

	e.metricInc(MetricMFAFailure)
	e.auditEmit(ctx, AuditEvent{
		EventType:   internalaudit.EventMFAFailure,
		UserID:      rec.UserID,
		ChallengeID: challengeID,
		Error:       cause.Error(),
	})
	return cause
}

// completeChallenge consumes the challenge and issues tokens. The delete is
// the single-success gate: if a concurrent verification got there first,
// the challenge no longer exists and this call fails.
func (e *Engine) completeChallenge(ctx context.Context, challengeID string, rec *stores.Challenge) (*LoginResult, error) {
	existed, err := e.challenges.Delete(ctx, challengeID)
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if !existed {
		return nil, ErrMFAChallengeNotFound
	}

	user, err := e.userProvider.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, ErrMFAChallengeNotFound
	}
	if err := statusError(user.Status); err != nil {
		return nil, err
	}

	pair, err := e.issueTokens(ctx, user, rec.DeviceID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFASuccess)
	e.auditEmit(ctx, AuditEvent{
		EventType:   internalaudit.EventMFASuccess,
		UserID:      user.UserID,
		ChallengeID: challengeID,
		Success:     true,
		Metadata:    map[string]string{"method": rec.Method},
	})
	return &LoginResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}, nil
}

func mapChallengeErr(err error) error {
	switch {
	case errors.Is(err, stores.ErrChallengeNotFound):
		return ErrMFAChallengeNotFound
	case errors.Is(err, stores.ErrChallengeExpired):
		return ErrMFAChallengeExpired
	case errors.Is(err, stores.ErrChallengeLocked):
		return ErrMFALockout
	default:
		return errors.Join(ErrMFAUnavailable, err)
	}
}
