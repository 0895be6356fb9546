package authcore

import (
	"context"
	"errors"

	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/internal/rate"
)

// LoginInput carries one credential login attempt. DeviceID scopes the
// refresh generation; IP feeds the attempt budget and audit trail.
type LoginInput struct {
	Identifier string
	Password   string
	DeviceID   string
	IP         string
}

// Login verifies credentials and either issues a token pair or, when the
// user has an MFA factor enrolled, opens a challenge and returns its id.
//
// Unknown identifiers and wrong passwords produce the same
// [ErrInvalidCredentials], with the same argon2 work burned in both cases,
// so neither the response nor its timing reveals account existence.
func (e *Engine) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if input.Identifier == "" || input.Password == "" {
		return nil, ErrInvalidCredentials
	}

	if e.limiter != nil {
		if err := e.limiter.CheckLogin(ctx, input.Identifier, input.IP); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				e.metricInc(MetricLoginRateLimited)
				return nil, ErrRateLimited
			}
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
	}

	user, err := e.userProvider.GetUserByIdentifier(ctx, input.Identifier)
	if err != nil {
		e.hasher.DummyVerify(input.Password)
		e.failLogin(ctx, input, "")
		return nil, ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(input.Password, user.PasswordHash)
	if err != nil || !ok {
		e.failLogin(ctx, input, user.UserID)
		return nil, ErrInvalidCredentials
	}

	if err := statusError(user.Status); err != nil {
		e.auditEmit(ctx, AuditEvent{
			EventType: internalaudit.EventLoginFailure,
			UserID:    user.UserID,
			IP:        input.IP,
			Error:     err.Error(),
		})
		return nil, err
	}

	if e.limiter != nil {
		_ = e.limiter.ResetLogin(ctx, input.Identifier, input.IP)
	}

	if method := loginMFAMethod(user); method != "" {
		info, err := e.openChallenge(ctx, user, method, input.DeviceID)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricMFARequired)
		e.auditEmit(ctx, AuditEvent{
			EventType:   internalaudit.EventMFARequired,
			UserID:      user.UserID,
			ChallengeID: info.ChallengeID,
			IP:          input.IP,
			Success:     true,
			Metadata:    map[string]string{"method": string(method)},
		})
		return &LoginResult{
			MFARequired: true,
			MFAMethod:   method,
			ChallengeID: info.ChallengeID,
		}, nil
	}

	pair, err := e.issueTokens(ctx, user, input.DeviceID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventLoginSuccess,
		UserID:    user.UserID,
		IP:        input.IP,
		Success:   true,
	})
	return &LoginResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}, nil
}

func (e *Engine) failLogin(ctx context.Context, input LoginInput, userID string) {
	if e.limiter != nil {
		_ = e.limiter.RecordLoginFailure(ctx, input.Identifier, input.IP)
	}
	e.metricInc(MetricLoginFailure)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventLoginFailure,
		UserID:    userID,
		IP:        input.IP,
		Error:     ErrInvalidCredentials.Error(),
	})
}

// loginMFAMethod picks the challenge method for an enrolled user, or ""
// when the login completes on the first factor.
func loginMFAMethod(user UserRecord) MFAMethod {
	switch user.MFAPreferred {
	case MFAMethodSMS:
		if user.Phone != "" {
			return MFAMethodSMS
		}
	case MFAMethodEmail:
		if user.Email != "" {
			return MFAMethodEmail
		}
	}
	if user.TOTPEnabled {
		return MFAMethodTOTP
	}
	return ""
}
