package authcore

import (
	"context"
	"errors"
	"time"

	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/jwt"
)

// Validate verifies an access token: signature, expiry, and absence from
// the revocation set. This is the hot path; it performs exactly one Redis
// round-trip beyond the signature check.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*Claims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	parsed, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalidSignature
	}

	revoked, err := e.revocations.IsRevoked(ctx, parsed.ID, generationFromTokenID(parsed.ID), parsed.Subject, parsed.IssuedAt.Time)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if revoked {
		e.metricInc(MetricTokenRevoked)
		return nil, ErrTokenRevoked
	}

	return &Claims{
		UserID:    parsed.Subject,
		Roles:     parsed.Roles,
		TokenID:   parsed.ID,
		SessionID: generationFromTokenID(parsed.ID),
		IssuedAt:  parsed.IssuedAt.Time,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}

// Revoke marks one access token rejected until its natural expiry.
// Idempotent.
func (e *Engine) Revoke(ctx context.Context, accessToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	parsed, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		// Expired or unparseable tokens need no revocation entry.
		return nil
	}
	return e.revocations.Revoke(ctx, parsed.ID, parsed.ExpiresAt.Time)
}

// Logout invalidates the caller's current token generation: the access
// token joins the revocation set and the device's refresh generation is
// deleted. Always succeeds for invalid or already-revoked tokens, so the
// operation is idempotent from the caller's view.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	parsed, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return nil
	}

	if err := e.revocations.Revoke(ctx, parsed.ID, parsed.ExpiresAt.Time); err != nil {
		return err
	}
	if gid := generationFromTokenID(parsed.ID); gid != "" {
		if err := e.sessions.Delete(ctx, gid); err != nil {
			return err
		}
	}

	e.metricInc(MetricLogout)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventLogout,
		UserID:    parsed.Subject,
		SessionID: generationFromTokenID(parsed.ID),
		Success:   true,
	})
	return nil
}

// RevokeAllForUser ends every session of a user: all refresh generations
// are deleted and a revocation watermark rejects every access token issued
// up to now. Idempotent.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if _, err := e.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return err
	}
	if err := e.revocations.RevokeAllForUser(ctx, userID, time.Now(), e.config.JWT.AccessTTL+e.config.JWT.Leeway); err != nil {
		return err
	}

	e.metricInc(MetricRevokeAll)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventRevokeAll,
		UserID:    userID,
		Success:   true,
	})
	return nil
}
