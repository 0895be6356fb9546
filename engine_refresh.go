package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/inkpress/authcore/internal"
	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/internal/rate"
	"github.com/inkpress/authcore/session"
)

// Refresh rotates a refresh token and issues a new pair. The rotation is a
// compare-and-swap on the stored hash: of two concurrent calls with the
// same token, exactly one wins. The loser, and any later replay of the
// rotated token, observes [ErrRefreshTokenReused], which revokes the whole
// device session and is audited as a security event.
//
// Roles and account status are re-read from the user provider here, which
// is the moment role changes propagate into the access-token snapshot.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	generationID, providedSecret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrRefreshTokenExpired
	}

	if e.limiter != nil {
		if err := e.limiter.CheckRefresh(ctx, generationID); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return nil, ErrRateLimited
			}
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, errors.Join(ErrIssuance, err)
	}

	sess, err := e.sessions.Rotate(
		ctx,
		generationID,
		internal.HashRefreshSecret(providedSecret),
		internal.HashRefreshSecret(nextSecret),
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrHashMismatch):
			return nil, e.refreshReuse(ctx, generationID)
		case errors.Is(err, session.ErrGenerationNotFound):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrRefreshTokenExpired
		default:
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
	}

	now := time.Now()
	if now.After(sess.ExpiresAt) {
		_ = e.sessions.Delete(ctx, generationID)
		e.metricInc(MetricRefreshFailure)
		return nil, ErrRefreshTokenExpired
	}

	user, err := e.userProvider.GetUserByID(ctx, sess.UserID)
	if err != nil {
		_ = e.sessions.Delete(ctx, generationID)
		e.metricInc(MetricRefreshFailure)
		return nil, ErrRefreshTokenExpired
	}
	if err := statusError(user.Status); err != nil {
		_ = e.sessions.Delete(ctx, generationID)
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	pair, err := e.signPair(sess, user.Roles, nextSecret, now)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventRefreshSuccess,
		UserID:    sess.UserID,
		SessionID: sess.GenerationID,
		Success:   true,
	})
	return &pair, nil
}

// refreshReuse handles the theft signal: the presented secret belonged to a
// generation that was already rotated. The whole device session is revoked,
// outstanding access tokens of the generation included, so the holder of
// the rotated token (legitimate or not) must re-authenticate.
func (e *Engine) refreshReuse(ctx context.Context, generationID string) error {
	var userID string
	if sess, err := e.sessions.Get(ctx, generationID); err == nil {
		userID = sess.UserID
	}
	_ = e.sessions.Delete(ctx, generationID)
	_ = e.revocations.RevokeGeneration(ctx, generationID, e.config.JWT.AccessTTL+e.config.JWT.Leeway)

	e.metricInc(MetricRefreshReuseDetected)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventRefreshReuse,
		UserID:    userID,
		SessionID: generationID,
		Error:     ErrRefreshTokenReused.Error(),
	})
	return ErrRefreshTokenReused
}
