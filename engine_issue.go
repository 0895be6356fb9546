package authcore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkpress/authcore/internal"
	"github.com/inkpress/authcore/session"
)

// issueTokens creates a fresh refresh generation for user+device and signs
// an access token carrying the role snapshot. The access token id embeds the
// generation id ("<generation>.<random>") so logout can locate the device
// session from claims alone.
func (e *Engine) issueTokens(ctx context.Context, user UserRecord, deviceID string) (TokenPair, error) {
	if deviceID == "" {
		deviceID = "default"
	}

	gid, err := internal.NewGenerationID()
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}

	now := time.Now()
	sess := &session.Session{
		GenerationID: gid.String(),
		UserID:       user.UserID,
		DeviceID:     deviceID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.config.Refresh.TTL),
	}
	if _, err := e.sessions.Create(ctx, sess, internal.HashRefreshSecret(secret), e.config.Refresh.TTL); err != nil {
		return TokenPair{}, err
	}

	pair, err := e.signPair(sess, user.Roles, secret, now)
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// signPair signs the access token and encodes the opaque refresh token for
// an existing generation. Used by both issuance and refresh rotation.
func (e *Engine) signPair(sess *session.Session, roles []string, secret [32]byte, now time.Time) (TokenPair, error) {
	jti := sess.GenerationID + "." + uuid.NewString()
	access, err := e.jwtManager.CreateAccess(sess.UserID, roles, jti, now)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	refresh, err := internal.EncodeRefreshToken(sess.GenerationID, secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(e.jwtManager.AccessTTL() / time.Second),
	}, nil
}

// generationFromTokenID extracts the generation id embedded in a jti.
func generationFromTokenID(jti string) string {
	if i := strings.IndexByte(jti, '.'); i > 0 {
		return jti[:i]
	}
	return ""
}

// statusError maps a non-active account status to its sentinel.
func statusError(status AccountStatus) error {
	switch status {
	case AccountActive:
		return nil
	case AccountDisabled:
		return ErrAccountDisabled
	case AccountLocked:
		return ErrAccountLocked
	case AccountDeleted:
		return ErrAccountDeleted
	default:
		return ErrAccountDisabled
	}
}
