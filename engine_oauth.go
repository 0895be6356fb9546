package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inkpress/authcore/internal"
	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/internal/stores"
)

// OAuthAuthorizationURL starts the authorization-code flow. The returned
// URL embeds a random single-use state token persisted under
// [OAuthConfig.StateTTL]; the callback must present it back within that
// window.
func (e *Engine) OAuthAuthorizationURL(ctx context.Context, provider, redirectURI string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	client, ok := e.providers[provider]
	if !ok {
		return "", ErrOAuthProviderUnknown
	}

	state, err := internal.NewStateToken()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	rec := &stores.OAuthState{
		Provider:    provider,
		RedirectURI: redirectURI,
		CreatedAt:   time.Now().Unix(),
	}
	if err := e.oauthStates.Save(ctx, state, rec, e.config.OAuth.StateTTL); err != nil {
		return "", errors.Join(ErrStoreUnavailable, err)
	}
	return client.AuthorizationURL(redirectURI, state), nil
}

// CompleteOAuth finishes the flow from the provider callback: it consumes
// the state, exchanges the code, fetches the profile, and maps the external
// identity to a local account.
//
// Mapping policy: a previously linked identity logs into its linked
// account; an unlinked identity whose provider email matches an existing
// local account fails with [ErrOAuthLinkConfirmationRequired] rather than
// merging by email; otherwise a new account is created and linked. State
// values are single-use, so a replayed callback looks identical to a forged
// one.
func (e *Engine) CompleteOAuth(ctx context.Context, provider, code, state, deviceID string) (*OAuthLogin, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	client, ok := e.providers[provider]
	if !ok {
		return nil, ErrOAuthProviderUnknown
	}

	rec, err := e.oauthStates.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, stores.ErrStateNotFound) {
			return nil, e.oauthStateRejected(ctx, provider)
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if rec.Provider != provider {
		return nil, e.oauthStateRejected(ctx, provider)
	}

	accessToken, err := client.Exchange(ctx, code, rec.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthExchangeFailed, err)
	}
	profile, err := client.FetchProfile(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthProfileFetchFailed, err)
	}

	identity := ExternalIdentity{
		Provider:    provider,
		ExternalID:  profile.ExternalID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
	}

	user, newUser, err := e.resolveExternalIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if err := statusError(user.Status); err != nil {
		return nil, err
	}

	pair, err := e.issueTokens(ctx, user, deviceID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricOAuthLogin)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventOAuthLogin,
		UserID:    user.UserID,
		Success:   true,
		Metadata: map[string]string{
			"provider": provider,
			"new_user": fmt.Sprintf("%t", newUser),
		},
	})
	return &OAuthLogin{
		Tokens:   pair,
		Identity: identity,
		UserID:   user.UserID,
		NewUser:  newUser,
	}, nil
}

// resolveExternalIdentity maps a provider identity to a local account,
// creating and linking one when neither the identity nor its email is
// known.
func (e *Engine) resolveExternalIdentity(ctx context.Context, identity ExternalIdentity) (UserRecord, bool, error) {
	user, err := e.userProvider.GetUserByExternalIdentity(ctx, identity.Provider, identity.ExternalID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return UserRecord{}, false, err
	}

	if identity.Email != "" {
		if _, err := e.userProvider.GetUserByEmail(ctx, identity.Email); err == nil {
			return UserRecord{}, false, ErrOAuthLinkConfirmationRequired
		} else if !errors.Is(err, ErrUserNotFound) {
			return UserRecord{}, false, err
		}
	}

	user, err = e.userProvider.CreateUser(ctx, CreateUserInput{
		Username: federatedUsername(identity),
		Email:    identity.Email,
		Status:   AccountActive,
		Roles:    e.config.Account.DefaultRoles,
	})
	if err != nil {
		return UserRecord{}, false, err
	}
	if err := e.userProvider.LinkExternalIdentity(ctx, user.UserID, identity); err != nil {
		return UserRecord{}, false, err
	}

	e.metricInc(MetricAccountCreated)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventAccountCreated,
		UserID:    user.UserID,
		Success:   true,
		Metadata:  map[string]string{"provider": identity.Provider},
	})
	return user, true, nil
}

func (e *Engine) oauthStateRejected(ctx context.Context, provider string) error {
	e.metricInc(MetricOAuthStateMismatch)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventOAuthStateReplay,
		Error:     ErrOAuthStateMismatch.Error(),
		Metadata:  map[string]string{"provider": provider},
	})
	return ErrOAuthStateMismatch
}

// federatedUsername derives a stable local username for a new federated
// account.
func federatedUsername(identity ExternalIdentity) string {
	if identity.Email != "" {
		if i := strings.IndexByte(identity.Email, '@'); i > 0 {
			return identity.Email[:i] + "-" + identity.Provider
		}
	}
	return identity.Provider + "-" + identity.ExternalID
}
