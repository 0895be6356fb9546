package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	internalaudit "github.com/inkpress/authcore/internal/audit"
	"github.com/inkpress/authcore/password"
)

// CreateAccount registers a new user. The password is hashed with argon2id
// after policy validation; requested roles must exist in the configured
// hierarchy and default to [AccountConfig.DefaultRoles] when empty. With
// auto-login enabled the result also carries a fresh token pair.
func (e *Engine) CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.Account.AllowCreation {
		return nil, fmt.Errorf("%w: account creation disabled", ErrAccountInvalid)
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrAccountInvalid)
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = e.config.Account.DefaultRoles
	}
	for _, role := range roles {
		if !e.rbac.HasRole(role) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrAccountInvalid, role)
		}
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		if errors.Is(err, password.ErrPolicy) {
			return nil, fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
		}
		return nil, err
	}

	user, err := e.userProvider.CreateUser(ctx, CreateUserInput{
		Username:     username,
		Email:        strings.TrimSpace(req.Email),
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: hash,
		Status:       AccountActive,
		Roles:        roles,
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricAccountCreated)
	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventAccountCreated,
		UserID:    user.UserID,
		Success:   true,
		Metadata:  map[string]string{"username": username},
	})

	result := &CreateAccountResult{UserID: user.UserID, Roles: user.Roles}
	if e.config.Account.AutoLogin {
		pair, err := e.issueTokens(ctx, user, req.DeviceID)
		if err != nil {
			return nil, err
		}
		result.AccessToken = pair.AccessToken
		result.RefreshToken = pair.RefreshToken
	}
	return result, nil
}

// ChangePassword rotates the credential after verifying the current one.
// All existing sessions and outstanding access tokens are revoked: a
// password change is the canonical response to suspected credential theft.
func (e *Engine) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return ErrInvalidCredentials
	}
	ok, err := e.hasher.Verify(currentPassword, user.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrPolicy) {
			return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
		}
		return err
	}
	if err := e.userProvider.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}

	return e.RevokeAllForUser(ctx, userID)
}

// SetAccountStatus applies a lifecycle transition. Any transition away from
// active revokes the user's sessions and outstanding access tokens in the
// same call, so a disable takes effect immediately rather than at the next
// refresh.
func (e *Engine) SetAccountStatus(ctx context.Context, userID string, status AccountStatus) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.userProvider.UpdateAccountStatus(ctx, userID, status); err != nil {
		return err
	}

	e.auditEmit(ctx, AuditEvent{
		EventType: internalaudit.EventStatusChanged,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"status": accountStatusName(status)},
	})

	if status == AccountActive {
		return nil
	}
	return e.RevokeAllForUser(ctx, userID)
}

func accountStatusName(status AccountStatus) string {
	switch status {
	case AccountActive:
		return "active"
	case AccountDisabled:
		return "disabled"
	case AccountLocked:
		return "locked"
	case AccountDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}
