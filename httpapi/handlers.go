package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/inkpress/authcore"
	"github.com/inkpress/authcore/middleware"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type challengeResponse struct {
	MFARequired bool   `json:"mfa_required"`
	Method      string `json:"method"`
	ChallengeID string `json:"challenge_id"`
}

// handleLogin returns 200 with tokens, 202 with a challenge, or 401. The
// 401 never distinguishes unknown identifiers from wrong passwords.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := s.engine.Login(r.Context(), authcore.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		DeviceID:   req.DeviceID,
		IP:         clientIP(r),
	})
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	if result.MFARequired {
		writeJSON(w, http.StatusAccepted, challengeResponse{
			MFARequired: true,
			Method:      string(result.MFAMethod),
			ChallengeID: result.ChallengeID,
		})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresIn:    result.ExpiresIn,
	})
}

type mfaVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
	BackupCode  string `json:"backup_code"`
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		result *authcore.LoginResult
		err    error
	)
	if req.BackupCode != "" {
		result, err = s.engine.VerifyChallengeBackupCode(r.Context(), req.ChallengeID, req.BackupCode)
	} else {
		result, err = s.engine.VerifyChallenge(r.Context(), req.ChallengeID, req.Code)
	}
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresIn:    result.ExpiresIn,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}

	pair, err := s.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

// handleLogout always returns 200: an invalid or already-revoked token is
// already in the state logout produces.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token != "" {
		if err := s.engine.Logout(r.Context(), token); err != nil {
			s.logger.Warn("logout", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type registerRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Phone    string   `json:"phone"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
	DeviceID string   `json:"device_id"`
}

type registerResponse struct {
	UserID       string   `json:"user_id"`
	Roles        []string `json:"roles"`
	AccessToken  string   `json:"access_token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := s.engine.CreateAccount(r.Context(), authcore.CreateAccountRequest{
		Username: req.Username,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
		Roles:    req.Roles,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		UserID:       result.UserID,
		Roles:        result.Roles,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		writeError(w, http.StatusBadRequest, "REDIRECT_URI_REQUIRED")
		return
	}

	authURL, err := s.engine.OAuthAuthorizationURL(r.Context(), provider, redirectURI)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

type oauthCallbackRequest struct {
	Code     string `json:"code"`
	State    string `json:"state"`
	DeviceID string `json:"device_id"`
}

type oauthCallbackResponse struct {
	tokenResponse
	UserID  string `json:"user_id"`
	NewUser bool   `json:"new_user"`
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var req oauthCallbackRequest
	if !decode(w, r, &req) {
		return
	}

	login, err := s.engine.CompleteOAuth(r.Context(), provider, req.Code, req.State, req.DeviceID)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, oauthCallbackResponse{
		tokenResponse: tokenResponse{
			AccessToken:  login.Tokens.AccessToken,
			RefreshToken: login.Tokens.RefreshToken,
			ExpiresIn:    login.Tokens.ExpiresIn,
		},
		UserID:  login.UserID,
		NewUser: login.NewUser,
	})
}

// writeFlowError maps engine sentinels to status codes and stable error
// codes. Unknown errors are logged and collapse to a 500 with no detail.
func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authcore.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS")
	case errors.Is(err, authcore.ErrAccountDisabled),
		errors.Is(err, authcore.ErrAccountLocked),
		errors.Is(err, authcore.ErrAccountDeleted):
		writeError(w, http.StatusForbidden, "ACCOUNT_INACTIVE")
	case errors.Is(err, authcore.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED")
	case errors.Is(err, authcore.ErrMFALockout):
		writeError(w, http.StatusBadRequest, "MFA_LOCKOUT")
	case errors.Is(err, authcore.ErrMFAChallengeExpired):
		writeError(w, http.StatusBadRequest, "MFA_CHALLENGE_EXPIRED")
	case errors.Is(err, authcore.ErrMFAChallengeNotFound):
		writeError(w, http.StatusBadRequest, "MFA_CHALLENGE_NOT_FOUND")
	case errors.Is(err, authcore.ErrMFAInvalidCode),
		errors.Is(err, authcore.ErrMFAReplay),
		errors.Is(err, authcore.ErrBackupCodeInvalid):
		writeError(w, http.StatusBadRequest, "MFA_INVALID_CODE")
	case errors.Is(err, authcore.ErrRefreshTokenReused):
		writeError(w, http.StatusUnauthorized, "REFRESH_TOKEN_REUSED")
	case errors.Is(err, authcore.ErrRefreshTokenExpired):
		writeError(w, http.StatusUnauthorized, "REFRESH_TOKEN_EXPIRED")
	case errors.Is(err, authcore.ErrAccountExists):
		writeError(w, http.StatusConflict, "ACCOUNT_EXISTS")
	case errors.Is(err, authcore.ErrPasswordPolicy):
		writeError(w, http.StatusBadRequest, "PASSWORD_POLICY")
	case errors.Is(err, authcore.ErrAccountInvalid):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST")
	case errors.Is(err, authcore.ErrOAuthProviderUnknown):
		writeError(w, http.StatusNotFound, "OAUTH_PROVIDER_UNKNOWN")
	case errors.Is(err, authcore.ErrOAuthStateMismatch):
		writeError(w, http.StatusBadRequest, "OAUTH_STATE_MISMATCH")
	case errors.Is(err, authcore.ErrOAuthLinkConfirmationRequired):
		writeError(w, http.StatusConflict, "OAUTH_LINK_CONFIRMATION_REQUIRED")
	case errors.Is(err, authcore.ErrOAuthExchangeFailed),
		errors.Is(err, authcore.ErrOAuthProfileFetchFailed):
		writeError(w, http.StatusBadGateway, "OAUTH_UPSTREAM_FAILED")
	default:
		s.logger.Error("auth flow", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_BODY")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"code": code})
}
