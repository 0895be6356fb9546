// Package client provides an http.RoundTripper that attaches access tokens
// to outgoing requests and transparently refreshes them on 401 responses.
// Concurrent 401s trigger exactly one refresh call; every waiter retries
// with the token that refresh produced.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrNoCredentials is returned when a request needs a token but the store
// holds none, typically after a failed refresh cleared it.
var ErrNoCredentials = errors.New("client: no credentials")

// RefreshFunc exchanges a refresh token for a new pair. Implementations
// call the auth service's refresh endpoint.
type RefreshFunc func(ctx context.Context, refreshToken string) (newAccess, newRefresh string, err error)

// TokenStore holds the current token pair. Safe for concurrent use.
type TokenStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewTokenStore seeds a store with an initial pair.
func NewTokenStore(accessToken, refreshToken string) *TokenStore {
	return &TokenStore{access: accessToken, refresh: refreshToken}
}

// Tokens returns the current pair.
func (s *TokenStore) Tokens() (accessToken, refreshToken string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access, s.refresh
}

// Set replaces the current pair.
func (s *TokenStore) Set(accessToken, refreshToken string) {
	s.mu.Lock()
	s.access, s.refresh = accessToken, refreshToken
	s.mu.Unlock()
}

// Clear drops the stored pair. Subsequent requests fail with
// [ErrNoCredentials] until Set is called again.
func (s *TokenStore) Clear() {
	s.Set("", "")
}

// Transport is an authenticating [http.RoundTripper]. On a 401 it refreshes
// the pair through the single-flight group and retries the request once
// with the new access token. The refresh call itself is never retried: a
// 401 from the refresh endpoint clears the store.
type Transport struct {
	// Base performs the actual requests. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper

	Store   *TokenStore
	Refresh RefreshFunc

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	sf singleflight.Group
}

type tokenPair struct {
	access  string
	refresh string
}

// RoundTrip implements [http.RoundTripper].
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	access, _ := t.Store.Tokens()
	if access == "" {
		return nil, ErrNoCredentials
	}

	resp, err := t.send(req, access)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		// The body is consumed and cannot be replayed.
		return resp, nil
	}

	newAccess, refreshErr := t.refreshOnce(req.Context(), access)
	if refreshErr != nil {
		if errors.Is(refreshErr, req.Context().Err()) && req.Context().Err() != nil {
			resp.Body.Close()
			return nil, refreshErr
		}
		// Refresh failed for everyone; surface the original 401.
		return resp, nil
	}

	resp.Body.Close()
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.send(retry, newAccess)
}

// refreshOnce funnels concurrent refresh attempts into one upstream call.
// staleAccess deduplicates late arrivals: if another caller already rotated
// the pair, the stored token is returned without a second refresh.
func (t *Transport) refreshOnce(ctx context.Context, staleAccess string) (string, error) {
	ch := t.sf.DoChan("refresh", func() (interface{}, error) {
		access, refresh := t.Store.Tokens()
		if access != "" && access != staleAccess {
			return tokenPair{access: access, refresh: refresh}, nil
		}
		if refresh == "" {
			return nil, ErrNoCredentials
		}

		// Detached from the triggering request: one caller's cancellation
		// must not fail the refresh every waiter depends on.
		newAccess, newRefresh, err := t.Refresh(context.WithoutCancel(ctx), refresh)
		if err != nil {
			t.Store.Clear()
			t.logger().Warn("token refresh failed", "error", err)
			return nil, err
		}
		t.Store.Set(newAccess, newRefresh)
		return tokenPair{access: newAccess, refresh: newRefresh}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(tokenPair).access, nil
	case <-ctx.Done():
		// Abandon only this caller's wait; the shared refresh continues.
		return "", ctx.Err()
	}
}

func (t *Transport) send(req *http.Request, accessToken string) (*http.Response, error) {
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+accessToken)
	return t.base().RoundTrip(authed)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
