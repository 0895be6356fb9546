// Package oauth drives the authorization-code flow against external identity
// providers and normalizes the profile fields the engine needs for identity
// mapping. It never touches local user storage; the mapping policy lives in
// the engine.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrExchangeFailed is returned when the token endpoint rejects the
	// authorization code.
	ErrExchangeFailed = errors.New("oauth2: code exchange failed")
	// ErrProfileFetchFailed is returned when the profile endpoint fails
	// after a successful exchange.
	ErrProfileFetchFailed = errors.New("oauth2: profile fetch failed")
)

// ProviderConfig describes one external identity provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	Scopes       []string

	// Profile field names in the provider's JSON response. Defaults:
	// "id", "email", "name".
	IDField    string
	EmailField string
	NameField  string
}

// Validate checks the endpoint and client settings at configuration load.
func (c ProviderConfig) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("client id and secret are required")
	}
	for _, u := range []string{c.AuthURL, c.TokenURL, c.ProfileURL} {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid endpoint %q", u)
		}
	}
	return nil
}

// Profile is the normalized identity returned by [Client.FetchProfile].
type Profile struct {
	ExternalID  string
	Email       string
	DisplayName string
}

// Client performs the server-to-server half of the authorization-code flow
// for one provider.
type Client struct {
	name       string
	config     ProviderConfig
	httpClient *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client for token and profile requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a provider client.
func NewClient(name string, cfg ProviderConfig, opts ...Option) *Client {
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	if cfg.EmailField == "" {
		cfg.EmailField = "email"
	}
	if cfg.NameField == "" {
		cfg.NameField = "name"
	}
	c := &Client{
		name:       name,
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// AuthorizationURL builds the user-facing authorization URL with the given
// anti-CSRF state embedded.
func (c *Client) AuthorizationURL(redirectURI, state string) string {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.config.ClientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("state", state)
	if len(c.config.Scopes) > 0 {
		v.Set("scope", strings.Join(c.config.Scopes, " "))
	}
	return c.config.AuthURL + "?" + v.Encode()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int32  `json:"expires_in"`
}

// Exchange swaps an authorization code for a provider access token.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"redirect_uri":  {redirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access_token", ErrExchangeFailed)
	}
	return tr.AccessToken, nil
}

// FetchProfile loads and normalizes the provider profile.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ProfileURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: profile endpoint returned %d", ErrProfileFetchFailed, resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}

	profile := Profile{
		ExternalID:  stringField(raw, c.config.IDField),
		Email:       stringField(raw, c.config.EmailField),
		DisplayName: stringField(raw, c.config.NameField),
	}
	if profile.ExternalID == "" {
		return Profile{}, fmt.Errorf("%w: missing %q field", ErrProfileFetchFailed, c.config.IDField)
	}
	return profile, nil
}

// stringField tolerates providers that encode ids as JSON numbers.
func stringField(raw map[string]json.RawMessage, field string) string {
	v, ok := raw[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}
