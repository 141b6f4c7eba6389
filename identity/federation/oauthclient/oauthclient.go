// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oauthclient is a federation client for external OAuth2/OIDC
// identity providers (Google, GitHub, generic OIDC). Unlike package
// identity, which acts as the authorization *server*, this package acts as
// the *client*, using golang.org/x/oauth2 to build the authorization URL,
// exchange the returned code, and retrieve the user's profile.
package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// Config describes one external OAuth2/OIDC provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// Client drives the authorization-code flow against one external provider.
//
// Purpose: OAuth2/OIDC relying-party client.
// Domain: Identity federation
type Client struct {
	oauth2Cfg   *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// New creates a Client for cfg. httpClient is used for the userinfo
// request and, via context injection, for the token exchange; pass nil to
// use http.DefaultClient.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		oauth2Cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  httpClient,
	}
}

// LoginURL builds the authorization URL: client_id, redirect_uri,
// response_type=code, state, scope, and any extra parameters (prompt,
// PKCE code_challenge/method) supplied via opts.
func (c *Client) LoginURL(state string, opts ...oauth2.AuthCodeOption) string {
	return c.oauth2Cfg.AuthCodeURL(state, opts...)
}

// WithPrompt requests a specific OIDC prompt behavior (e.g. "consent",
// "select_account").
func WithPrompt(prompt string) oauth2.AuthCodeOption {
	return oauth2.SetAuthURLParam("prompt", prompt)
}

// WithCodeChallenge attaches a PKCE code_challenge/code_challenge_method
// pair to the authorization request.
func WithCodeChallenge(challenge, method string) []oauth2.AuthCodeOption {
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", method),
	}
}

// Exchange redeems an authorization code for a token at the provider's
// token_endpoint.
func (c *Client) Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth2Cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

// FetchUserInfo retrieves the profile claims for tok from the provider's
// userinfo_endpoint, returned as a raw claim map (the caller normalizes
// provider-specific field names into a common user-info shape).
func (c *Client) FetchUserInfo(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("userinfo endpoint returned %d: %s", resp.StatusCode, body)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return claims, nil
}
