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

package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
	"github.com/opentrusty/controlplane/id"
)

// Bus topics published by this package.
const (
	TopicClientCreated  = "identity.client.created"
	TopicTokenIssued    = "identity.token.issued"
	TopicTokenRefreshed = "identity.token.refreshed"
	TopicTokenRevoked   = "identity.token.revoked"
	TopicCodeExchanged  = "identity.code.exchanged"
)

const (
	codeLifetime       = 10 * time.Minute
	defaultAccessLife  = time.Hour
	defaultRefreshLife = 30 * 24 * time.Hour
	pkceS256           = "S256"
	pkcePlain          = "plain"
)

// Service implements the OAuth2/OIDC authorization server: client
// registration, the authorization-code grant with PKCE, and token
// issuance, refresh, validation, and revocation.
//
// Purpose: Central OAuth2 AS business logic.
// Domain: OAuth2
type Service struct {
	clients ClientRepository
	codes   AuthorizationCodeRepository
	access  AccessTokenRepository
	refresh RefreshTokenRepository

	audit audit.Logger
	bus   *bus.Bus
	clock clock.Clock
}

// NewService creates a new identity (OAuth2 AS) service.
func NewService(
	clients ClientRepository,
	codes AuthorizationCodeRepository,
	access AccessTokenRepository,
	refresh RefreshTokenRepository,
	auditLogger audit.Logger,
	eventBus *bus.Bus,
	clk clock.Clock,
) *Service {
	return &Service{
		clients: clients,
		codes:   codes,
		access:  access,
		refresh: refresh,
		audit:   auditLogger,
		bus:     eventBus,
		clock:   clk,
	}
}

// RegisterClient validates and creates a new OAuth2 client, returning the
// client and its plaintext secret (never stored; only ClientSecretHash is
// persisted).
func (s *Service) RegisterClient(ctx context.Context, ownerID string, c *Client) (*Client, string, error) {
	if err := s.validateClient(c); err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	c.ID = id.NewUUIDv7()
	if c.ClientID == "" {
		c.ClientID = id.NewUUIDv7()
	}
	secret := GenerateClientSecret()
	c.ClientSecretHash = HashClientSecret(secret)
	c.OwnerID = ownerID
	c.IsActive = true
	c.CreatedAt = now
	c.UpdatedAt = now

	if c.AccessTokenLifetime == 0 {
		c.AccessTokenLifetime = int(defaultAccessLife.Seconds())
	}
	if c.RefreshTokenLifetime == 0 {
		c.RefreshTokenLifetime = int(defaultRefreshLife.Seconds())
	}

	if err := s.clients.Create(ctx, c); err != nil {
		return nil, "", fmt.Errorf("create client: %w", err)
	}

	s.audit.Log(ctx, audit.Event{
		Type:       audit.TypeClientCreated,
		ActorID:    ownerID,
		Resource:   audit.ResourceClient,
		TargetName: c.ClientName,
		TargetID:   c.ClientID,
		Timestamp:  now,
	})
	s.bus.Emit(TopicClientCreated, "identity", map[string]any{"client_id": c.ClientID})

	return c, secret, nil
}

func (s *Service) validateClient(c *Client) error {
	if c.ClientURI != "" {
		if _, err := url.ParseRequestURI(c.ClientURI); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidRedirectURI, err)
		}
	}
	for _, uri := range c.RedirectURIs {
		if _, err := url.ParseRequestURI(uri); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidRedirectURI, uri)
		}
	}
	return nil
}

// CreateAuthorizationCode issues a new authorization code for an
// authenticated user after checking that the client exists, the redirect
// URI is registered for it, the requested scope is allowed, and any PKCE
// method is supported.
func (s *Service) CreateAuthorizationCode(ctx context.Context, clientID, userID, redirectURI, scope, state, nonce, codeChallenge, codeChallengeMethod string) (*AuthorizationCode, error) {
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, ErrClientNotFound
	}
	if !client.ValidateRedirectURI(redirectURI) {
		return nil, ErrInvalidRedirectURI
	}
	if !client.ValidateScope(scope) {
		return nil, ErrInvalidScope
	}
	if codeChallengeMethod != "" && codeChallengeMethod != pkceS256 && codeChallengeMethod != pkcePlain {
		return nil, fmt.Errorf("%w: unsupported code_challenge_method", ErrInvalidPKCE)
	}

	now := s.clock.Now()
	code := &AuthorizationCode{
		ID:                  id.NewUUIDv7(),
		Code:                newOpaqueToken(),
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               state,
		Nonce:               nonce,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ExpiresAt:           now.Add(codeLifetime),
		CreatedAt:           now,
	}

	if err := s.codes.Create(ctx, code); err != nil {
		return nil, fmt.Errorf("create authorization code: %w", err)
	}

	return code, nil
}

// ExchangeAuthorizationCode redeems code for an access token and refresh
// token pair, verifying PKCE when the code was issued with a challenge.
// The exchange
// is single-use: the code repository's MarkAsUsed implements the
// compare-and-swap that makes this safe under concurrent redemption
// attempts.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, clientID, clientSecret, codeValue, redirectURI, codeVerifier string) (*AccessToken, *RefreshToken, error) {
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, nil, ErrClientNotFound
	}
	if client.ClientSecretHash != "" && HashClientSecret(clientSecret) != client.ClientSecretHash {
		return nil, nil, ErrInvalidClient
	}

	code, err := s.codes.GetByCode(ctx, codeValue)
	if err != nil {
		return nil, nil, ErrCodeNotFound
	}
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		return nil, nil, ErrInvalidRedirectURI
	}

	now := s.clock.Now()
	if code.IsExpired(now) {
		return nil, nil, ErrCodeExpired
	}

	if code.CodeChallenge != "" {
		if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, codeVerifier); err != nil {
			return nil, nil, err
		}
	}

	used, err := s.codes.MarkAsUsed(ctx, codeValue, now)
	if err != nil {
		return nil, nil, fmt.Errorf("mark code used: %w", err)
	}
	if !used {
		return nil, nil, ErrCodeAlreadyUsed
	}

	access, refresh, err := s.issueTokens(ctx, client, code.UserID, code.Scope, now)
	if err != nil {
		return nil, nil, err
	}

	s.bus.Emit(TopicCodeExchanged, "identity", map[string]any{"client_id": clientID, "user_id": code.UserID})

	return access, refresh, nil
}

func (s *Service) issueTokens(ctx context.Context, client *Client, userID, scope string, now time.Time) (*AccessToken, *RefreshToken, error) {
	accessLife, refreshLife := defaultAccessLife, defaultRefreshLife
	if client.AccessTokenLifetime > 0 {
		accessLife = time.Duration(client.AccessTokenLifetime) * time.Second
	}
	if client.RefreshTokenLifetime > 0 {
		refreshLife = time.Duration(client.RefreshTokenLifetime) * time.Second
	}

	accessRaw := newOpaqueToken()
	access := &AccessToken{
		ID:        id.NewUUIDv7(),
		TokenHash: HashClientSecret(accessRaw),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     scope,
		TokenType: "Bearer",
		ExpiresAt: now.Add(accessLife),
		CreatedAt: now,
	}
	if err := s.access.Create(ctx, access); err != nil {
		return nil, nil, fmt.Errorf("create access token: %w", err)
	}
	// The caller gets copies carrying the raw bearer values in TokenHash;
	// the stored records keep the hashes.
	accessOut := *access
	accessOut.TokenHash = accessRaw

	refreshRaw := newOpaqueToken()
	refreshTok := &RefreshToken{
		ID:            id.NewUUIDv7(),
		TokenHash:     HashClientSecret(refreshRaw),
		AccessTokenID: access.ID,
		ClientID:      client.ClientID,
		UserID:        userID,
		Scope:         scope,
		ExpiresAt:     now.Add(refreshLife),
		CreatedAt:     now,
	}
	if err := s.refresh.Create(ctx, refreshTok); err != nil {
		return nil, nil, fmt.Errorf("create refresh token: %w", err)
	}
	refreshOut := *refreshTok
	refreshOut.TokenHash = refreshRaw

	s.audit.Log(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		ActorID:  userID,
		Resource: audit.ResourceToken,
		TargetID: client.ClientID,
		Timestamp: now,
	})
	s.bus.Emit(TopicTokenIssued, "identity", map[string]any{"client_id": client.ClientID, "user_id": userID})

	return &accessOut, &refreshOut, nil
}

// RefreshAccessToken redeems refreshRaw for a fresh access/refresh token
// pair: the access token the refresh token was originally paired with is
// invalidated, the refresh token itself is revoked, and a new pair is
// minted and persisted, rotating the refresh_token index so a stolen
// refresh token is only ever usable once.
func (s *Service) RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshRaw string) (*AccessToken, *RefreshToken, error) {
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, nil, ErrClientNotFound
	}
	if client.ClientSecretHash != "" && HashClientSecret(clientSecret) != client.ClientSecretHash {
		return nil, nil, ErrInvalidClient
	}

	rt, err := s.refresh.GetByTokenHash(ctx, HashClientSecret(refreshRaw))
	if err != nil {
		return nil, nil, ErrTokenNotFound
	}
	now := s.clock.Now()
	if rt.IsRevoked {
		return nil, nil, ErrTokenRevoked
	}
	if rt.IsExpired(now) {
		return nil, nil, ErrTokenExpired
	}
	if rt.ClientID != clientID {
		return nil, nil, ErrInvalidClient
	}

	if err := s.access.RevokeByID(ctx, rt.AccessTokenID, now); err != nil {
		return nil, nil, fmt.Errorf("revoke prior access token: %w", err)
	}
	if err := s.refresh.Revoke(ctx, rt.TokenHash, now); err != nil {
		return nil, nil, fmt.Errorf("revoke prior refresh token: %w", err)
	}

	access, refreshTok, err := s.issueTokens(ctx, client, rt.UserID, rt.Scope, now)
	if err != nil {
		return nil, nil, err
	}

	s.bus.Emit(TopicTokenRefreshed, "identity", map[string]any{"client_id": clientID, "user_id": rt.UserID})

	return access, refreshTok, nil
}

// ValidateAccessToken looks up the access token by its raw bearer value
// and reports whether it is currently usable.
func (s *Service) ValidateAccessToken(ctx context.Context, accessRaw string) (*AccessToken, error) {
	at, err := s.access.GetByTokenHash(ctx, HashClientSecret(accessRaw))
	if err != nil {
		return nil, ErrTokenNotFound
	}
	if at.IsRevoked {
		return nil, ErrTokenRevoked
	}
	if at.IsExpired(s.clock.Now()) {
		return nil, ErrTokenExpired
	}
	return at, nil
}

// RevokeToken revokes an access token by its raw bearer value (RFC 7009
// style token revocation).
func (s *Service) RevokeToken(ctx context.Context, accessRaw string) error {
	now := s.clock.Now()
	if err := s.access.Revoke(ctx, HashClientSecret(accessRaw), now); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.audit.Log(ctx, audit.Event{
		Type:      audit.TypeTokenRevoked,
		Resource:  audit.ResourceToken,
		Timestamp: now,
	})
	s.bus.Emit(TopicTokenRevoked, "identity", nil)
	return nil
}

func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("%w: code_verifier required", ErrInvalidPKCE)
	}
	switch method {
	case pkcePlain, "":
		if verifier != challenge {
			return ErrInvalidPKCE
		}
	case pkceS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if computed != challenge {
			return ErrInvalidPKCE
		}
	default:
		return fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidPKCE, method)
	}
	return nil
}

func newOpaqueToken() string {
	return crypto.RandomToken(32)
}
