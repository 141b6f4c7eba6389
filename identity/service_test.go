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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
)

type memClientRepo struct {
	mu      sync.Mutex
	byID    map[string]*Client
	byCID   map[string]*Client
}

func newMemClientRepo() *memClientRepo {
	return &memClientRepo{byID: map[string]*Client{}, byCID: map[string]*Client{}}
}

func (m *memClientRepo) Create(ctx context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	m.byCID[c.ClientID] = c
	return nil
}
func (m *memClientRepo) GetByClientID(ctx context.Context, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byCID[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}
func (m *memClientRepo) GetByID(ctx context.Context, id string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}
func (m *memClientRepo) Update(ctx context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	m.byCID[c.ClientID] = c
	return nil
}
func (m *memClientRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}
func (m *memClientRepo) ListByOwner(ctx context.Context, ownerID string) ([]*Client, error) {
	return nil, nil
}

type memCodeRepo struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode
}

func newMemCodeRepo() *memCodeRepo {
	return &memCodeRepo{codes: map[string]*AuthorizationCode{}}
}

func (m *memCodeRepo) Create(ctx context.Context, c *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[c.Code] = c
	return nil
}
func (m *memCodeRepo) GetByCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}
func (m *memCodeRepo) MarkAsUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return false, ErrCodeNotFound
	}
	if c.IsUsed {
		return false, nil
	}
	c.IsUsed = true
	c.UsedAt = &usedAt
	return true, nil
}
func (m *memCodeRepo) Delete(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, code)
	return nil
}
func (m *memCodeRepo) DeleteExpired(ctx context.Context, now time.Time) error { return nil }

type memTokenRepo struct {
	mu      sync.Mutex
	access  map[string]*AccessToken
	refresh map[string]*RefreshToken
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{access: map[string]*AccessToken{}, refresh: map[string]*RefreshToken{}}
}

func (m *memTokenRepo) Create(ctx context.Context, t *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access[t.TokenHash] = t
	return nil
}
func (m *memTokenRepo) GetByTokenHash(ctx context.Context, h string) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.access[h]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return t, nil
}
func (m *memTokenRepo) Revoke(ctx context.Context, h string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.access[h]
	if !ok {
		return ErrTokenNotFound
	}
	t.IsRevoked = true
	t.RevokedAt = &at
	return nil
}
func (m *memTokenRepo) DeleteExpired(ctx context.Context, now time.Time) error { return nil }

func (m *memTokenRepo) RevokeByID(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.access {
		if t.ID == id {
			t.IsRevoked = true
			t.RevokedAt = &at
			return nil
		}
	}
	return nil
}

func (m *memTokenRepo) CreateRefresh(ctx context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[t.TokenHash] = t
	return nil
}

type memRefreshRepo struct{ *memTokenRepo }

func (m memRefreshRepo) Create(ctx context.Context, t *RefreshToken) error {
	return m.CreateRefresh(ctx, t)
}
func (m memRefreshRepo) GetByTokenHash(ctx context.Context, h string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[h]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return t, nil
}
func (m memRefreshRepo) Revoke(ctx context.Context, h string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[h]
	if !ok {
		return ErrTokenNotFound
	}
	t.IsRevoked = true
	t.RevokedAt = &at
	return nil
}
func (m memRefreshRepo) DeleteExpired(ctx context.Context, now time.Time) error { return nil }

type noopAudit struct{}

func (noopAudit) Log(ctx context.Context, event audit.Event) {}

func newTestService() (*Service, *memCodeRepo) {
	tokRepo := newMemTokenRepo()
	codes := newMemCodeRepo()
	svc := NewService(
		newMemClientRepo(),
		codes,
		tokRepo,
		memRefreshRepo{tokRepo},
		noopAudit{},
		bus.New(),
		clock.System{},
	)
	return svc, codes
}

func TestPKCEVerificationS256(t *testing.T) {
	verifier := "a-very-long-random-code-verifier-string-value"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	if err := verifyPKCE(challenge, pkceS256, verifier); err != nil {
		t.Fatalf("expected valid PKCE, got %v", err)
	}
	if err := verifyPKCE(challenge, pkceS256, "wrong-verifier"); !errors.Is(err, ErrInvalidPKCE) {
		t.Fatalf("expected ErrInvalidPKCE, got %v", err)
	}
}

func TestAuthorizationCodeSingleUseUnderConcurrency(t *testing.T) {
	svc, codes := newTestService()
	ctx := context.Background()

	client := &Client{
		ID:           "c1",
		ClientID:     "client-1",
		RedirectURIs: []string{"https://app.example.com/callback"},
		AllowedScopes: []string{"openid", "profile"},
	}
	if err := svc.clients.Create(ctx, client); err != nil {
		t.Fatal(err)
	}

	code, err := svc.CreateAuthorizationCode(ctx, "client-1", "user-1", "https://app.example.com/callback", "openid profile", "state", "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	_ = codes

	const attempts = 20
	var successes int64
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, _, err := svc.ExchangeAuthorizationCode(ctx, "client-1", "", code.Code, "https://app.example.com/callback", "")
			if err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful exchange, got %d", successes)
	}
}

func TestExchangeRejectsMismatchedRedirectURI(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	client := &Client{
		ID:           "c1",
		ClientID:     "client-1",
		RedirectURIs: []string{"https://app.example.com/callback"},
		AllowedScopes: []string{"openid"},
	}
	if err := svc.clients.Create(ctx, client); err != nil {
		t.Fatal(err)
	}

	code, err := svc.CreateAuthorizationCode(ctx, "client-1", "user-1", "https://app.example.com/callback", "openid", "", "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	_, _, err = svc.ExchangeAuthorizationCode(ctx, "client-1", "", code.Code, "https://evil.example.com/callback", "")
	if !errors.Is(err, ErrInvalidRedirectURI) {
		t.Fatalf("expected ErrInvalidRedirectURI, got %v", err)
	}
}

// TestExchangeAlwaysIssuesRefreshToken covers scenario S4: exchanging a code
// with scope "read" (no offline_access) still returns a refresh token
// alongside the access token.
func TestExchangeAlwaysIssuesRefreshToken(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	client := &Client{
		ID:            "c1",
		ClientID:      "client-1",
		RedirectURIs:  []string{"https://app.example.com/callback"},
		AllowedScopes: []string{"read"},
	}
	if err := svc.clients.Create(ctx, client); err != nil {
		t.Fatal(err)
	}

	code, err := svc.CreateAuthorizationCode(ctx, "client-1", "user-1", "https://app.example.com/callback", "read", "", "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	access, refresh, err := svc.ExchangeAuthorizationCode(ctx, "client-1", "", code.Code, "https://app.example.com/callback", "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}
	if refresh == nil {
		t.Fatalf("expected a refresh token even without the offline_access scope")
	}
	if access.Scope != "read" || refresh.Scope != "read" {
		t.Fatalf("expected scope %q preserved, got access=%q refresh=%q", "read", access.Scope, refresh.Scope)
	}
}

// TestRefreshAccessTokenRotates covers the refresh grant's rotation
// semantics: the old access and refresh tokens are both invalidated and a
// fresh pair is minted, so the old refresh token cannot be replayed.
func TestRefreshAccessTokenRotates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	client := &Client{
		ID:            "c1",
		ClientID:      "client-1",
		RedirectURIs:  []string{"https://app.example.com/callback"},
		AllowedScopes: []string{"read"},
	}
	if err := svc.clients.Create(ctx, client); err != nil {
		t.Fatal(err)
	}

	code, err := svc.CreateAuthorizationCode(ctx, "client-1", "user-1", "https://app.example.com/callback", "read", "", "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	oldAccess, oldRefresh, err := svc.ExchangeAuthorizationCode(ctx, "client-1", "", code.Code, "https://app.example.com/callback", "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}

	newAccess, newRefresh, err := svc.RefreshAccessToken(ctx, "client-1", "", oldRefresh.TokenHash)
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if newAccess.TokenHash == oldAccess.TokenHash || newRefresh.TokenHash == oldRefresh.TokenHash {
		t.Fatalf("expected a fresh access/refresh pair distinct from the old one")
	}

	if _, err := svc.ValidateAccessToken(ctx, oldAccess.TokenHash); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected the old access token to be revoked, got %v", err)
	}

	if _, _, err := svc.RefreshAccessToken(ctx, "client-1", "", oldRefresh.TokenHash); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected replaying the old refresh token to fail, got %v", err)
	}
}

func TestRefreshAccessTokenRejectsWrongClientSecret(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	secret := "s3cr3t"
	client := &Client{
		ID:               "c1",
		ClientID:         "client-1",
		ClientSecretHash: HashClientSecret(secret),
		RedirectURIs:     []string{"https://app.example.com/callback"},
		AllowedScopes:    []string{"read"},
	}
	if err := svc.clients.Create(ctx, client); err != nil {
		t.Fatal(err)
	}

	code, err := svc.CreateAuthorizationCode(ctx, "client-1", "user-1", "https://app.example.com/callback", "read", "", "", "", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	_, refresh, err := svc.ExchangeAuthorizationCode(ctx, "client-1", secret, code.Code, "https://app.example.com/callback", "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}

	if _, _, err := svc.RefreshAccessToken(ctx, "client-1", "wrong-secret", refresh.TokenHash); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("expected ErrInvalidClient, got %v", err)
	}
}
