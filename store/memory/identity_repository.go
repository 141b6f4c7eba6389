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

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/identity"
)

// ClientRepository implements identity.ClientRepository over an in-memory
// table guarded by its own mutex.
type ClientRepository struct {
	mu    sync.RWMutex
	byID  map[string]*identity.Client
	byCID map[string]*identity.Client
}

// NewClientRepository creates a new, empty OAuth2 client repository.
func NewClientRepository() *ClientRepository {
	return &ClientRepository{
		byID:  make(map[string]*identity.Client),
		byCID: make(map[string]*identity.Client),
	}
}

// Create creates a new OAuth2 client.
func (r *ClientRepository) Create(ctx context.Context, c *identity.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byCID[c.ClientID]; exists {
		return identity.ErrClientAlreadyExists
	}
	cp := *c
	r.byID[c.ID] = &cp
	r.byCID[c.ClientID] = &cp
	return nil
}

// GetByClientID retrieves a client by its public client_id.
func (r *ClientRepository) GetByClientID(ctx context.Context, clientID string) (*identity.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byCID[clientID]
	if !ok {
		return nil, identity.ErrClientNotFound
	}
	return c, nil
}

// GetByID retrieves a client by internal ID.
func (r *ClientRepository) GetByID(ctx context.Context, id string) (*identity.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, identity.ErrClientNotFound
	}
	return c, nil
}

// Update updates client information.
func (r *ClientRepository) Update(ctx context.Context, c *identity.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return identity.ErrClientNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now()
	r.byID[c.ID] = &cp
	r.byCID[c.ClientID] = &cp
	return nil
}

// Delete soft-deletes a client.
func (r *ClientRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return identity.ErrClientNotFound
	}
	now := time.Now()
	c.DeletedAt = &now
	c.IsActive = false
	return nil
}

// ListByOwner lists all clients owned by ownerID.
func (r *ClientRepository) ListByOwner(ctx context.Context, ownerID string) ([]*identity.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*identity.Client
	for _, c := range r.byID {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

// AuthorizationCodeRepository implements identity.AuthorizationCodeRepository
// over an in-memory table guarded by its own mutex. MarkAsUsed is the
// compare-and-swap that makes an authorization code single-use under
// concurrent redemption attempts.
type AuthorizationCodeRepository struct {
	mu    sync.Mutex
	codes map[string]*identity.AuthorizationCode
}

// NewAuthorizationCodeRepository creates a new, empty authorization code
// repository.
func NewAuthorizationCodeRepository() *AuthorizationCodeRepository {
	return &AuthorizationCodeRepository{codes: make(map[string]*identity.AuthorizationCode)}
}

// Create creates a new authorization code.
func (r *AuthorizationCodeRepository) Create(ctx context.Context, c *identity.AuthorizationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.codes[c.Code] = &cp
	return nil
}

// GetByCode retrieves an authorization code, returning a copy so callers
// cannot mutate the stored record outside MarkAsUsed.
func (r *AuthorizationCodeRepository) GetByCode(ctx context.Context, code string) (*identity.AuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return nil, identity.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

// MarkAsUsed atomically marks the code as used, reporting false (without
// error) if it was already used.
func (r *AuthorizationCodeRepository) MarkAsUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return false, identity.ErrCodeNotFound
	}
	if c.IsUsed {
		return false, nil
	}
	c.IsUsed = true
	c.UsedAt = &usedAt
	return true, nil
}

// Delete deletes an authorization code.
func (r *AuthorizationCodeRepository) Delete(ctx context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
	return nil
}

// DeleteExpired deletes all authorization codes expired as of now.
func (r *AuthorizationCodeRepository) DeleteExpired(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, c := range r.codes {
		if c.IsExpired(now) {
			delete(r.codes, code)
		}
	}
	return nil
}

// AccessTokenRepository implements identity.AccessTokenRepository over an
// in-memory table guarded by its own mutex.
type AccessTokenRepository struct {
	mu     sync.RWMutex
	byHash map[string]*identity.AccessToken
}

// NewAccessTokenRepository creates a new, empty access token repository.
func NewAccessTokenRepository() *AccessTokenRepository {
	return &AccessTokenRepository{byHash: make(map[string]*identity.AccessToken)}
}

// Create creates a new access token.
func (r *AccessTokenRepository) Create(ctx context.Context, t *identity.AccessToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.byHash[t.TokenHash] = &cp
	return nil
}

// GetByTokenHash retrieves an access token by its hash.
func (r *AccessTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*identity.AccessToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byHash[tokenHash]
	if !ok {
		return nil, identity.ErrTokenNotFound
	}
	return t, nil
}

// Revoke revokes an access token by its hash.
func (r *AccessTokenRepository) Revoke(ctx context.Context, tokenHash string, revokedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[tokenHash]
	if !ok {
		return identity.ErrTokenNotFound
	}
	t.IsRevoked = true
	t.RevokedAt = &revokedAt
	return nil
}

// RevokeByID revokes an access token by its ID, for refresh-grant rotation
// where only the ID (not the bearer hash) is known. Revoking an unknown ID
// is not an error, since the linked access token may already have expired
// and been purged by DeleteExpired.
func (r *AccessTokenRepository) RevokeByID(ctx context.Context, id string, revokedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byHash {
		if t.ID == id {
			t.IsRevoked = true
			t.RevokedAt = &revokedAt
			return nil
		}
	}
	return nil
}

// DeleteExpired deletes all access tokens expired as of now.
func (r *AccessTokenRepository) DeleteExpired(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, t := range r.byHash {
		if t.IsExpired(now) {
			delete(r.byHash, hash)
		}
	}
	return nil
}

// RefreshTokenRepository implements identity.RefreshTokenRepository over an
// in-memory table guarded by its own mutex.
type RefreshTokenRepository struct {
	mu     sync.RWMutex
	byHash map[string]*identity.RefreshToken
}

// NewRefreshTokenRepository creates a new, empty refresh token repository.
func NewRefreshTokenRepository() *RefreshTokenRepository {
	return &RefreshTokenRepository{byHash: make(map[string]*identity.RefreshToken)}
}

// Create creates a new refresh token.
func (r *RefreshTokenRepository) Create(ctx context.Context, t *identity.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.byHash[t.TokenHash] = &cp
	return nil
}

// GetByTokenHash retrieves a refresh token by its hash.
func (r *RefreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*identity.RefreshToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byHash[tokenHash]
	if !ok {
		return nil, identity.ErrTokenNotFound
	}
	return t, nil
}

// Revoke revokes a refresh token by its hash.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, tokenHash string, revokedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[tokenHash]
	if !ok {
		return identity.ErrTokenNotFound
	}
	t.IsRevoked = true
	t.RevokedAt = &revokedAt
	return nil
}

// DeleteExpired deletes all refresh tokens expired as of now.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, t := range r.byHash {
		if t.IsExpired(now) {
			delete(r.byHash, hash)
		}
	}
	return nil
}
