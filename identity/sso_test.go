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
	"strings"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
	"github.com/opentrusty/controlplane/user"
)

type memUserRepo struct {
	users       map[string]*user.User
	credentials map[string]*user.Credentials
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: map[string]*user.User{}, credentials: map[string]*user.Credentials{}}
}

func (r *memUserRepo) Create(ctx context.Context, u *user.User) error {
	r.users[u.ID] = u
	return nil
}
func (r *memUserRepo) AddCredentials(ctx context.Context, c *user.Credentials) error {
	r.credentials[c.UserID] = c
	return nil
}
func (r *memUserRepo) GetByID(ctx context.Context, id string) (*user.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}
func (r *memUserRepo) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return nil, user.ErrUserNotFound
}
func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, user.ErrUserNotFound
}
func (r *memUserRepo) Update(ctx context.Context, u *user.User) error {
	r.users[u.ID] = u
	return nil
}
func (r *memUserRepo) UpdateLockout(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	u, ok := r.users[userID]
	if !ok {
		return user.ErrUserNotFound
	}
	u.FailedLoginAttempts = failedAttempts
	u.LockedUntil = lockedUntil
	return nil
}
func (r *memUserRepo) Delete(ctx context.Context, id string) error {
	delete(r.users, id)
	return nil
}
func (r *memUserRepo) GetCredentials(ctx context.Context, userID string) (*user.Credentials, error) {
	c, ok := r.credentials[userID]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return c, nil
}
func (r *memUserRepo) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	c, ok := r.credentials[userID]
	if !ok {
		return user.ErrUserNotFound
	}
	c.PasswordHash = passwordHash
	return nil
}

type memIdentityLinkRepo struct {
	byProviderExternal map[string]*UserIdentity
}

func newMemIdentityLinkRepo() *memIdentityLinkRepo {
	return &memIdentityLinkRepo{byProviderExternal: map[string]*UserIdentity{}}
}

func linkKey(providerID, externalID string) string { return providerID + ":" + externalID }

func (r *memIdentityLinkRepo) GetByProviderExternalID(ctx context.Context, providerID, externalID string) (*UserIdentity, error) {
	l, ok := r.byProviderExternal[linkKey(providerID, externalID)]
	if !ok {
		return nil, ErrClientNotFound // reused sentinel; any "not found" error satisfies the caller
	}
	return l, nil
}

func (r *memIdentityLinkRepo) Create(ctx context.Context, link *UserIdentity) error {
	r.byProviderExternal[linkKey(link.ProviderID, link.ExternalID)] = link
	return nil
}

func (r *memIdentityLinkRepo) Update(ctx context.Context, link *UserIdentity) error {
	r.byProviderExternal[linkKey(link.ProviderID, link.ExternalID)] = link
	return nil
}

func testHasher() *crypto.PasswordHasher {
	return crypto.NewPasswordHasher(1024, 1, 1, 16, 32, 4)
}

func newTestSSOManager(t *testing.T) (*SSOManager, *memUserRepo) {
	t.Helper()
	repo := newMemUserRepo()
	userSvc := user.NewService(repo, testHasher(), noopAudit{}, clock.System{}, 5, time.Hour)
	links := newMemIdentityLinkRepo()
	return NewSSOManager(links, userSvc, repo, noopAudit{}, bus.New(), clock.System{}), repo
}

// TestSSOAutoProvisionsNewUser covers scenario S6: a provider with
// auto-provisioning enabled sees a never-before-seen external identity and
// creates a local account for it, with unique-suffixing on a username
// collision.
func TestSSOAutoProvisionsNewUser(t *testing.T) {
	mgr, repo := newTestSSOManager(t)
	ctx := context.Background()

	// Pre-existing local user "new" forces the auto-provisioned account to
	// collision-suffix to "new1".
	if err := repo.Create(ctx, &user.User{ID: "existing", Username: "new", Email: "someone-else@example.com", Active: true}); err != nil {
		t.Fatalf("seed existing user: %v", err)
	}

	provider := IdentityProvider{ProviderID: "google_oauth", Type: ProviderOAuth, AutoProvision: true}
	info := ExternalUserInfo{ExternalID: "9", Email: "new@ex.com", FirstName: "N", LastName: "U"}

	u, created, err := mgr.CompleteSSOLogin(ctx, provider, info)
	if err != nil {
		t.Fatalf("complete sso login: %v", err)
	}
	if !created {
		t.Fatalf("expected a new account to be created")
	}
	if u.Username != "new1" {
		t.Fatalf("expected unique-suffixed username new1, got %q", u.Username)
	}

	// A second sign-in with the same external id returns the same user, no
	// duplicate account.
	u2, created2, err := mgr.CompleteSSOLogin(ctx, provider, info)
	if err != nil {
		t.Fatalf("second complete sso login: %v", err)
	}
	if created2 {
		t.Fatalf("expected no new account on repeat sign-in")
	}
	if u2.ID != u.ID {
		t.Fatalf("expected same user on repeat sign-in, got different ids %s vs %s", u2.ID, u.ID)
	}
}

func TestSSODeniesAutoProvisionWhenDisabled(t *testing.T) {
	mgr, _ := newTestSSOManager(t)
	ctx := context.Background()

	provider := IdentityProvider{ProviderID: "okta", Type: ProviderOAuth, AutoProvision: false}
	info := ExternalUserInfo{ExternalID: "42", Email: "nobody@example.com"}

	if _, _, err := mgr.CompleteSSOLogin(ctx, provider, info); err == nil {
		t.Fatalf("expected an error when no local user matches and auto-provisioning is disabled")
	}
}

// TestSSOLinksByEmailWhenUnlinked covers the middle resolution step: an
// external identity with no existing link but a matching local email links
// to that user instead of creating a new one.
func TestSSOLinksByEmailWhenUnlinked(t *testing.T) {
	mgr, repo := newTestSSOManager(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &user.User{ID: "u1", Username: "carol", Email: "carol@example.com", Active: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	provider := IdentityProvider{ProviderID: "okta", Type: ProviderSAML, AutoProvision: true}
	info := ExternalUserInfo{ExternalID: "ext-1", Email: "carol@example.com"}

	u, created, err := mgr.CompleteSSOLogin(ctx, provider, info)
	if err != nil {
		t.Fatalf("complete sso login: %v", err)
	}
	if created {
		t.Fatalf("expected link to existing user, not a new account")
	}
	if u.ID != "u1" {
		t.Fatalf("expected link to carol's account, got %s", u.ID)
	}
}
