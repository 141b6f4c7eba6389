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
	"fmt"
	"strings"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
	"github.com/opentrusty/controlplane/user"
)

// ProviderType distinguishes the three federation provider variants that
// share the authenticate / get_login_url / process_response shape.
type ProviderType string

const (
	ProviderOAuth ProviderType = "oauth"
	ProviderSAML  ProviderType = "saml"
	ProviderLDAP  ProviderType = "ldap"
)

// IdentityProvider is the configuration and variant tag for one external
// federation provider. The concrete client (oauthclient.Client,
// samlclient.Client, ldapclient.Client) is looked up by ProviderID at the
// call site; this struct only carries the policy the SSOManager needs.
type IdentityProvider struct {
	ProviderID        string
	Type              ProviderType
	AutoProvision     bool
	SyncProfile       bool
}

// ExternalUserInfo is the common shape every federation client's
// ProcessResponse/Authenticate call normalizes its provider-specific
// response into before handing it to the SSOManager.
type ExternalUserInfo struct {
	ExternalID string
	Email      string
	Username   string
	FirstName  string
	LastName   string
}

// UserIdentity links one local user to one external identity at one
// provider.
//
// Purpose: Federated sign-in linkage.
// Domain: Identity federation
// Invariants: Unique per (ProviderID, ExternalID) -- one external identity
// belongs to at most one local user.
type UserIdentity struct {
	UserID     string
	ProviderID string
	ExternalID string
	LinkedAt   time.Time
	LastLogin  time.Time
	UserInfo   ExternalUserInfo
}

// UserIdentityRepository defines persistence for federated identity links.
type UserIdentityRepository interface {
	GetByProviderExternalID(ctx context.Context, providerID, externalID string) (*UserIdentity, error)
	Create(ctx context.Context, link *UserIdentity) error
	Update(ctx context.Context, link *UserIdentity) error
}

// Bus topics published by the SSO linking layer.
const (
	TopicSSOLinked      = "identity.sso.linked"
	TopicSSOProvisioned = "identity.sso.provisioned"
)

// SSOManager implements identity linking and auto-provisioning: given a
// provider and the ExternalUserInfo an authentication round trip produced,
// it resolves (or creates) the corresponding local user.
//
// Purpose: Federated sign-in resolution.
// Domain: Identity federation
type SSOManager struct {
	links UserIdentityRepository
	users *user.Service
	repo  user.UserRepository

	audit audit.Logger
	bus   *bus.Bus
	clock clock.Clock
}

// NewSSOManager creates an SSOManager. repo is the same UserRepository
// backing users, needed for the by-email lookup and username-collision
// check that user.Service does not expose directly.
func NewSSOManager(links UserIdentityRepository, users *user.Service, repo user.UserRepository, auditLogger audit.Logger, eventBus *bus.Bus, clk clock.Clock) *SSOManager {
	return &SSOManager{
		links: links,
		users: users,
		repo:  repo,
		audit: auditLogger,
		bus:   eventBus,
		clock: clk,
	}
}

// CompleteSSOLogin resolves info to a local user: by existing
// (provider, external_id) link, else by matching email, else by
// auto-provisioning when provider.AutoProvision is set. Returns the user
// and whether a new account was created.
func (m *SSOManager) CompleteSSOLogin(ctx context.Context, provider IdentityProvider, info ExternalUserInfo) (*user.User, bool, error) {
	now := m.clock.Now()

	if link, err := m.links.GetByProviderExternalID(ctx, provider.ProviderID, info.ExternalID); err == nil {
		u, err := m.users.GetUser(ctx, link.UserID)
		if err != nil {
			return nil, false, fmt.Errorf("load linked user: %w", err)
		}
		link.LastLogin = now
		link.UserInfo = info
		if err := m.links.Update(ctx, link); err != nil {
			return nil, false, fmt.Errorf("update link: %w", err)
		}
		if provider.SyncProfile {
			m.syncProfile(ctx, u, info)
		}
		return u, false, nil
	}

	if info.Email != "" {
		if u, err := m.repo.GetByEmail(ctx, strings.ToLower(info.Email)); err == nil {
			if err := m.link(ctx, u.ID, provider.ProviderID, info, now); err != nil {
				return nil, false, err
			}
			if provider.SyncProfile {
				m.syncProfile(ctx, u, info)
			}
			return u, false, nil
		}
	}

	if !provider.AutoProvision {
		return nil, false, fmt.Errorf("%w: no local user matched and auto-provisioning is disabled for %s", user.ErrUserNotFound, provider.ProviderID)
	}

	u, err := m.autoProvision(ctx, provider, info)
	if err != nil {
		return nil, false, err
	}
	if err := m.link(ctx, u.ID, provider.ProviderID, info, now); err != nil {
		return nil, false, err
	}

	m.bus.Emit(TopicSSOProvisioned, "identity", map[string]any{"provider_id": provider.ProviderID, "user_id": u.ID})
	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypeUserCreated,
		Resource:  audit.ResourceUser,
		TargetID:  u.ID,
		Metadata:  map[string]any{"provider_id": provider.ProviderID, "auto_provisioned": true},
		Timestamp: now,
	})

	return u, true, nil
}

func (m *SSOManager) link(ctx context.Context, userID, providerID string, info ExternalUserInfo, now time.Time) error {
	link := &UserIdentity{
		UserID:     userID,
		ProviderID: providerID,
		ExternalID: info.ExternalID,
		LinkedAt:   now,
		LastLogin:  now,
		UserInfo:   info,
	}
	if err := m.links.Create(ctx, link); err != nil {
		return fmt.Errorf("create identity link: %w", err)
	}
	m.bus.Emit(TopicSSOLinked, "identity", map[string]any{"provider_id": providerID, "user_id": userID})
	return nil
}

// autoProvision creates a local account for a never-seen external
// identity: username derived from info.Username, else the email's local
// part, else "<provider_id>_<external_id>", unique-suffixed on collision,
// with a random password the user never learns (sign-in is always via SSO
// thereafter).
func (m *SSOManager) autoProvision(ctx context.Context, provider IdentityProvider, info ExternalUserInfo) (*user.User, error) {
	base := info.Username
	if base == "" && info.Email != "" {
		if at := strings.Index(info.Email, "@"); at > 0 {
			base = info.Email[:at]
		}
	}
	if base == "" {
		base = fmt.Sprintf("%s_%s", provider.ProviderID, info.ExternalID)
	}

	username := base
	for i := 0; ; i++ {
		if i > 0 {
			username = fmt.Sprintf("%s%d", base, i)
		}
		if _, err := m.repo.GetByUsername(ctx, username); err != nil {
			break
		}
	}

	email := info.Email
	if email == "" {
		email = fmt.Sprintf("%s@%s.invalid", username, provider.ProviderID)
	}

	u, err := m.users.Register(ctx, username, email, crypto.RandomToken(32), user.Profile{
		FirstName: info.FirstName,
		LastName:  info.LastName,
	})
	if err != nil {
		return nil, fmt.Errorf("auto-provision user: %w", err)
	}
	return u, nil
}

// syncProfile updates email/first_name/last_name whenever the provider
// supplies a value that differs from the stored profile.
func (m *SSOManager) syncProfile(ctx context.Context, u *user.User, info ExternalUserInfo) {
	changed := false
	if info.FirstName != "" && info.FirstName != u.Profile.FirstName {
		u.Profile.FirstName = info.FirstName
		changed = true
	}
	if info.LastName != "" && info.LastName != u.Profile.LastName {
		u.Profile.LastName = info.LastName
		changed = true
	}
	if info.Email != "" && !strings.EqualFold(info.Email, u.Email) {
		u.Email = strings.ToLower(info.Email)
		changed = true
	}
	if changed {
		_ = m.repo.Update(ctx, u)
	}
}
