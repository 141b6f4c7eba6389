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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
	"github.com/opentrusty/controlplane/identity/federation/ldapclient"
	"github.com/opentrusty/controlplane/identity/federation/oauthclient"
	"github.com/opentrusty/controlplane/identity/federation/samlclient"
	"github.com/opentrusty/controlplane/user"
)

// Domain errors for the federation registry.
var (
	ErrProviderNotFound  = errors.New("identity provider not registered")
	ErrProviderWrongType = errors.New("identity provider is not of the requested type")
	ErrStateNotFound     = errors.New("sso login state not found or expired")
)

const ssoStateLifetime = 10 * time.Minute

// OAuthClaimMap names the userinfo claims an external OAuth/OIDC provider
// uses for the fields ExternalUserInfo needs. Different providers disagree
// on claim names (Google's "sub"/"given_name", a generic OIDC provider's
// "sub"/"given_name", an enterprise IdP's own schema), so this is supplied
// per registration rather than hardcoded.
type OAuthClaimMap struct {
	Subject   string // default "sub"
	Email     string // default "email"
	Username  string // default "preferred_username"
	FirstName string // default "given_name"
	LastName  string // default "family_name"
}

func (m OAuthClaimMap) withDefaults() OAuthClaimMap {
	if m.Subject == "" {
		m.Subject = "sub"
	}
	if m.Email == "" {
		m.Email = "email"
	}
	if m.Username == "" {
		m.Username = "preferred_username"
	}
	if m.FirstName == "" {
		m.FirstName = "given_name"
	}
	if m.LastName == "" {
		m.LastName = "family_name"
	}
	return m
}

// SAMLAttributeMap names the AttributeStatement/Attribute/AttributeValue
// attribute names an external IdP uses for the fields ExternalUserInfo
// needs. NameID is always used as ExternalID.
type SAMLAttributeMap struct {
	Email     string // default "email"
	Username  string // default "username"
	FirstName string // default "firstName"
	LastName  string // default "lastName"
}

func (m SAMLAttributeMap) withDefaults() SAMLAttributeMap {
	if m.Email == "" {
		m.Email = "email"
	}
	if m.Username == "" {
		m.Username = "username"
	}
	if m.FirstName == "" {
		m.FirstName = "firstName"
	}
	if m.LastName == "" {
		m.LastName = "lastName"
	}
	return m
}

// DirectoryAttributeMap names the LDAP/AD attributes a directory uses for
// the fields ExternalUserInfo needs.
type DirectoryAttributeMap struct {
	Email     string // default "mail"
	Username  string // default "uid"
	FirstName string // default "givenName"
	LastName  string // default "sn"
}

func (m DirectoryAttributeMap) withDefaults() DirectoryAttributeMap {
	if m.Email == "" {
		m.Email = "mail"
	}
	if m.Username == "" {
		m.Username = "uid"
	}
	if m.FirstName == "" {
		m.FirstName = "givenName"
	}
	if m.LastName == "" {
		m.LastName = "sn"
	}
	return m
}

// registeredProvider pairs one IdentityProvider's linking policy with the
// concrete federation client that speaks its wire protocol. Exactly one of
// oauth/saml/ldap is set, matching Type.
type registeredProvider struct {
	IdentityProvider

	oauth       *oauthclient.Client
	oauthClaims OAuthClaimMap

	saml      *samlclient.Client
	samlAttrs SAMLAttributeMap

	ldap      *ldapclient.Client
	ldapAttrs DirectoryAttributeMap
}

// SSOLoginRequest is what FederationManager.InitiateSSOLogin hands back to
// the caller to start a redirect-based login: the URL to send the browser
// to, an opaque state/request identifier the caller must echo back on
// completion (OAuth's "state", SAML's RelayState), and when it expires.
type SSOLoginRequest struct {
	LoginURL  string
	State     string
	ExpiresAt time.Time
}

// FederationManager is the inbound-facing orchestration layer for SSO:
// §6's initiate_sso_login / complete_sso_login / authenticate_with_directory
// contract. It owns the registry of configured external providers and
// normalizes each variant's wire response into the ExternalUserInfo the
// SSOManager resolves against.
//
// Purpose: Federation protocol dispatch.
// Domain: Identity federation
type FederationManager struct {
	sso *SSOManager

	mu        sync.Mutex
	providers map[string]*registeredProvider
	pending   map[string]pendingLogin // state -> provider id + issued-at

	clock clock.Clock
}

type pendingLogin struct {
	providerID string
	issuedAt   time.Time
}

// NewFederationManager creates a FederationManager bound to an SSOManager.
func NewFederationManager(sso *SSOManager, clk clock.Clock) *FederationManager {
	return &FederationManager{
		sso:       sso,
		providers: make(map[string]*registeredProvider),
		pending:   make(map[string]pendingLogin),
		clock:     clk,
	}
}

// RegisterOAuthProvider registers an external OAuth2/OIDC provider.
func (f *FederationManager) RegisterOAuthProvider(provider IdentityProvider, client *oauthclient.Client, claims OAuthClaimMap) {
	provider.Type = ProviderOAuth
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[provider.ProviderID] = &registeredProvider{IdentityProvider: provider, oauth: client, oauthClaims: claims.withDefaults()}
}

// RegisterSAMLProvider registers an external SAML 2.0 identity provider.
func (f *FederationManager) RegisterSAMLProvider(provider IdentityProvider, client *samlclient.Client, attrs SAMLAttributeMap) {
	provider.Type = ProviderSAML
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[provider.ProviderID] = &registeredProvider{IdentityProvider: provider, saml: client, samlAttrs: attrs.withDefaults()}
}

// RegisterDirectoryProvider registers an external LDAP/AD directory.
func (f *FederationManager) RegisterDirectoryProvider(provider IdentityProvider, client *ldapclient.Client, attrs DirectoryAttributeMap) {
	provider.Type = ProviderLDAP
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[provider.ProviderID] = &registeredProvider{IdentityProvider: provider, ldap: client, ldapAttrs: attrs.withDefaults()}
}

func (f *FederationManager) lookup(providerID string) (*registeredProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	return p, nil
}

// InitiateSSOLogin starts a redirect-based login against providerID
// (OAuth or SAML). For OAuth, state is a fresh random token tracked
// server-side so CompleteSSOLogin can recover which provider a callback
// belongs to. For SAML, the RelayState doubles as that same token and the
// AuthnRequest ID is tracked independently inside the samlclient.Client.
func (f *FederationManager) InitiateSSOLogin(ctx context.Context, providerID string) (*SSOLoginRequest, error) {
	p, err := f.lookup(providerID)
	if err != nil {
		return nil, err
	}

	state := id.NewUUIDv7()
	now := f.clock.Now()

	var loginURL string
	switch p.Type {
	case ProviderOAuth:
		if p.oauth == nil {
			return nil, fmt.Errorf("%w: %s", ErrProviderWrongType, providerID)
		}
		loginURL = p.oauth.LoginURL(state)
	case ProviderSAML:
		if p.saml == nil {
			return nil, fmt.Errorf("%w: %s", ErrProviderWrongType, providerID)
		}
		loginURL, err = p.saml.LoginURL(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("build saml login url: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a redirect-based provider", ErrProviderWrongType, providerID)
	}

	f.mu.Lock()
	f.pending[state] = pendingLogin{providerID: providerID, issuedAt: now}
	f.mu.Unlock()

	return &SSOLoginRequest{LoginURL: loginURL, State: state, ExpiresAt: now.Add(ssoStateLifetime)}, nil
}

// takeState consumes and validates a pending login state, returning the
// provider id it was issued for.
func (f *FederationManager) takeState(state string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pl, ok := f.pending[state]
	if !ok {
		return "", ErrStateNotFound
	}
	delete(f.pending, state)
	if f.clock.Now().Sub(pl.issuedAt) > ssoStateLifetime {
		return "", fmt.Errorf("%w: state %s has expired", ErrStateNotFound, state)
	}
	return pl.providerID, nil
}

// CompleteSSOLogin finishes a redirect-based login: it recovers the
// provider from state, exchanges/parses the provider-specific response
// data, normalizes the result into ExternalUserInfo, and resolves it to a
// local user via the SSOManager (link, link-by-email, or auto-provision).
//
// responseData carries the provider-specific payload: OAuth expects
// "code"; SAML expects "SAMLResponse". A "RelayState" entry is not read:
// state itself is passed on as the SAML relay state.
func (f *FederationManager) CompleteSSOLogin(ctx context.Context, state string, responseData map[string]string) (*user.User, bool, error) {
	providerID, err := f.takeState(state)
	if err != nil {
		return nil, false, err
	}
	p, err := f.lookup(providerID)
	if err != nil {
		return nil, false, err
	}

	var info ExternalUserInfo
	switch p.Type {
	case ProviderOAuth:
		info, err = f.completeOAuth(ctx, p, responseData["code"])
	case ProviderSAML:
		info, err = f.completeSAML(ctx, p, responseData["SAMLResponse"], state)
	default:
		return nil, false, fmt.Errorf("%w: %s is not a redirect-based provider", ErrProviderWrongType, providerID)
	}
	if err != nil {
		return nil, false, err
	}

	return f.sso.CompleteSSOLogin(ctx, p.IdentityProvider, info)
}

func (f *FederationManager) completeOAuth(ctx context.Context, p *registeredProvider, code string) (ExternalUserInfo, error) {
	if code == "" {
		return ExternalUserInfo{}, fmt.Errorf("oauth completion requires a code")
	}
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return ExternalUserInfo{}, err
	}
	claims, err := p.oauth.FetchUserInfo(ctx, tok)
	if err != nil {
		return ExternalUserInfo{}, err
	}
	return ExternalUserInfo{
		ExternalID: claimString(claims, p.oauthClaims.Subject),
		Email:      claimString(claims, p.oauthClaims.Email),
		Username:   claimString(claims, p.oauthClaims.Username),
		FirstName:  claimString(claims, p.oauthClaims.FirstName),
		LastName:   claimString(claims, p.oauthClaims.LastName),
	}, nil
}

func claimString(claims map[string]any, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (f *FederationManager) completeSAML(ctx context.Context, p *registeredProvider, rawResponse, relayState string) (ExternalUserInfo, error) {
	if rawResponse == "" {
		return ExternalUserInfo{}, fmt.Errorf("saml completion requires a SAMLResponse")
	}
	info, err := p.saml.ProcessResponse(ctx, rawResponse, relayState)
	if err != nil {
		return ExternalUserInfo{}, err
	}
	return ExternalUserInfo{
		ExternalID: info.NameID,
		Email:      firstAttr(info.Attributes, p.samlAttrs.Email),
		Username:   firstAttr(info.Attributes, p.samlAttrs.Username),
		FirstName:  firstAttr(info.Attributes, p.samlAttrs.FirstName),
		LastName:   firstAttr(info.Attributes, p.samlAttrs.LastName),
	}, nil
}

func firstAttr(attrs map[string][]string, name string) string {
	if vs := attrs[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// AuthenticateWithDirectory authenticates username/password against an
// LDAP/AD provider (bind-search-rebind, performed entirely inside
// ldapclient.Client) and resolves the resulting entry to a local user the
// same way a redirect-based login does. There is no redirect leg, so it
// has no corresponding InitiateSSOLogin call.
func (f *FederationManager) AuthenticateWithDirectory(ctx context.Context, providerID, username, password string) (*user.User, bool, error) {
	p, err := f.lookup(providerID)
	if err != nil {
		return nil, false, err
	}
	if p.ldap == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrProviderWrongType, providerID)
	}

	entry, err := p.ldap.Authenticate(username, password)
	if err != nil {
		return nil, false, err
	}

	info := ExternalUserInfo{
		ExternalID: entry.DN,
		Email:      firstAttr(entry.Attributes, p.ldapAttrs.Email),
		Username:   firstAttr(entry.Attributes, p.ldapAttrs.Username),
		FirstName:  firstAttr(entry.Attributes, p.ldapAttrs.FirstName),
		LastName:   firstAttr(entry.Attributes, p.ldapAttrs.LastName),
	}
	if info.Username == "" {
		info.Username = username
	}

	return f.sso.CompleteSSOLogin(ctx, p.IdentityProvider, info)
}
