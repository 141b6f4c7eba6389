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

package pluginsecurity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
	"github.com/opentrusty/controlplane/id"
)

// Bus topics published by this package.
const (
	TopicPermissionRegistered = "plugin_security.permission_registered"
	TopicManifestRegistered   = "plugin_security.manifest_registered"
	TopicConsentRequested     = "plugin_security.consent_requested"
	TopicConsentProcessed     = "plugin_security.consent_processed"
	TopicConsentRevoked       = "plugin_security.consent_revoked"
	TopicTokenGenerated       = "plugin_security.token_generated"
	TopicTokenRevoked         = "plugin_security.token_revoked"
	TopicContextCreated       = "plugin_security.context_created"
)

// Domain errors.
var (
	ErrPermissionExists     = errors.New("permission already registered")
	ErrPluginExists         = errors.New("plugin already registered")
	ErrPluginNotFound       = errors.New("plugin not registered")
	ErrUnknownPermission    = errors.New("unknown permission")
	ErrUndeclaredPermission = errors.New("permission not declared in plugin manifest")
	ErrNoConsent            = errors.New("user has not granted consent for plugin")
	ErrPermissionDenied     = errors.New("plugin does not have permission")
)

// Failure reasons ValidateSecurityToken returns alongside a false/nil
// result, matched against by callers that render them to an operator.
const (
	TokenReasonInvalid  = "Invalid token"
	TokenReasonNotFound = "Token not found"
	TokenReasonInactive = "Token is inactive"
	TokenReasonExpired  = "Token has expired"
)

// EventRecorder is the minimal security-event sink consent decisions and
// denied runtime checks are logged to, alongside the audit log. Satisfied
// by *security.EventLog.
type EventRecorder interface {
	Record(ctx context.Context, eventType, actorID, description string, metadata map[string]any)
}

// ConsentRequest is the payload returned by RequestUserConsent describing
// what a user is being asked to decide on.
type ConsentRequest struct {
	RequestID            string
	UserID               string
	PluginID             string
	PluginName           string
	PluginAuthor         string
	PluginDescription    string
	RequestedPermissions []PluginPermission
	ExistingConsent      *PluginConsent
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

const consentRequestWindow = 30 * time.Minute
const defaultTokenTTL = time.Hour

// Manager owns the plugin permission catalogue, plugin manifests, user
// consents, and security tokens. It is the sole authority runtime plugin
// checks and inter-plugin authorization consult.
//
// Purpose: Plugin permission model: catalogue, consent, runtime checks,
// tokens, inter-plugin authorization.
// Domain: Plugin security
type Manager struct {
	mu sync.RWMutex

	permissions        map[string]*PluginPermission
	permissionsByCat   map[string][]string
	manifests          map[string]*PluginManifest
	consents           map[string]*PluginConsent
	userPluginConsents map[string]map[string]string           // user -> plugin -> consent id
	tokens             map[string]*PluginSecurityToken
	tokensByValue      map[string]string                      // token value -> token id
	securityContexts   map[string]map[string]*SecurityContext // plugin -> user -> context

	audit    audit.Logger
	security EventRecorder
	bus      *bus.Bus
	clock    clock.Clock
}

// NewManager creates a Manager with the default permission catalogue
// registered. security may be nil; when non-nil every consent decision and
// every denied runtime check is additionally recorded there.
func NewManager(auditLogger audit.Logger, security EventRecorder, eventBus *bus.Bus, clk clock.Clock) *Manager {
	m := &Manager{
		permissions:        make(map[string]*PluginPermission),
		permissionsByCat:   make(map[string][]string),
		manifests:          make(map[string]*PluginManifest),
		consents:           make(map[string]*PluginConsent),
		userPluginConsents: make(map[string]map[string]string),
		tokens:             make(map[string]*PluginSecurityToken),
		tokensByValue:      make(map[string]string),
		securityContexts:   make(map[string]map[string]*SecurityContext),
		audit:              auditLogger,
		security:           security,
		bus:                eventBus,
		clock:              clk,
	}
	m.registerDefaultPermissions()
	return m
}

func (m *Manager) registerDefaultPermissions() {
	defaults := []PluginPermission{
		{PermissionID: PermFileRead, Name: "Read Files", Description: "Read files from the file system", RiskLevel: RiskMedium, Category: CategoryFileSystem, IsDangerous: false, RequiresExplicitConsent: true},
		{PermissionID: PermFileWrite, Name: "Write Files", Description: "Write files to the file system", RiskLevel: RiskHigh, Category: CategoryFileSystem, IsDangerous: true, RequiresExplicitConsent: true},
		{PermissionID: PermFileDelete, Name: "Delete Files", Description: "Delete files from the file system", RiskLevel: RiskHigh, Category: CategoryFileSystem, IsDangerous: true, RequiresExplicitConsent: true},
		{PermissionID: PermNetworkConnect, Name: "Network Connection", Description: "Connect to network resources", RiskLevel: RiskMedium, Category: CategoryNetwork, IsDangerous: false, RequiresExplicitConsent: true},
		{PermissionID: PermNetworkListen, Name: "Network Listening", Description: "Listen for incoming network connections", RiskLevel: RiskHigh, Category: CategoryNetwork, IsDangerous: true, RequiresExplicitConsent: true},
		{PermissionID: PermSystemExecute, Name: "Execute Commands", Description: "Execute system commands", RiskLevel: RiskCritical, Category: CategorySystem, IsDangerous: true, RequiresExplicitConsent: true},
		{PermissionID: PermSystemInfo, Name: "System Information", Description: "Access system information", RiskLevel: RiskMedium, Category: CategorySystem, IsDangerous: false, RequiresExplicitConsent: true},
		{PermissionID: PermUserProfile, Name: "User Profile", Description: "Access user profile information", RiskLevel: RiskMedium, Category: CategoryUserData, IsDangerous: false, RequiresExplicitConsent: true},
		{PermissionID: PermUserContacts, Name: "User Contacts", Description: "Access user contacts", RiskLevel: RiskHigh, Category: CategoryUserData, IsDangerous: true, RequiresExplicitConsent: true},
		{PermissionID: PermPluginCommunicate, Name: "Inter-Plugin Communication", Description: "Communicate with other plugins", RiskLevel: RiskMedium, Category: CategoryPlugin, IsDangerous: false, RequiresExplicitConsent: true},
		{PermissionID: PermPluginDataAccess, Name: "Plugin Data Access", Description: "Access data from other plugins", RiskLevel: RiskHigh, Category: CategoryPlugin, IsDangerous: true, RequiresExplicitConsent: true},
	}
	for i := range defaults {
		p := defaults[i]
		if _, err := m.RegisterPermission(context.Background(), &p); err != nil {
			panic("pluginsecurity: default permission catalogue collision: " + err.Error())
		}
	}
}

// RegisterPermission adds a permission to the catalogue.
func (m *Manager) RegisterPermission(ctx context.Context, perm *PluginPermission) (*PluginPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.permissions[perm.PermissionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPermissionExists, perm.PermissionID)
	}
	m.permissions[perm.PermissionID] = perm
	m.permissionsByCat[perm.Category] = append(m.permissionsByCat[perm.Category], perm.PermissionID)

	m.bus.Emit(TopicPermissionRegistered, "pluginsecurity", map[string]any{
		"permission_id": perm.PermissionID,
		"name":          perm.Name,
		"category":      perm.Category,
		"risk_level":    perm.RiskLevel,
	})
	return perm, nil
}

// GetPermission retrieves a permission by id.
func (m *Manager) GetPermission(permissionID string) (*PluginPermission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.permissions[permissionID]
	return p, ok
}

// GetPermissionsByCategory returns every permission registered under
// category, in registration order.
func (m *Manager) GetPermissionsByCategory(category string) []*PluginPermission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.permissionsByCat[category]
	out := make([]*PluginPermission, 0, len(ids))
	for _, permID := range ids {
		if p, ok := m.permissions[permID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// RegisterPluginManifest registers a plugin, rejecting any manifest that
// requests a permission id not present in the catalogue.
func (m *Manager) RegisterPluginManifest(ctx context.Context, manifest *PluginManifest) (*PluginManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.manifests[manifest.PluginID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginExists, manifest.PluginID)
	}
	for _, permID := range manifest.RequestedPermissions {
		if _, ok := m.permissions[permID]; !ok {
			return nil, fmt.Errorf("%w: plugin %s requested %s", ErrUnknownPermission, manifest.PluginID, permID)
		}
	}

	m.manifests[manifest.PluginID] = manifest
	m.bus.Emit(TopicManifestRegistered, "pluginsecurity", map[string]any{
		"plugin_id":             manifest.PluginID,
		"name":                  manifest.Name,
		"version":               manifest.Version,
		"requested_permissions": manifest.RequestedPermissions,
	})
	return manifest, nil
}

// GetPluginManifest retrieves a plugin's manifest by id.
func (m *Manager) GetPluginManifest(pluginID string) (*PluginManifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.manifests[pluginID]
	return p, ok
}

// RequestUserConsent builds a ConsentRequest describing what a plugin is
// asking a user to decide, defaulting to the plugin's full requested
// permission set and expiring 30 minutes after creation. requested, when
// non-nil, narrows the request to a subset that must already have been
// declared in the manifest.
func (m *Manager) RequestUserConsent(ctx context.Context, userID, pluginID string, requested []string) (*ConsentRequest, error) {
	m.mu.RLock()
	manifest, ok := m.manifests[pluginID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}

	if requested == nil {
		requested = manifest.RequestedPermissions
	} else {
		declared := make(map[string]bool, len(manifest.RequestedPermissions))
		for _, p := range manifest.RequestedPermissions {
			declared[p] = true
		}
		for _, p := range requested {
			if !declared[p] {
				return nil, fmt.Errorf("%w: %s", ErrUndeclaredPermission, p)
			}
		}
	}

	details := make([]PluginPermission, 0, len(requested))
	for _, permID := range requested {
		if p, ok := m.GetPermission(permID); ok {
			details = append(details, *p)
		}
	}

	now := m.clock.Now()
	req := &ConsentRequest{
		RequestID:            id.NewUUIDv7(),
		UserID:               userID,
		PluginID:             pluginID,
		PluginName:           manifest.Name,
		PluginAuthor:         manifest.Author,
		PluginDescription:    manifest.Description,
		RequestedPermissions: details,
		ExistingConsent:      m.GetUserPluginConsent(userID, pluginID),
		CreatedAt:            now,
		ExpiresAt:            now.Add(consentRequestWindow),
	}

	m.bus.Emit(TopicConsentRequested, "pluginsecurity", map[string]any{
		"request_id":            req.RequestID,
		"user_id":               userID,
		"plugin_id":             pluginID,
		"requested_permissions": requested,
	})
	return req, nil
}

// ProcessConsentResponse records a user's grant/deny decision for a plugin,
// replacing any prior consent for that (user, plugin) pair. expiresIn, when
// non-zero, sets the consent's expiry relative to now.
func (m *Manager) ProcessConsentResponse(ctx context.Context, requestID, userID, pluginID string, granted, denied []string, expiresIn time.Duration) (*PluginConsent, error) {
	m.mu.Lock()
	manifest, ok := m.manifests[pluginID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}

	declared := make(map[string]bool, len(manifest.RequestedPermissions))
	for _, p := range manifest.RequestedPermissions {
		declared[p] = true
	}
	for _, p := range granted {
		if !declared[p] {
			return nil, fmt.Errorf("%w: %s", ErrUndeclaredPermission, p)
		}
	}
	for _, p := range denied {
		if !declared[p] {
			return nil, fmt.Errorf("%w: %s", ErrUndeclaredPermission, p)
		}
	}

	now := m.clock.Now()
	var expiresAt *time.Time
	if expiresIn > 0 {
		t := now.Add(expiresIn)
		expiresAt = &t
	}

	consent := &PluginConsent{
		ConsentID:          id.NewUUIDv7(),
		UserID:             userID,
		PluginID:           pluginID,
		GrantedPermissions: granted,
		DeniedPermissions:  denied,
		CreatedAt:          now,
		ExpiresAt:          expiresAt,
		Active:             true,
		Metadata:           map[string]any{"request_id": requestID},
	}

	m.mu.Lock()
	m.consents[consent.ConsentID] = consent
	if m.userPluginConsents[userID] == nil {
		m.userPluginConsents[userID] = make(map[string]string)
	}
	m.userPluginConsents[userID][pluginID] = consent.ConsentID
	m.mu.Unlock()

	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypePluginConsented,
		ActorID:   userID,
		Resource:  audit.ResourcePlugin,
		TargetID:  pluginID,
		Metadata:  map[string]any{"consent_id": consent.ConsentID, "granted": granted, "denied": denied},
		Timestamp: now,
	})
	if m.security != nil {
		m.security.Record(ctx, audit.TypePluginConsented, userID, fmt.Sprintf("consent recorded for plugin %s", pluginID), map[string]any{"plugin_id": pluginID, "granted": granted, "denied": denied})
	}
	m.bus.Emit(TopicConsentProcessed, "pluginsecurity", map[string]any{
		"consent_id": consent.ConsentID,
		"user_id":    userID,
		"plugin_id":  pluginID,
		"granted":    granted,
		"denied":     denied,
	})

	return consent, nil
}

// GetUserPluginConsent retrieves the current consent record for (userID,
// pluginID), or nil if none exists.
func (m *Manager) GetUserPluginConsent(userID, pluginID string) *PluginConsent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPlugin, ok := m.userPluginConsents[userID]
	if !ok {
		return nil
	}
	consentID, ok := byPlugin[pluginID]
	if !ok {
		return nil
	}
	return m.consents[consentID]
}

// RevokeUserConsent deactivates a user's consent for a plugin, reporting
// whether an active consent existed to revoke.
func (m *Manager) RevokeUserConsent(ctx context.Context, userID, pluginID string) bool {
	consent := m.GetUserPluginConsent(userID, pluginID)
	if consent == nil {
		return false
	}

	m.mu.Lock()
	if !consent.Active {
		m.mu.Unlock()
		return false
	}
	consent.Active = false
	m.mu.Unlock()

	m.bus.Emit(TopicConsentRevoked, "pluginsecurity", map[string]any{
		"consent_id": consent.ConsentID,
		"user_id":    userID,
		"plugin_id":  pluginID,
	})
	return true
}

// CheckPluginPermission reports whether plugin pluginID, running as
// userID, currently holds permissionID: the permission and the plugin's
// manifest must both exist, the permission must be declared in the
// manifest, and the user's consent for the plugin must grant it.
func (m *Manager) CheckPluginPermission(userID, pluginID, permissionID string) bool {
	if _, ok := m.GetPermission(permissionID); !ok {
		return false
	}
	manifest, ok := m.GetPluginManifest(pluginID)
	if !ok {
		return false
	}
	declared := false
	for _, p := range manifest.RequestedPermissions {
		if p == permissionID {
			declared = true
			break
		}
	}
	if !declared {
		return false
	}

	consent := m.GetUserPluginConsent(userID, pluginID)
	if consent == nil {
		return false
	}
	return consent.HasPermission(permissionID, m.clock.Now())
}

// EnforcePluginPermission is CheckPluginPermission's throw-on-deny
// counterpart, additionally recording the denial to the audit log and the
// security event log.
func (m *Manager) EnforcePluginPermission(ctx context.Context, userID, pluginID, permissionID string) error {
	if m.CheckPluginPermission(userID, pluginID, permissionID) {
		return nil
	}

	name := permissionID
	if p, ok := m.GetPermission(permissionID); ok {
		name = p.Name
	}

	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypePluginDenied,
		ActorID:   userID,
		Resource:  audit.ResourcePlugin,
		TargetID:  pluginID,
		Metadata:  map[string]any{"permission_id": permissionID},
		Timestamp: m.clock.Now(),
	})
	if m.security != nil {
		m.security.Record(ctx, audit.TypePluginDenied, userID, fmt.Sprintf("plugin %s denied permission %s", pluginID, name), map[string]any{"plugin_id": pluginID, "permission_id": permissionID})
	}

	return fmt.Errorf("%w: plugin %s does not have permission %s", ErrPermissionDenied, pluginID, name)
}

// GenerateSecurityToken issues an opaque bearer token for a (user, plugin)
// pair, defaulting to a one-hour expiry.
func (m *Manager) GenerateSecurityToken(ctx context.Context, userID, pluginID string, expiresIn time.Duration) (*PluginSecurityToken, error) {
	if _, ok := m.GetPluginManifest(pluginID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	if expiresIn <= 0 {
		expiresIn = defaultTokenTTL
	}

	now := m.clock.Now()
	token := &PluginSecurityToken{
		TokenID:    id.NewUUIDv7(),
		PluginID:   pluginID,
		UserID:     userID,
		TokenValue: crypto.RandomToken(32),
		CreatedAt:  now,
		ExpiresAt:  now.Add(expiresIn),
		Active:     true,
	}

	m.mu.Lock()
	m.tokens[token.TokenID] = token
	m.tokensByValue[token.TokenValue] = token.TokenID
	m.mu.Unlock()

	m.bus.Emit(TopicTokenGenerated, "pluginsecurity", map[string]any{
		"token_id":  token.TokenID,
		"user_id":   userID,
		"plugin_id": pluginID,
	})
	return token, nil
}

// ValidateSecurityToken reports whether tokenValue is a currently valid
// token, returning the token and an empty reason on success or nil plus a
// TokenReason* string on failure.
func (m *Manager) ValidateSecurityToken(tokenValue string) (bool, *PluginSecurityToken, string) {
	m.mu.RLock()
	tokenID, ok := m.tokensByValue[tokenValue]
	if !ok {
		m.mu.RUnlock()
		return false, nil, TokenReasonInvalid
	}
	token, ok := m.tokens[tokenID]
	m.mu.RUnlock()
	if !ok {
		return false, nil, TokenReasonNotFound
	}
	if !token.Active {
		return false, nil, TokenReasonInactive
	}
	if token.IsExpired(m.clock.Now()) {
		return false, nil, TokenReasonExpired
	}
	return true, token, ""
}

// RevokeSecurityToken deactivates a token by value, reporting whether a
// token existed to revoke.
func (m *Manager) RevokeSecurityToken(ctx context.Context, tokenValue string) bool {
	m.mu.Lock()
	tokenID, ok := m.tokensByValue[tokenValue]
	if !ok {
		m.mu.Unlock()
		return false
	}
	token, ok := m.tokens[tokenID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	token.Active = false
	m.mu.Unlock()

	m.bus.Emit(TopicTokenRevoked, "pluginsecurity", map[string]any{
		"token_id":  token.TokenID,
		"user_id":   token.UserID,
		"plugin_id": token.PluginID,
	})
	return true
}

// CreateSecurityContext builds and stores the permission view a running
// plugin is handed, requiring an active, unexpired consent to exist.
func (m *Manager) CreateSecurityContext(ctx context.Context, userID, pluginID string) (*SecurityContext, error) {
	if _, ok := m.GetPluginManifest(pluginID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	consent := m.GetUserPluginConsent(userID, pluginID)
	if consent == nil || !consent.Active || consent.IsExpired(m.clock.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrNoConsent, pluginID)
	}

	sc := &SecurityContext{PluginID: pluginID, UserID: userID, Permissions: consent.GrantedPermissions}

	m.mu.Lock()
	if m.securityContexts[pluginID] == nil {
		m.securityContexts[pluginID] = make(map[string]*SecurityContext)
	}
	m.securityContexts[pluginID][userID] = sc
	m.mu.Unlock()

	m.bus.Emit(TopicContextCreated, "pluginsecurity", map[string]any{
		"user_id":     userID,
		"plugin_id":   pluginID,
		"permissions": consent.GrantedPermissions,
	})
	return sc, nil
}

// GetSecurityContext retrieves a previously created security context, or
// nil if none was created for this (plugin, user) pair.
func (m *Manager) GetSecurityContext(pluginID, userID string) *SecurityContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byUser, ok := m.securityContexts[pluginID]
	if !ok {
		return nil
	}
	return byUser[userID]
}

// AuthorizePluginCommunication reports whether sourcePluginID may send a
// message to targetPluginID on behalf of userID: the source must hold
// plugin.communicate, and the target plugin must exist with an active,
// unexpired consent of its own.
func (m *Manager) AuthorizePluginCommunication(sourcePluginID, targetPluginID, userID string) bool {
	if !m.CheckPluginPermission(userID, sourcePluginID, PermPluginCommunicate) {
		return false
	}
	if _, ok := m.GetPluginManifest(targetPluginID); !ok {
		return false
	}
	targetConsent := m.GetUserPluginConsent(userID, targetPluginID)
	if targetConsent == nil || !targetConsent.Active || targetConsent.IsExpired(m.clock.Now()) {
		return false
	}
	return true
}

// AuthorizePluginDataAccess additionally requires the source plugin to
// hold plugin.data_access on top of AuthorizePluginCommunication's checks.
// dataType is accepted for future per-data-type policy but not yet
// consulted, matching the grounding source's own placeholder behavior.
func (m *Manager) AuthorizePluginDataAccess(sourcePluginID, targetPluginID, userID, dataType string) bool {
	if !m.CheckPluginPermission(userID, sourcePluginID, PermPluginDataAccess) {
		return false
	}
	return m.AuthorizePluginCommunication(sourcePluginID, targetPluginID, userID)
}
