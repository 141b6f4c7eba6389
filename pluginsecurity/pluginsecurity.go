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

// Package pluginsecurity implements the plugin permission model: a
// capability catalogue, a per-user per-plugin consent lifecycle, runtime
// permission checks, opaque security tokens, and inter-plugin
// authorization built on top of consent.
package pluginsecurity

import "time"

// Risk levels a PluginPermission can carry.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Permission categories seeded by default.
const (
	CategoryFileSystem = "file_system"
	CategoryNetwork    = "network"
	CategorySystem     = "system"
	CategoryUserData   = "user_data"
	CategoryPlugin     = "plugin"
)

// Well-known permission IDs seeded at startup, referenced by tests and by
// AuthorizePluginCommunication/AuthorizePluginDataAccess.
const (
	PermFileRead          = "file.read"
	PermFileWrite         = "file.write"
	PermFileDelete        = "file.delete"
	PermNetworkConnect    = "network.connect"
	PermNetworkListen     = "network.listen"
	PermSystemExecute     = "system.execute"
	PermSystemInfo        = "system.info"
	PermUserProfile       = "user.profile"
	PermUserContacts      = "user.contacts"
	PermPluginCommunicate = "plugin.communicate"
	PermPluginDataAccess  = "plugin.data_access"
)

// PluginPermission is one capability a plugin can request and a user can
// grant or deny.
//
// Purpose: Capability catalogue entry.
// Domain: Plugin security
type PluginPermission struct {
	PermissionID            string
	Name                    string
	Description             string
	RiskLevel               string // RiskLow, RiskMedium, RiskHigh, RiskCritical
	Category                string
	IsDangerous             bool
	RequiresExplicitConsent bool
	Metadata                map[string]any
}

// PluginManifest is the declared identity and permission surface of one
// installed plugin.
type PluginManifest struct {
	PluginID              string
	Name                  string
	Version               string
	Author                string
	Description           string
	RequestedPermissions  []string
	EntryPoint            string
	MinAPIVersion         string
	MaxAPIVersion         string
	Homepage              string
	Repository            string
	License               string
	Metadata              map[string]any
}

// PluginConsent is a user's grant/deny decision over a plugin's requested
// permissions.
//
// Purpose: Consent record.
// Domain: Plugin security
// Invariants: Every permission in GrantedPermissions or DeniedPermissions
// was declared in the plugin's manifest at the time consent was recorded.
type PluginConsent struct {
	ConsentID          string
	UserID             string
	PluginID           string
	GrantedPermissions []string
	DeniedPermissions  []string
	CreatedAt          time.Time
	ExpiresAt          *time.Time
	Active             bool
	Metadata           map[string]any
}

// IsExpired reports whether the consent has passed its expiry, if any.
func (c *PluginConsent) IsExpired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.After(*c.ExpiresAt)
}

// HasPermission reports whether permissionID is currently granted: the
// consent must be active and unexpired, the permission must not appear in
// DeniedPermissions, and it must appear in GrantedPermissions.
func (c *PluginConsent) HasPermission(permissionID string, now time.Time) bool {
	if !c.Active || c.IsExpired(now) {
		return false
	}
	for _, p := range c.DeniedPermissions {
		if p == permissionID {
			return false
		}
	}
	for _, p := range c.GrantedPermissions {
		if p == permissionID {
			return true
		}
	}
	return false
}

// PluginSecurityToken is an opaque, bearer-style credential a plugin
// presents to prove it is acting for a given user within a given session.
type PluginSecurityToken struct {
	TokenID    string
	PluginID   string
	UserID     string
	TokenValue string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Active     bool
	Metadata   map[string]any
}

// IsExpired reports whether the token has passed its expiry.
func (t *PluginSecurityToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsValid reports whether the token is both active and unexpired.
func (t *PluginSecurityToken) IsValid(now time.Time) bool {
	return t.Active && !t.IsExpired(now)
}

// SecurityContext is the permission view handed to a running plugin: the
// (plugin, user) pair and the set of permissions that user granted.
type SecurityContext struct {
	PluginID    string
	UserID      string
	Permissions []string
}
