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

package mfa

import (
	"context"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
)

// Bus topics published by this package.
const (
	TopicMethodEnabled         = "mfa.method_enabled"
	TopicMethodDisabled        = "mfa.method_disabled"
	TopicVerificationInitiated = "mfa.verification_initiated"
	TopicVerificationCompleted = "mfa.verification_completed"
	TopicVerificationFailed    = "mfa.verification_failed"
)

// methodRecord tracks a user's enrollment state for one provider.
type methodRecord struct {
	Enabled   bool
	EnabledAt time.Time
	LastUsed  *time.Time
}

// EnabledMethod is a read-only view of a user's enrollment in one method.
type EnabledMethod struct {
	Method    string
	EnabledAt time.Time
	LastUsed  *time.Time
}

// Manager tracks which MFA methods each user has enabled and drives the
// challenge/verify workflow across providers.
//
// Purpose: Top-level MFA orchestration: enable/disable/initiate/complete.
// Domain: MFA
type Manager struct {
	audit audit.Logger
	bus   *bus.Bus
	clock clock.Clock

	mu        sync.Mutex
	providers map[string]Provider
	methods   map[string]map[string]*methodRecord // userID -> method -> record
}

// NewManager creates an MFA manager with no providers registered; call
// RegisterProvider for each method the deployment supports.
func NewManager(auditLogger audit.Logger, eventBus *bus.Bus, clk clock.Clock) *Manager {
	return &Manager{
		audit:     auditLogger,
		bus:       eventBus,
		clock:     clk,
		providers: make(map[string]Provider),
		methods:   make(map[string]map[string]*methodRecord),
	}
}

// RegisterProvider adds a provider under its own Method() identifier.
func (m *Manager) RegisterProvider(p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[p.Method()]; exists {
		return ErrProviderExists
	}
	m.providers[p.Method()] = p
	return nil
}

// EnableMethod enrolls a user in a method, returning the provider's setup
// material (TOTP secret/QR URI, backup codes, or generic instructions for
// contact-point methods that require a follow-up call to register the
// phone number/address on the concrete provider before first use).
func (m *Manager) EnableMethod(ctx context.Context, userID, method string) (*SetupMaterial, error) {
	m.mu.Lock()
	provider, ok := m.providers[method]
	m.mu.Unlock()
	if !ok {
		return nil, ErrProviderNotFound
	}

	material, err := provider.GetSetupInstructions(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	m.mu.Lock()
	if m.methods[userID] == nil {
		m.methods[userID] = make(map[string]*methodRecord)
	}
	m.methods[userID][method] = &methodRecord{Enabled: true, EnabledAt: now}
	m.mu.Unlock()

	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypeMFAEnrolled,
		ActorID:   userID,
		Resource:  "mfa_method",
		TargetID:  method,
		Timestamp: now,
	})
	m.bus.Emit(TopicMethodEnabled, "mfa", map[string]any{"user_id": userID, "method": method})

	return material, nil
}

// DisableMethod disables a method for a user, reporting whether it had
// been enabled.
func (m *Manager) DisableMethod(ctx context.Context, userID, method string) bool {
	m.mu.Lock()
	record, ok := m.methods[userID][method]
	ok = ok && record.Enabled
	if ok {
		record.Enabled = false
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	m.bus.Emit(TopicMethodDisabled, "mfa", map[string]any{"user_id": userID, "method": method})
	return true
}

// EnabledMethods lists every method currently enabled for a user.
func (m *Manager) EnabledMethods(userID string) []EnabledMethod {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EnabledMethod
	for method, record := range m.methods[userID] {
		if record.Enabled {
			out = append(out, EnabledMethod{Method: method, EnabledAt: record.EnabledAt, LastUsed: record.LastUsed})
		}
	}
	return out
}

// IsMFAEnabled reports whether the user has at least one enabled method.
func (m *Manager) IsMFAEnabled(userID string) bool {
	return len(m.EnabledMethods(userID)) > 0
}

// InitiateVerification starts a challenge for an enabled method.
func (m *Manager) InitiateVerification(ctx context.Context, userID, method string) (*Challenge, error) {
	m.mu.Lock()
	provider, ok := m.providers[method]
	record, enrolled := m.methods[userID][method]
	m.mu.Unlock()

	if !ok {
		return nil, ErrProviderNotFound
	}
	if !enrolled || !record.Enabled {
		return nil, ErrMethodNotEnabled
	}

	ch, err := provider.GenerateChallenge(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.bus.Emit(TopicVerificationInitiated, "mfa", map[string]any{"user_id": userID, "method": method, "challenge_id": ch.ID})

	return ch, nil
}

// CompleteVerification validates a challenge response, updating the
// method's last-used timestamp on success.
func (m *Manager) CompleteVerification(ctx context.Context, userID, method, challengeID, response string) (bool, error) {
	m.mu.Lock()
	provider, ok := m.providers[method]
	m.mu.Unlock()
	if !ok {
		return false, ErrProviderNotFound
	}

	valid, err := provider.VerifyResponse(ctx, userID, challengeID, response)
	if err != nil {
		return false, err
	}

	now := m.clock.Now()
	if valid {
		m.mu.Lock()
		if record, ok := m.methods[userID][method]; ok {
			record.LastUsed = &now
		}
		m.mu.Unlock()

		m.audit.Log(ctx, audit.Event{
			Type:      audit.TypeMFAVerified,
			ActorID:   userID,
			Resource:  "mfa_method",
			TargetID:  method,
			Timestamp: now,
		})
		m.bus.Emit(TopicVerificationCompleted, "mfa", map[string]any{"user_id": userID, "method": method})
	} else {
		m.audit.Log(ctx, audit.Event{
			Type:      audit.TypeMFAFailed,
			ActorID:   userID,
			Resource:  "mfa_method",
			TargetID:  method,
			Timestamp: now,
		})
		m.bus.Emit(TopicVerificationFailed, "mfa", map[string]any{"user_id": userID, "method": method, "challenge_id": challengeID})
	}

	return valid, nil
}
