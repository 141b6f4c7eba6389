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

	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
)

const hardwareTokenChallengeLifetime = 2 * time.Minute

// HardwareTokenVerifier validates a response from a physical security
// key against a registered credential (e.g. a FIDO2/WebAuthn assertion,
// or a vendor-specific OTP token). This package only sequences the
// challenge/response workflow; cryptographic assertion verification is
// delegated to the verifier supplied by the deployment.
type HardwareTokenVerifier interface {
	Verify(ctx context.Context, userID, credentialID, response string) (bool, error)
}

// HardwareTokenProvider rounds out the provider set with support for
// physical security keys. It does not implement a concrete protocol
// beyond challenge/response bookkeeping; real assertion verification is
// delegated to a pluggable HardwareTokenVerifier supplied by the
// deployment.
//
// Purpose: Physical security key MFA.
// Domain: MFA
type HardwareTokenProvider struct {
	verifier HardwareTokenVerifier
	clock    clock.Clock

	mu          sync.Mutex
	credentials map[string]string // userID -> credentialID
	challenges  map[string]*Challenge
}

// NewHardwareTokenProvider creates a hardware-token provider.
func NewHardwareTokenProvider(verifier HardwareTokenVerifier, clk clock.Clock) *HardwareTokenProvider {
	return &HardwareTokenProvider{
		verifier:    verifier,
		clock:       clk,
		credentials: make(map[string]string),
		challenges:  make(map[string]*Challenge),
	}
}

// Method implements Provider.
func (p *HardwareTokenProvider) Method() string { return MethodHardwareToken }

// RegisterCredential binds a credential identifier to a user, following
// the out-of-band attestation ceremony the deployment's verifier performs.
func (p *HardwareTokenProvider) RegisterCredential(userID, credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credentials[userID] = credentialID
}

// GetSetupInstructions returns generic instructions for registering a
// security key; RegisterCredential completes enrollment.
func (p *HardwareTokenProvider) GetSetupInstructions(ctx context.Context, userID string) (*SetupMaterial, error) {
	return &SetupMaterial{
		Method:       MethodHardwareToken,
		Instructions: "Insert and activate your security key to register it.",
	}, nil
}

// GenerateChallenge issues a challenge window for a hardware token
// assertion.
func (p *HardwareTokenProvider) GenerateChallenge(ctx context.Context, userID string) (*Challenge, error) {
	p.mu.Lock()
	_, ok := p.credentials[userID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotSetUp
	}

	now := p.clock.Now()
	ch := &Challenge{
		ID:        id.NewUUIDv7(),
		UserID:    userID,
		Method:    MethodHardwareToken,
		CreatedAt: now,
		ExpiresAt: now.Add(hardwareTokenChallengeLifetime),
	}

	p.mu.Lock()
	p.challenges[ch.ID] = ch
	p.mu.Unlock()

	return ch, nil
}

// VerifyResponse delegates assertion verification to the configured
// HardwareTokenVerifier, removing the challenge unconditionally.
func (p *HardwareTokenProvider) VerifyResponse(ctx context.Context, userID, challengeID, response string) (bool, error) {
	p.mu.Lock()
	ch, ok := p.challenges[challengeID]
	if ok {
		delete(p.challenges, challengeID)
	}
	credentialID, hasCred := p.credentials[userID]
	p.mu.Unlock()

	if !ok || ch.UserID != userID {
		return false, ErrChallengeNotFound
	}
	if ch.IsExpired(p.clock.Now()) {
		return false, ErrChallengeExpired
	}
	if !hasCred {
		return false, ErrNotSetUp
	}
	if p.verifier == nil {
		return false, ErrInvalidResponse
	}

	return p.verifier.Verify(ctx, userID, credentialID, response)
}
