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

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
)

const totpChallengeLifetime = 5 * time.Minute

// TOTPProvider implements time-based one-time passwords via
// github.com/pquerna/otp, with the standard 30-second step and ±1-step
// verification tolerance.
//
// Purpose: Authenticator-app based MFA.
// Domain: MFA
type TOTPProvider struct {
	issuer string
	clock  clock.Clock

	mu         sync.Mutex
	secrets    map[string]string // userID -> base32 secret
	challenges map[string]*Challenge
}

// NewTOTPProvider creates a TOTP provider. issuer is the name shown in
// authenticator apps (e.g. "OpenTrusty").
func NewTOTPProvider(issuer string, clk clock.Clock) *TOTPProvider {
	return &TOTPProvider{
		issuer:     issuer,
		clock:      clk,
		secrets:    make(map[string]string),
		challenges: make(map[string]*Challenge),
	}
}

// Method implements Provider.
func (p *TOTPProvider) Method() string { return MethodTOTP }

// GetSetupInstructions generates a new TOTP secret for the user and
// returns the provisioning URI used to render an enrollment QR code.
func (p *TOTPProvider) GetSetupInstructions(ctx context.Context, userID string) (*SetupMaterial, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: userID,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.secrets[userID] = key.Secret()
	p.mu.Unlock()

	return &SetupMaterial{
		Method:          MethodTOTP,
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		Instructions:    "Scan the QR code with your authenticator app or enter the secret key manually.",
	}, nil
}

// GenerateChallenge issues a new TOTP challenge. The challenge itself
// carries no code (the user reads one off their own device); it exists
// to bind VerifyResponse to a specific attempt with its own expiry.
func (p *TOTPProvider) GenerateChallenge(ctx context.Context, userID string) (*Challenge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.secrets[userID]; !ok {
		return nil, ErrNotSetUp
	}

	now := p.clock.Now()
	ch := &Challenge{
		ID:        id.NewUUIDv7(),
		UserID:    userID,
		Method:    MethodTOTP,
		CreatedAt: now,
		ExpiresAt: now.Add(totpChallengeLifetime),
	}
	p.challenges[ch.ID] = ch
	return ch, nil
}

// VerifyResponse validates a TOTP code against the user's secret, within
// a ±1 step (30s) tolerance, then removes the challenge regardless of
// outcome (one-shot).
func (p *TOTPProvider) VerifyResponse(ctx context.Context, userID, challengeID, response string) (bool, error) {
	p.mu.Lock()
	ch, ok := p.challenges[challengeID]
	if ok {
		delete(p.challenges, challengeID)
	}
	secret, hasSecret := p.secrets[userID]
	p.mu.Unlock()

	if !ok || ch.UserID != userID {
		return false, ErrChallengeNotFound
	}
	if ch.IsExpired(p.clock.Now()) {
		return false, ErrChallengeExpired
	}
	if !hasSecret {
		return false, ErrNotSetUp
	}

	valid, err := totp.ValidateCustom(response, secret, p.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}
