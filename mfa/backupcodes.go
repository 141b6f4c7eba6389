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

const (
	defaultBackupCodeCount  = 10
	defaultBackupCodeLength = 8
	backupChallengeLifetime = 15 * time.Minute
)

// BackupCodesProvider issues N single-use recovery codes at setup.
// Regeneration replaces the entire set.
//
// Purpose: Offline recovery MFA method.
// Domain: MFA
type BackupCodesProvider struct {
	codeCount  int
	codeLength int
	clock      clock.Clock

	mu         sync.Mutex
	userCodes  map[string]map[string]bool // userID -> code -> used
	challenges map[string]*Challenge
}

// NewBackupCodesProvider creates a backup-codes provider with the
// default 10 codes of length 8.
func NewBackupCodesProvider(clk clock.Clock) *BackupCodesProvider {
	return &BackupCodesProvider{
		codeCount:  defaultBackupCodeCount,
		codeLength: defaultBackupCodeLength,
		clock:      clk,
		userCodes:  make(map[string]map[string]bool),
		challenges: make(map[string]*Challenge),
	}
}

// Method implements Provider.
func (p *BackupCodesProvider) Method() string { return MethodBackupCodes }

// GetSetupInstructions generates a fresh set of backup codes for the
// user, replacing any existing set, and returns them once (they are
// never retrievable again in plaintext after this call).
func (p *BackupCodesProvider) GetSetupInstructions(ctx context.Context, userID string) (*SetupMaterial, error) {
	codes, err := p.generateCodes()
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = false
	}

	p.mu.Lock()
	p.userCodes[userID] = set
	p.mu.Unlock()

	return &SetupMaterial{
		Method:       MethodBackupCodes,
		BackupCodes:  codes,
		Instructions: "Save these backup codes in a secure location. Each code can only be used once.",
	}, nil
}

// Regenerate replaces a user's backup code set and returns the new codes.
func (p *BackupCodesProvider) Regenerate(userID string) ([]string, error) {
	codes, err := p.generateCodes()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = false
	}
	p.mu.Lock()
	p.userCodes[userID] = set
	p.mu.Unlock()
	return codes, nil
}

// RemainingCodes returns the user's unused backup codes.
func (p *BackupCodesProvider) RemainingCodes(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.userCodes[userID]
	if !ok {
		return nil
	}
	var remaining []string
	for code, used := range set {
		if !used {
			remaining = append(remaining, code)
		}
	}
	return remaining
}

// GenerateChallenge issues a challenge binding a response window; the
// actual code comes from the user's existing backup code set, not the
// challenge itself.
func (p *BackupCodesProvider) GenerateChallenge(ctx context.Context, userID string) (*Challenge, error) {
	p.mu.Lock()
	set, ok := p.userCodes[userID]
	p.mu.Unlock()
	if !ok || len(set) == 0 {
		return nil, ErrNotSetUp
	}

	now := p.clock.Now()
	ch := &Challenge{
		ID:        id.NewUUIDv7(),
		UserID:    userID,
		Method:    MethodBackupCodes,
		CreatedAt: now,
		ExpiresAt: now.Add(backupChallengeLifetime),
	}

	p.mu.Lock()
	p.challenges[ch.ID] = ch
	p.mu.Unlock()

	return ch, nil
}

// VerifyResponse consumes a backup code if valid and unused. The
// challenge is a one-shot: it is removed on this call whether or not the
// response was valid.
func (p *BackupCodesProvider) VerifyResponse(ctx context.Context, userID, challengeID, response string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.challenges[challengeID]
	if ok {
		delete(p.challenges, challengeID)
	}
	if !ok || ch.UserID != userID {
		return false, ErrChallengeNotFound
	}
	if ch.IsExpired(p.clock.Now()) {
		return false, ErrChallengeExpired
	}

	set, ok := p.userCodes[userID]
	if !ok {
		return false, ErrNotSetUp
	}
	used, known := set[response]
	if !known || used {
		return false, nil
	}

	set[response] = true
	return true, nil
}

func (p *BackupCodesProvider) generateCodes() ([]string, error) {
	codes := make([]string, p.codeCount)
	for i := range codes {
		code, err := randomAlphanumericCode(p.codeLength)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}
