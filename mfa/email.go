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
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
	"github.com/opentrusty/controlplane/notify"
)

const (
	emailChallengeLifetime = 15 * time.Minute
	emailCodeAlphabet      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// EmailProvider sends an 8-character alphanumeric challenge code via an
// external email sender. Responses mask the local part of the address.
//
// Purpose: Email-delivered one-time code MFA.
// Domain: MFA
type EmailProvider struct {
	sender notify.EmailSender
	clock  clock.Clock

	mu         sync.Mutex
	addresses  map[string]string
	challenges map[string]*smsEmailChallenge
}

// NewEmailProvider creates an email MFA provider.
func NewEmailProvider(sender notify.EmailSender, clk clock.Clock) *EmailProvider {
	return &EmailProvider{
		sender:     sender,
		clock:      clk,
		addresses:  make(map[string]string),
		challenges: make(map[string]*smsEmailChallenge),
	}
}

// Method implements Provider.
func (p *EmailProvider) Method() string { return MethodEmail }

// SetEmailAddress registers a user's email address for challenges.
func (p *EmailProvider) SetEmailAddress(userID, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addresses[userID] = address
}

// GetSetupInstructions returns generic instructions; the address is
// supplied separately via SetEmailAddress.
func (p *EmailProvider) GetSetupInstructions(ctx context.Context, userID string) (*SetupMaterial, error) {
	return &SetupMaterial{
		Method:       MethodEmail,
		Instructions: "Enter your email address to receive verification codes via email.",
	}, nil
}

// GenerateChallenge sends an 8-character code to the user's registered
// email address and returns a challenge with the address masked.
func (p *EmailProvider) GenerateChallenge(ctx context.Context, userID string) (*Challenge, error) {
	p.mu.Lock()
	address, ok := p.addresses[userID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotSetUp
	}

	code, err := randomAlphanumericCode(8)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	ch := &smsEmailChallenge{
		Challenge: Challenge{
			ID:        id.NewUUIDv7(),
			UserID:    userID,
			Method:    MethodEmail,
			Display:   maskEmailAddress(address),
			CreatedAt: now,
			ExpiresAt: now.Add(emailChallengeLifetime),
		},
		code: code,
	}

	p.mu.Lock()
	p.challenges[ch.ID] = ch
	p.mu.Unlock()

	if p.sender != nil {
		if err := p.sender.SendEmail(ctx, address, "Your verification code", fmt.Sprintf("Your verification code is: %s", code)); err != nil {
			return nil, err
		}
	}

	out := ch.Challenge
	return &out, nil
}

// VerifyResponse checks the supplied code, removing the challenge either way.
func (p *EmailProvider) VerifyResponse(ctx context.Context, userID, challengeID, response string) (bool, error) {
	p.mu.Lock()
	ch, ok := p.challenges[challengeID]
	if ok {
		delete(p.challenges, challengeID)
	}
	p.mu.Unlock()

	if !ok || ch.UserID != userID {
		return false, ErrChallengeNotFound
	}
	if ch.IsExpired(p.clock.Now()) {
		return false, ErrChallengeExpired
	}
	return ch.code == response, nil
}

func randomAlphanumericCode(length int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(emailCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(emailCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func maskEmailAddress(address string) string {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 {
		return address
	}
	username, domain := parts[0], parts[1]
	if len(username) <= 2 {
		return username + "@" + domain
	}
	masked := make([]byte, len(username)-2)
	for i := range masked {
		masked[i] = '*'
	}
	return username[:1] + string(masked) + username[len(username)-1:] + "@" + domain
}
