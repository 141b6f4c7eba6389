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
	"sync"
	"time"

	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
	"github.com/opentrusty/controlplane/notify"
)

const smsChallengeLifetime = 10 * time.Minute

// SMSProvider sends a 6-digit numeric challenge code via an external SMS
// gateway. Responses returned to the caller mask all but the last 4
// digits of the phone number.
//
// Purpose: SMS-delivered one-time code MFA.
// Domain: MFA
type SMSProvider struct {
	sender notify.SMSSender
	clock  clock.Clock

	mu           sync.Mutex
	phoneNumbers map[string]string
	challenges   map[string]*smsEmailChallenge
}

type smsEmailChallenge struct {
	Challenge
	code string
}

// NewSMSProvider creates an SMS MFA provider.
func NewSMSProvider(sender notify.SMSSender, clk clock.Clock) *SMSProvider {
	return &SMSProvider{
		sender:       sender,
		clock:        clk,
		phoneNumbers: make(map[string]string),
		challenges:   make(map[string]*smsEmailChallenge),
	}
}

// Method implements Provider.
func (p *SMSProvider) Method() string { return MethodSMS }

// SetPhoneNumber registers a user's phone number (E.164) for SMS
// challenges. Called during enrollment with the user-supplied number.
func (p *SMSProvider) SetPhoneNumber(userID, phoneNumber string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phoneNumbers[userID] = phoneNumber
}

// GetSetupInstructions returns generic instructions; the phone number
// itself is supplied separately via SetPhoneNumber.
func (p *SMSProvider) GetSetupInstructions(ctx context.Context, userID string) (*SetupMaterial, error) {
	return &SetupMaterial{
		Method:       MethodSMS,
		Instructions: "Enter your phone number to receive verification codes via SMS.",
	}, nil
}

// GenerateChallenge sends a 6-digit code to the user's registered phone
// number and returns a challenge with the number masked.
func (p *SMSProvider) GenerateChallenge(ctx context.Context, userID string) (*Challenge, error) {
	p.mu.Lock()
	phone, ok := p.phoneNumbers[userID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotSetUp
	}

	code, err := randomNumericCode(6)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	ch := &smsEmailChallenge{
		Challenge: Challenge{
			ID:        id.NewUUIDv7(),
			UserID:    userID,
			Method:    MethodSMS,
			Display:   maskPhoneNumber(phone),
			CreatedAt: now,
			ExpiresAt: now.Add(smsChallengeLifetime),
		},
		code: code,
	}

	p.mu.Lock()
	p.challenges[ch.ID] = ch
	p.mu.Unlock()

	if p.sender != nil {
		if err := p.sender.SendSMS(ctx, phone, fmt.Sprintf("Your verification code is: %s", code)); err != nil {
			return nil, err
		}
	}

	out := ch.Challenge
	return &out, nil
}

// VerifyResponse checks the supplied code against the challenge, removing
// the challenge either way (one-shot).
func (p *SMSProvider) VerifyResponse(ctx context.Context, userID, challengeID, response string) (bool, error) {
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

func randomNumericCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

func maskPhoneNumber(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	masked := make([]byte, len(phone)-4)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + phone[len(phone)-4:]
}
