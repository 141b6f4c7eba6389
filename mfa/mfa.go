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

// Package mfa implements multi-factor authentication: a uniform Provider
// interface with TOTP, SMS, email, backup-code, and hardware-token
// implementations, plus a Manager that tracks which methods a user has
// enabled and drives the challenge/verify workflow.
package mfa

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrProviderNotFound  = errors.New("mfa provider not found")
	ErrProviderExists    = errors.New("mfa provider already registered")
	ErrMethodNotEnabled  = errors.New("mfa method not enabled for this user")
	ErrNotSetUp          = errors.New("mfa method not set up for this user")
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	ErrChallengeExpired  = errors.New("mfa challenge expired")
	ErrInvalidResponse   = errors.New("invalid mfa response")
)

// Provider method identifiers.
const (
	MethodTOTP          = "totp"
	MethodSMS           = "sms"
	MethodEmail         = "email"
	MethodBackupCodes   = "backup_codes"
	MethodHardwareToken = "hardware_token"
)

// Challenge describes an in-flight verification attempt. Fields are
// provider-specific; masking (phone/email) is applied by the provider
// before the challenge is handed back to the caller.
type Challenge struct {
	ID        string
	UserID    string
	Method    string
	Display   string // masked phone/email, or empty for TOTP/backup codes
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the challenge has expired as of now.
func (c *Challenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// SetupMaterial is what get_setup_instructions returns: enough for the
// caller to complete enrollment (a TOTP secret + QR URI, or plain
// instructions text for SMS/email which require a follow-up call
// supplying the contact point).
type SetupMaterial struct {
	Method          string
	Secret          string   // TOTP only
	ProvisioningURI string   // TOTP only
	BackupCodes     []string // backup codes only, shown once
	Instructions    string
}

// Provider implements one MFA method.
//
// Purpose: Uniform capability set every MFA method exposes.
// Domain: MFA
type Provider interface {
	Method() string
	GetSetupInstructions(ctx context.Context, userID string) (*SetupMaterial, error)
	GenerateChallenge(ctx context.Context, userID string) (*Challenge, error)
	VerifyResponse(ctx context.Context, userID, challengeID, response string) (bool, error)
}
