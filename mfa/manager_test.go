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
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
)

type noopAudit struct{}

func (noopAudit) Log(ctx context.Context, event audit.Event) {}

func newTestManager(clk clock.Clock) (*Manager, *TOTPProvider) {
	m := NewManager(noopAudit{}, bus.New(), clk)
	totpProvider := NewTOTPProvider("OpenTrusty", clk)
	_ = m.RegisterProvider(totpProvider)
	_ = m.RegisterProvider(NewSMSProvider(nil, clk))
	_ = m.RegisterProvider(NewEmailProvider(nil, clk))
	_ = m.RegisterProvider(NewBackupCodesProvider(clk))
	return m, totpProvider
}

func TestTOTPEnrollAndVerify(t *testing.T) {
	fixed := clock.Fixed{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, totpProvider := newTestManager(fixed)
	ctx := context.Background()

	material, err := m.EnableMethod(ctx, "user-1", MethodTOTP)
	if err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}
	if material.Secret == "" || material.ProvisioningURI == "" {
		t.Fatal("expected TOTP secret and provisioning URI")
	}

	if !m.IsMFAEnabled("user-1") {
		t.Fatal("expected user to be MFA-enabled after enrollment")
	}

	ch, err := m.InitiateVerification(ctx, "user-1", MethodTOTP)
	if err != nil {
		t.Fatalf("InitiateVerification: %v", err)
	}

	code, err := totp.GenerateCode(material.Secret, fixed.At)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	valid, err := m.CompleteVerification(ctx, "user-1", MethodTOTP, ch.ID, code)
	if err != nil {
		t.Fatalf("CompleteVerification: %v", err)
	}
	if !valid {
		t.Fatal("expected valid TOTP code to verify")
	}

	_ = totpProvider
}

func TestTOTPChallengeIsOneShot(t *testing.T) {
	fixed := clock.Fixed{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(fixed)
	ctx := context.Background()

	material, _ := m.EnableMethod(ctx, "user-1", MethodTOTP)
	ch, _ := m.InitiateVerification(ctx, "user-1", MethodTOTP)
	code, _ := totp.GenerateCode(material.Secret, fixed.At)

	valid, err := m.CompleteVerification(ctx, "user-1", MethodTOTP, ch.ID, code)
	if err != nil || !valid {
		t.Fatalf("expected first verification to succeed, got valid=%v err=%v", valid, err)
	}

	_, err = m.CompleteVerification(ctx, "user-1", MethodTOTP, ch.ID, code)
	if err != ErrChallengeNotFound {
		t.Fatalf("expected ErrChallengeNotFound on replay, got %v", err)
	}
}

func TestBackupCodesSingleUse(t *testing.T) {
	fixed := clock.Fixed{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(fixed)
	ctx := context.Background()

	material, err := m.EnableMethod(ctx, "user-1", MethodBackupCodes)
	if err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}
	if len(material.BackupCodes) != defaultBackupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", defaultBackupCodeCount, len(material.BackupCodes))
	}

	code := material.BackupCodes[0]

	ch, err := m.InitiateVerification(ctx, "user-1", MethodBackupCodes)
	if err != nil {
		t.Fatalf("InitiateVerification: %v", err)
	}
	valid, err := m.CompleteVerification(ctx, "user-1", MethodBackupCodes, ch.ID, code)
	if err != nil || !valid {
		t.Fatalf("expected backup code to verify, got valid=%v err=%v", valid, err)
	}

	ch2, err := m.InitiateVerification(ctx, "user-1", MethodBackupCodes)
	if err != nil {
		t.Fatalf("InitiateVerification (2nd): %v", err)
	}
	valid2, _ := m.CompleteVerification(ctx, "user-1", MethodBackupCodes, ch2.ID, code)
	if valid2 {
		t.Fatal("expected reused backup code to be rejected")
	}
}

func TestDisableMethodRemovesMFAEnabledStatus(t *testing.T) {
	m, _ := newTestManager(clock.System{})
	ctx := context.Background()

	if _, err := m.EnableMethod(ctx, "user-1", MethodTOTP); err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}
	if !m.IsMFAEnabled("user-1") {
		t.Fatal("expected MFA enabled")
	}

	if !m.DisableMethod(ctx, "user-1", MethodTOTP) {
		t.Fatal("expected DisableMethod to report the method was enabled")
	}
	if m.IsMFAEnabled("user-1") {
		t.Fatal("expected MFA disabled after DisableMethod")
	}
}
