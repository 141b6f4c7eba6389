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

// Package notify defines the external-collaborator interfaces the MFA
// SMS and email providers depend on. Concrete implementations (a real
// SMS gateway, an SMTP or transactional-email client) live outside this
// module; these interfaces let the mfa package stay provider-agnostic
// and testable with fakes.
package notify

import "context"

// SMSSender delivers a text message to a phone number in E.164 format.
type SMSSender interface {
	SendSMS(ctx context.Context, phoneNumber, message string) error
}

// EmailSender delivers an email to an address.
type EmailSender interface {
	SendEmail(ctx context.Context, address, subject, body string) error
}

// NopSMSSender discards messages; useful as a default when no gateway is
// configured, and in tests that don't care about delivery.
type NopSMSSender struct{}

// SendSMS implements SMSSender by doing nothing.
func (NopSMSSender) SendSMS(ctx context.Context, phoneNumber, message string) error { return nil }

// NopEmailSender discards emails; same rationale as NopSMSSender.
type NopEmailSender struct{}

// SendEmail implements EmailSender by doing nothing.
func (NopEmailSender) SendEmail(ctx context.Context, address, subject, body string) error {
	return nil
}
