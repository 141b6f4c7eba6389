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

package user

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
	"github.com/opentrusty/controlplane/id"
)

// Service provides identity-related business logic.
//
// Purpose: Registration, authentication, and profile management for user
// identities.
// Domain: Identity
type Service struct {
	repo               UserRepository
	hasher             *crypto.PasswordHasher
	auditLogger        audit.Logger
	clock              clock.Clock
	lockoutMaxAttempts int
	lockoutDuration    time.Duration
}

// NewService creates a new identity service.
func NewService(
	repo UserRepository,
	hasher *crypto.PasswordHasher,
	auditLogger audit.Logger,
	clk clock.Clock,
	lockoutMaxAttempts int,
	lockoutDuration time.Duration,
) *Service {
	return &Service{
		repo:               repo,
		hasher:             hasher,
		auditLogger:        auditLogger,
		clock:              clk,
		lockoutMaxAttempts: lockoutMaxAttempts,
		lockoutDuration:    lockoutDuration,
	}
}

// Register creates a new user identity and password credential.
//
// Purpose: Primary entry point for account creation.
// Domain: Identity
// Errors: ErrInvalidEmail, ErrInvalidUsername, ErrWeakPassword, ErrDuplicateUsername, ErrDuplicateEmail
func (s *Service) Register(ctx context.Context, username, email, password string, profile Profile) (*User, error) {
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if !isValidUsername(username) {
		return nil, ErrInvalidUsername
	}
	if !isStrongPassword(password) {
		return nil, ErrWeakPassword
	}

	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil, ErrDuplicateUsername
	}
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrDuplicateEmail
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.clock.Now()
	u := &User{
		ID:        id.NewUUIDv7(),
		Username:  username,
		Email:     strings.ToLower(email),
		Active:    true,
		Verified:  false,
		CreatedAt: now,
		Level:     LevelUser,
		Profile:   profile,
	}

	if err := s.repo.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.repo.AddCredentials(ctx, &Credentials{UserID: u.ID, PasswordHash: passwordHash, UpdatedAt: now}); err != nil {
		return nil, fmt.Errorf("failed to add credentials: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeUserCreated,
		ActorID:   u.ID,
		Resource:  audit.ResourceUser,
		TargetID:  u.ID,
		Timestamp: now,
	})

	return u, nil
}

// Authenticate authenticates a user with username-or-email and password,
// applying per-account lockout after repeated failures.
func (s *Service) Authenticate(ctx context.Context, usernameOrEmail, password string) (*User, error) {
	u, err := s.lookup(ctx, usernameOrEmail)
	if err != nil {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeLoginFailed,
			Resource: "login_attempt",
			Metadata: map[string]any{audit.AttrReason: "user_not_found"},
		})
		return nil, ErrInvalidCredentials
	}

	if !u.Active {
		return nil, ErrAccountInactive
	}

	now := s.clock.Now()
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeLoginFailed,
			ActorID:  u.ID,
			Resource: "login",
			Metadata: map[string]any{audit.AttrReason: "locked_out"},
		})
		return nil, ErrAccountLocked
	}

	creds, err := s.repo.GetCredentials(ctx, u.ID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	valid, needsRehash, err := s.hasher.Verify(password, creds.PasswordHash)
	if err != nil || !valid {
		s.recordFailure(ctx, u, now)
		return nil, ErrInvalidCredentials
	}

	if needsRehash {
		if rehash, err := s.hasher.Hash(password); err == nil {
			_ = s.repo.UpdatePassword(ctx, u.ID, rehash)
		}
	}

	if u.FailedLoginAttempts > 0 || u.LockedUntil != nil {
		_ = s.repo.UpdateLockout(ctx, u.ID, 0, nil)
	}

	u.LastLogin = &now
	_ = s.repo.Update(ctx, u)

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLoginSuccess,
		ActorID:  u.ID,
		Resource: "login",
		TargetID: u.ID,
	})

	return u, nil
}

func (s *Service) recordFailure(ctx context.Context, u *User, now time.Time) {
	newAttempts := u.FailedLoginAttempts + 1
	var lockedUntil *time.Time

	if newAttempts >= s.lockoutMaxAttempts {
		until := now.Add(s.lockoutDuration)
		lockedUntil = &until
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeUserLocked,
			ActorID:  u.ID,
			Resource: "login",
			Metadata: map[string]any{audit.AttrAttempts: newAttempts},
		})
	}

	_ = s.repo.UpdateLockout(ctx, u.ID, newAttempts, lockedUntil)

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLoginFailed,
		ActorID:  u.ID,
		Resource: "login",
		Metadata: map[string]any{
			audit.AttrReason:   "invalid_password",
			audit.AttrAttempts: newAttempts,
		},
	})
}

func (s *Service) lookup(ctx context.Context, usernameOrEmail string) (*User, error) {
	if strings.Contains(usernameOrEmail, "@") {
		return s.repo.GetByEmail(ctx, strings.ToLower(usernameOrEmail))
	}
	return s.repo.GetByUsername(ctx, usernameOrEmail)
}

// GetUser retrieves a user by ID.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// UpdateProfile updates user profile information.
func (s *Service) UpdateProfile(ctx context.Context, userID string, profile Profile) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}

	u.Profile = profile
	return s.repo.Update(ctx, u)
}

// ChangePassword changes a user's password after verifying the old one.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	creds, err := s.repo.GetCredentials(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}

	valid, _, err := s.hasher.Verify(oldPassword, creds.PasswordHash)
	if err != nil || !valid {
		return ErrInvalidCredentials
	}

	if !isStrongPassword(newPassword) {
		return ErrWeakPassword
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.repo.UpdatePassword(ctx, userID, newHash); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePasswordChanged,
		ActorID:  userID,
		Resource: audit.ResourceUserCredentials,
		TargetID: userID,
	})

	return nil
}

// SetPassword sets a user's password without requiring the old one
// (administrative action).
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	if !isStrongPassword(password) {
		return ErrWeakPassword
	}

	newHash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.repo.UpdatePassword(ctx, userID, newHash)
}

func isValidEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && len(email) < 255
}

func isValidUsername(username string) bool {
	return len(username) >= 3 && len(username) <= 64
}

func isStrongPassword(password string) bool {
	return len(password) >= 8
}
