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
	"strings"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
)

// MockUserRepository implements UserRepository for testing.
type MockUserRepository struct {
	users       map[string]*User
	credentials map[string]*Credentials
}

func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{
		users:       make(map[string]*User),
		credentials: make(map[string]*Credentials),
	}
}

func (m *MockUserRepository) Create(ctx context.Context, u *User) error {
	m.users[u.ID] = u
	return nil
}

func (m *MockUserRepository) AddCredentials(ctx context.Context, credentials *Credentials) error {
	m.credentials[credentials.UserID] = credentials
	return nil
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MockUserRepository) Update(ctx context.Context, u *User) error {
	m.users[u.ID] = u
	return nil
}

func (m *MockUserRepository) UpdateLockout(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.FailedLoginAttempts = failedAttempts
	u.LockedUntil = lockedUntil
	return nil
}

func (m *MockUserRepository) Delete(ctx context.Context, id string) error {
	delete(m.users, id)
	return nil
}

func (m *MockUserRepository) GetCredentials(ctx context.Context, userID string) (*Credentials, error) {
	c, ok := m.credentials[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return c, nil
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, userID string, passwordHash string) error {
	c, ok := m.credentials[userID]
	if !ok {
		return ErrUserNotFound
	}
	c.PasswordHash = passwordHash
	return nil
}

// MockAuditLogger implements audit.Logger for testing.
type MockAuditLogger struct{}

func (m *MockAuditLogger) Log(ctx context.Context, event audit.Event) {}

func testHasher() *crypto.PasswordHasher {
	return crypto.NewPasswordHasher(1024, 1, 1, 16, 32, 4)
}

func TestRegisterRejectsDuplicateUsernameAndEmail(t *testing.T) {
	repo := NewMockUserRepository()
	svc := NewService(repo, testHasher(), &MockAuditLogger{}, clock.System{}, 5, time.Hour)

	if _, err := svc.Register(context.Background(), "alice", "alice@example.com", "secure-pass", Profile{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), "alice", "someone@example.com", "secure-pass", Profile{}); err != ErrDuplicateUsername {
		t.Errorf("expected ErrDuplicateUsername for duplicate username, got %v", err)
	}

	if _, err := svc.Register(context.Background(), "bob", "Alice@Example.com", "secure-pass", Profile{}); err != ErrDuplicateEmail {
		t.Errorf("expected ErrDuplicateEmail for duplicate email (case-insensitive), got %v", err)
	}
}

func TestAuthenticateSuccessAndLockout(t *testing.T) {
	repo := NewMockUserRepository()
	svc := NewService(repo, testHasher(), &MockAuditLogger{}, clock.System{}, 3, time.Hour)

	email := "auth@example.com"
	password := "secure-password"

	u, err := svc.Register(context.Background(), "authuser", email, password, Profile{})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	authed, err := svc.Authenticate(context.Background(), email, password)
	if err != nil {
		t.Fatalf("authentication failed: %v", err)
	}
	if authed.ID != u.ID {
		t.Error("authenticated user ID mismatch")
	}

	if _, err := svc.Authenticate(context.Background(), email, "wrong-password"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}

	_, _ = svc.Authenticate(context.Background(), email, "wrong-password")
	_, _ = svc.Authenticate(context.Background(), email, "wrong-password")
	_, err = svc.Authenticate(context.Background(), email, "wrong-password")

	if err != ErrAccountLocked {
		t.Errorf("expected ErrAccountLocked after max attempts, got %v", err)
	}
}

func TestChangePasswordRequiresOldPassword(t *testing.T) {
	repo := NewMockUserRepository()
	svc := NewService(repo, testHasher(), &MockAuditLogger{}, clock.System{}, 5, time.Hour)

	u, err := svc.Register(context.Background(), "changer", "changer@example.com", "original-pass", Profile{})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := svc.ChangePassword(context.Background(), u.ID, "wrong-old", "new-password1"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}

	if err := svc.ChangePassword(context.Background(), u.ID, "original-pass", "new-password1"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), u.Username, "new-password1"); err != nil {
		t.Errorf("expected to authenticate with new password, got %v", err)
	}
}
