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
	"errors"
	"time"
)

// Domain errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrDuplicateEmail     = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrWeakPassword       = errors.New("password does not meet security requirements")
	ErrAccountLocked      = errors.New("account is locked")
	ErrAccountInactive    = errors.New("account is inactive")
)

// Level is a coarse-grained permission level carried over from the
// original auth manager alongside its role-based model. Register sets
// LevelUser; RBAC permission checks do not consult it.
type Level string

const (
	LevelUser       Level = "user"
	LevelAdmin      Level = "admin"
	LevelSuperuser  Level = "superuser"
)

// User represents a user identity in the system.
//
// Purpose: Core identity entity representing a digital actor.
// Domain: Identity
// Invariants: ID must be a UUIDv7. Username and Email are each unique,
// compared case-insensitively.
type User struct {
	ID        string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`

	MFAEnabled bool            `json:"mfa_enabled"`
	MFAMethods map[string]bool `json:"mfa_methods,omitempty"`

	Profile  Profile        `json:"profile"`
	Level    Level          `json:"level"`
	Metadata map[string]any `json:"metadata,omitempty"`

	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	DeletedAt           *time.Time `json:"-"`
}

// Profile represents user profile information.
//
// Purpose: PII metadata associated with a user identity.
// Domain: Identity
type Profile struct {
	FirstName string
	LastName  string
	Picture   string
	Locale    string
	Timezone  string
}

// Credentials represents user authentication credentials.
type Credentials struct {
	UserID       string
	PasswordHash string
	UpdatedAt    time.Time
}

// UserRepository defines the interface for user persistence.
//
// Purpose: Abstraction for managing user identity storage.
// Domain: Identity
type UserRepository interface {
	// Create creates a new user identity
	Create(ctx context.Context, user *User) error

	// AddCredentials adds credentials for a user
	AddCredentials(ctx context.Context, credentials *Credentials) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByUsername retrieves a user by case-insensitive username
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetByEmail retrieves a user by case-insensitive email
	GetByEmail(ctx context.Context, email string) (*User, error)

	// Update updates user information
	Update(ctx context.Context, user *User) error

	// UpdateLockout updates user lockout status
	UpdateLockout(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error

	// Delete soft-deletes a user
	Delete(ctx context.Context, id string) error

	// GetCredentials retrieves user credentials
	GetCredentials(ctx context.Context, userID string) (*Credentials, error)

	// UpdatePassword updates user password
	UpdatePassword(ctx context.Context, userID string, passwordHash string) error
}
