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

// Package memory provides the in-process, mutex-guarded repository
// implementations the control plane runs against in place of a Postgres
// backend: one authoritative map-backed store per manager's table, each
// guarded by its own lock, matching spec's per-manager-lock storage model.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/user"
)

// UserRepository implements user.UserRepository over an in-memory table
// guarded by a single mutex, owned exclusively by this repository.
type UserRepository struct {
	mu          sync.RWMutex
	users       map[string]*user.User
	credentials map[string]*user.Credentials
}

// NewUserRepository creates a new, empty user repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		users:       make(map[string]*user.User),
		credentials: make(map[string]*user.Credentials),
	}
}

// Create creates a new user identity.
func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

// AddCredentials adds credentials for a user.
func (r *UserRepository) AddCredentials(ctx context.Context, c *user.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.credentials[c.UserID] = &cp
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}

// GetByUsername retrieves a user by case-insensitive username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return nil, user.ErrUserNotFound
}

// GetByEmail retrieves a user by case-insensitive email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, user.ErrUserNotFound
}

// Update updates user information.
func (r *UserRepository) Update(ctx context.Context, u *user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; !ok {
		return user.ErrUserNotFound
	}
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

// UpdateLockout updates a user's lockout bookkeeping.
func (r *UserRepository) UpdateLockout(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return user.ErrUserNotFound
	}
	u.FailedLoginAttempts = failedAttempts
	u.LockedUntil = lockedUntil
	return nil
}

// Delete soft-deletes a user.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return user.ErrUserNotFound
	}
	now := time.Now()
	u.DeletedAt = &now
	u.Active = false
	return nil
}

// GetCredentials retrieves a user's credentials.
func (r *UserRepository) GetCredentials(ctx context.Context, userID string) (*user.Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.credentials[userID]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return c, nil
}

// UpdatePassword updates a user's password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credentials[userID]
	if !ok {
		return user.ErrUserNotFound
	}
	c.PasswordHash = passwordHash
	c.UpdatedAt = time.Now()
	return nil
}
