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

package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
	"github.com/opentrusty/controlplane/session"
	"github.com/opentrusty/controlplane/user"
)

type memUserRepo struct {
	mu          sync.Mutex
	byID        map[string]*user.User
	byUsername  map[string]*user.User
	byEmail     map[string]*user.User
	credentials map[string]*user.Credentials
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{
		byID:        map[string]*user.User{},
		byUsername:  map[string]*user.User{},
		byEmail:     map[string]*user.User{},
		credentials: map[string]*user.Credentials{},
	}
}

func lower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

func (r *memUserRepo) Create(ctx context.Context, u *user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[u.ID] = u
	r.byUsername[lower(u.Username)] = u
	r.byEmail[lower(u.Email)] = u
	return nil
}
func (r *memUserRepo) AddCredentials(ctx context.Context, c *user.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[c.UserID] = c
	return nil
}
func (r *memUserRepo) GetByID(ctx context.Context, id string) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}
func (r *memUserRepo) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byUsername[lower(username)]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}
func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byEmail[lower(email)]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}
func (r *memUserRepo) Update(ctx context.Context, u *user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[u.ID] = u
	return nil
}
func (r *memUserRepo) UpdateLockout(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[userID]
	if !ok {
		return user.ErrUserNotFound
	}
	u.FailedLoginAttempts = failedAttempts
	u.LockedUntil = lockedUntil
	return nil
}
func (r *memUserRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}
func (r *memUserRepo) GetCredentials(ctx context.Context, userID string) (*user.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credentials[userID]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return c, nil
}
func (r *memUserRepo) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credentials[userID]
	if !ok {
		return user.ErrUserNotFound
	}
	c.PasswordHash = passwordHash
	return nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[string]*session.Session{}}
}
func (r *memSessionRepo) Create(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}
func (r *memSessionRepo) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}
func (r *memSessionRepo) Update(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}
func (r *memSessionRepo) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}
func (r *memSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}
func (r *memSessionRepo) DeleteExpired(ctx context.Context, now time.Time) error { return nil }

type noopAudit struct{}

func (noopAudit) Log(ctx context.Context, event audit.Event) {}

func testHasher() *crypto.PasswordHasher {
	return crypto.NewPasswordHasher(1024, 1, 1, 16, 32, 4)
}

func newTestManager(clk clock.Clock) *Manager {
	users := user.NewService(newMemUserRepo(), testHasher(), noopAudit{}, clk, 100, time.Hour)
	sessions := session.NewService(newMemSessionRepo(), clk, 24*time.Hour, 30*time.Minute)
	return NewManager(users, sessions, bus.New(), clk, 5, 5*time.Minute)
}

func TestRegisterLoginSession(t *testing.T) {
	m := newTestManager(clock.System{})
	ctx := context.Background()

	u, err := m.Register(ctx, "alice", "alice@ex.com", "pw12345!", user.Profile{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	authed, err := m.Authenticate(ctx, "alice", "pw12345!", "", "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != u.ID {
		t.Fatalf("expected authenticated user to match registered user")
	}

	sess, err := m.CreateSession(ctx, u, "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	valid, validatedUser, validatedSess := m.ValidateSession(ctx, sess.ID)
	if !valid || validatedUser == nil || validatedSess == nil {
		t.Fatalf("expected session to validate, got valid=%v", valid)
	}
	if validatedUser.ID != u.ID {
		t.Fatalf("expected validated user to match")
	}

	_, err = m.Register(ctx, "ALICE", "other@ex.com", "pw12345!", user.Profile{})
	if !errors.Is(err, user.ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername for case-insensitive collision, got %v", err)
	}
}

func TestRateLimitLockout(t *testing.T) {
	fixed := clock.Fixed{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(fixed)
	ctx := context.Background()

	if _, err := m.Register(ctx, "alice", "alice@ex.com", "correct-pw", user.Profile{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 5; i++ {
		_, err := m.Authenticate(ctx, "alice", "wrong", "10.0.0.1", "")
		if !errors.Is(err, user.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := m.Authenticate(ctx, "alice", "wrong", "10.0.0.1", "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on 6th attempt, got %v", err)
	}

	_, err = m.Authenticate(ctx, "alice", "correct-pw", "10.0.0.1", "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected correct password to still fail within lockout window, got %v", err)
	}
}
