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

// Package auth orchestrates the user and session managers into the
// control plane's authentication surface: registration, rate-limited
// login, session issuance, and lazy session validation.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/session"
	"github.com/opentrusty/controlplane/user"
)

// Bus topics published by this package, matching the canonical taxonomy.
const (
	TopicUserRegistered      = "user.registered"
	TopicUserLogin           = "user.login"
	TopicUserPasswordChanged = "user.password_changed"
	TopicUserPasswordReset   = "user.password_reset"
	TopicUserUpdated         = "user.updated"
	TopicUserDeleted         = "user.deleted"
	TopicSessionCreated      = "session.created"
	TopicSessionInvalidated  = "session.invalidated"
)

// Domain errors, distinct from the underlying user/session package
// sentinels they wrap: these are the ones a caller at the auth surface
// should switch on.
var (
	ErrRateLimited = errors.New("too many failed login attempts, try again later")
)

const (
	defaultThrottleMaxAttempts = 5
	defaultThrottleWindow      = 5 * time.Minute
)

// Manager is the authentication orchestrator: it composes user.Service
// (registration, password verification, per-account lockout) with
// session.Service (session issuance and lazy validation), adding an
// IP-aware throttle and the compound session/account usability check
// that spans both of their tables.
//
// Purpose: Single entry point for register/login/session operations.
// Domain: Authentication
type Manager struct {
	users    *user.Service
	sessions *session.Service
	bus      *bus.Bus
	clock    clock.Clock

	throttleMaxAttempts int
	throttleWindow      time.Duration

	throttleMu sync.Mutex
	throttle   map[string][]time.Time
}

// NewManager creates a new authentication manager.
func NewManager(users *user.Service, sessions *session.Service, eventBus *bus.Bus, clk clock.Clock, throttleMaxAttempts int, throttleWindow time.Duration) *Manager {
	if throttleMaxAttempts <= 0 {
		throttleMaxAttempts = defaultThrottleMaxAttempts
	}
	if throttleWindow <= 0 {
		throttleWindow = defaultThrottleWindow
	}
	return &Manager{
		users:               users,
		sessions:            sessions,
		bus:                 eventBus,
		clock:               clk,
		throttleMaxAttempts: throttleMaxAttempts,
		throttleWindow:      throttleWindow,
		throttle:            make(map[string][]time.Time),
	}
}

// Register creates a new user identity.
func (m *Manager) Register(ctx context.Context, username, email, password string, profile user.Profile) (*user.User, error) {
	u, err := m.users.Register(ctx, username, email, password, profile)
	if err != nil {
		return nil, err
	}
	m.bus.Emit(TopicUserRegistered, "auth", map[string]any{"user_id": u.ID, "username": u.Username})
	return u, nil
}

// Authenticate verifies a username/email and password, enforcing an
// IP-aware throttle in addition to user.Service's per-account lockout.
// The throttle key is lower(id):ip, 5 failures / 5 minutes by default:
// distinct from the per-account lockout, it also penalizes an attacker
// hammering many accounts from one address against a shared identifier.
func (m *Manager) Authenticate(ctx context.Context, usernameOrEmail, password, ip, userAgent string) (*user.User, error) {
	key := throttleKey(usernameOrEmail, ip)

	if m.isThrottled(key) {
		return nil, ErrRateLimited
	}

	u, err := m.users.Authenticate(ctx, usernameOrEmail, password)
	if err != nil {
		if errors.Is(err, user.ErrInvalidCredentials) {
			m.recordFailure(key)
		}
		return nil, err
	}

	m.clearThrottle(key)
	m.bus.Emit(TopicUserLogin, "auth", map[string]any{"user_id": u.ID})

	return u, nil
}

func throttleKey(id, ip string) string {
	return strings.ToLower(id) + ":" + ip
}

func (m *Manager) isThrottled(key string) bool {
	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()

	now := m.clock.Now()
	attempts := m.pruneLocked(key, now)
	return len(attempts) >= m.throttleMaxAttempts
}

func (m *Manager) recordFailure(key string) {
	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()

	now := m.clock.Now()
	attempts := m.pruneLocked(key, now)
	m.throttle[key] = append(attempts, now)
}

func (m *Manager) clearThrottle(key string) {
	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()
	delete(m.throttle, key)
}

// pruneLocked drops attempts older than the throttle window, must be
// called with throttleMu held, and returns the surviving slice (already
// stored back into m.throttle).
func (m *Manager) pruneLocked(key string, now time.Time) []time.Time {
	attempts := m.throttle[key]
	cutoff := now.Add(-m.throttleWindow)
	kept := attempts[:0:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.throttle[key] = kept
	return kept
}

// CreateSession issues a new session after successful authentication.
func (m *Manager) CreateSession(ctx context.Context, u *user.User, ip, userAgent string) (*session.Session, error) {
	sess, err := m.sessions.Create(ctx, u.ID, ip, userAgent)
	if err != nil {
		return nil, err
	}
	m.bus.Emit(TopicSessionCreated, "auth", map[string]any{"session_id": sess.ID, "user_id": u.ID})
	return sess, nil
}

// ValidateSession validates a session ID, additionally checking that the
// owning user is still active -- a check that spans session's and user's
// tables and therefore belongs here rather than in either package alone.
// An expired/orphaned/inactive-owner session is lazily invalidated on
// read, mirroring session.Service.Get's own lazy-invalidation contract.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (bool, *user.User, *session.Session) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, nil, nil
	}

	u, err := m.users.GetUser(ctx, sess.UserID)
	if err != nil || !u.Active {
		m.sessions.Destroy(ctx, sess.ID)
		return false, nil, nil
	}

	return true, u, sess
}

// Logout invalidates a single session.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if err := m.sessions.Destroy(ctx, sessionID); err != nil {
		return err
	}
	m.bus.Emit(TopicSessionInvalidated, "auth", map[string]any{"session_id": sessionID})
	return nil
}

// LogoutAll invalidates every session belonging to a user, used by
// ChangePassword/ResetPassword per spec.
func (m *Manager) LogoutAll(ctx context.Context, userID string) error {
	if err := m.sessions.DestroyAllForUser(ctx, userID); err != nil {
		return err
	}
	m.bus.Emit(TopicSessionInvalidated, "auth", map[string]any{"user_id": userID, "all": true})
	return nil
}

// ChangePassword changes a user's password and, per spec, invalidates all
// of the user's sessions.
func (m *Manager) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if err := m.users.ChangePassword(ctx, userID, oldPassword, newPassword); err != nil {
		return err
	}
	m.bus.Emit(TopicUserPasswordChanged, "auth", map[string]any{"user_id": userID})
	return m.LogoutAll(ctx, userID)
}

// ResetPassword sets a new password administratively (e.g. via a reset
// token validated upstream) and invalidates all of the user's sessions.
func (m *Manager) ResetPassword(ctx context.Context, userID, newPassword string) error {
	if err := m.users.SetPassword(ctx, userID, newPassword); err != nil {
		return err
	}
	m.bus.Emit(TopicUserPasswordReset, "auth", map[string]any{"user_id": userID})
	return m.LogoutAll(ctx, userID)
}
