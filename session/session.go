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

package session

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionInvalid  = errors.New("session invalid")
)

// Session represents a user session.
//
// Purpose: Server-side record of an authenticated user's persistence.
// Domain: Session
// Invariants: ID must be a cryptographically secure token. UserID must
// exist. A session is usable iff Active, now < ExpiresAt, and (checked by
// the auth package, which also knows about the user) the owning user is
// active.
type Session struct {
	ID         string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	IPAddress  string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Active     bool           `json:"active"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	LastSeenAt time.Time      `json:"-"`
}

// IsExpired checks if the session has expired as of now.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsIdle checks if the session has been idle for too long as of now.
func (s *Session) IsIdle(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(s.LastSeenAt) > idleTimeout
}

// Usable reports whether the session itself (independent of its owning
// user's status) is still valid: active, unexpired, and not idle.
func (s *Session) Usable(now time.Time, idleTimeout time.Duration) bool {
	return s.Active && !s.IsExpired(now) && !s.IsIdle(now, idleTimeout)
}

// Repository defines the interface for session persistence.
//
// Purpose: Abstraction for managing persistent session storage.
// Domain: Session
type Repository interface {
	// Create creates a new session
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Update updates session state (e.g. last seen time, active flag)
	Update(ctx context.Context, session *Session) error

	// Delete deletes a session
	Delete(ctx context.Context, sessionID string) error

	// DeleteByUserID deletes all sessions for a user
	DeleteByUserID(ctx context.Context, userID string) error

	// DeleteExpired deletes all expired sessions
	DeleteExpired(ctx context.Context, now time.Time) error
}
