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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/session"
)

func TestSessionRepositoryCreateGetDelete(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()
	now := time.Now()

	s := &session.Session{ID: "s1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("expected user u1, got %s", got.UserID)
	}

	if err := repo.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, "s1"); err != session.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestSessionRepositoryDeleteExpired(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()
	now := time.Now()

	_ = repo.Create(ctx, &session.Session{ID: "live", UserID: "u1", ExpiresAt: now.Add(time.Hour)})
	_ = repo.Create(ctx, &session.Session{ID: "dead", UserID: "u1", ExpiresAt: now.Add(-time.Hour)})

	if err := repo.DeleteExpired(ctx, now); err != nil {
		t.Fatalf("delete expired: %v", err)
	}

	if _, err := repo.Get(ctx, "live"); err != nil {
		t.Fatalf("expected live session to survive, got %v", err)
	}
	if _, err := repo.Get(ctx, "dead"); err != session.ErrSessionNotFound {
		t.Fatalf("expected dead session to be purged, got %v", err)
	}
}

func TestSessionRepositoryDeleteByUserID(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()
	now := time.Now()

	_ = repo.Create(ctx, &session.Session{ID: "a", UserID: "u1", ExpiresAt: now.Add(time.Hour)})
	_ = repo.Create(ctx, &session.Session{ID: "b", UserID: "u1", ExpiresAt: now.Add(time.Hour)})
	_ = repo.Create(ctx, &session.Session{ID: "c", UserID: "u2", ExpiresAt: now.Add(time.Hour)})

	if err := repo.DeleteByUserID(ctx, "u1"); err != nil {
		t.Fatalf("delete by user id: %v", err)
	}

	if _, err := repo.Get(ctx, "c"); err != nil {
		t.Fatalf("expected u2's session to survive, got %v", err)
	}
	if _, err := repo.Get(ctx, "a"); err != session.ErrSessionNotFound {
		t.Fatalf("expected u1's sessions purged, got %v", err)
	}
}
