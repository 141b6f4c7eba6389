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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/crypto"
	"github.com/opentrusty/controlplane/user"
)

// TestUserRepositoryDrivesUserService constructs user.Service directly on
// top of this package's UserRepository (no test-local mock), proving the
// manager is constructible from product-tree code alone.
func TestUserRepositoryDrivesUserService(t *testing.T) {
	repo := NewUserRepository()
	hasher := crypto.NewPasswordHasher(1024, 1, 1, 16, 32, 4)
	svc := user.NewService(repo, hasher, audit.NewSlogLogger(), clock.System{}, 5, time.Hour)

	ctx := context.Background()
	u, err := svc.Register(ctx, "frank", "frank@example.com", "a-strong-password", user.Profile{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	authed, err := svc.Authenticate(ctx, "frank@example.com", "a-strong-password")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != u.ID {
		t.Fatalf("expected same user, got %s vs %s", authed.ID, u.ID)
	}
}

// TestUserRepositoryConcurrentRegistration exercises the repository's own
// lock directly: concurrent Create calls for distinct users must not race
// or lose writes.
func TestUserRepositoryConcurrentRegistration(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = repo.Create(ctx, &user.User{ID: fmt.Sprintf("user-%d", i), Username: fmt.Sprintf("user%d", i), Email: fmt.Sprintf("user%d@example.com", i)})
		}(i)
	}
	wg.Wait()

	repo.mu.RLock()
	count := len(repo.users)
	repo.mu.RUnlock()
	if count != n {
		t.Fatalf("expected %d users stored, got %d (lost writes under concurrency)", n, count)
	}
}
