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

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/policy"
	"github.com/opentrusty/controlplane/rbac"
	"github.com/opentrusty/controlplane/role"
)

// TestPolicyRepositoriesDriveRBACManager constructs rbac.Manager directly
// on top of this package's Permission/Role/Assignment repositories, proving
// the manager is constructible from product-tree code alone and that its
// bootstrap seeding and role-assignment flow work against the real
// mutex-guarded tables rather than test-local mocks.
func TestPolicyRepositoriesDriveRBACManager(t *testing.T) {
	mgr := rbac.NewManager(
		NewPermissionRepository(),
		NewRoleRepository(),
		NewAssignmentRepository(),
		audit.NewSlogLogger(),
		bus.New(),
		clock.System{},
	)

	ctx := context.Background()
	if err := mgr.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// Bootstrap is idempotent: running it twice must not error or duplicate.
	if err := mgr.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	if _, err := mgr.AssignRoleToUser(ctx, "user-1", role.RoleIDUser, nil, nil); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	if !mgr.HasRole(ctx, "user-1", role.RoleUser) {
		t.Fatalf("expected user-1 to have the seeded User role")
	}

	if err := mgr.RevokeRoleFromUser(ctx, "user-1", role.RoleIDUser); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
	if mgr.HasRole(ctx, "user-1", role.RoleUser) {
		t.Fatalf("expected role revocation to take effect")
	}
}

func TestAssignmentRepositoryRejectsDuplicateGrant(t *testing.T) {
	repo := NewAssignmentRepository()
	ctx := context.Background()

	a := &policy.Assignment{ID: "a1", UserID: "u1", RoleID: "r1", AssignedAt: time.Now(), Active: true}
	if err := repo.Grant(ctx, a); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := repo.Grant(ctx, a); err != policy.ErrAssignmentAlreadyExists {
		t.Fatalf("expected ErrAssignmentAlreadyExists on duplicate grant, got %v", err)
	}
}
