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

package role

import (
	"time"

	"github.com/opentrusty/controlplane/policy"
)

// -----------------------------------------------------------------------------
// Role Name Constants
// These are the canonical names for the system roles seeded at bootstrap.
// -----------------------------------------------------------------------------

const (
	// RoleAdministrator has the system:admin wildcard permission.
	RoleAdministrator = "Administrator"

	// RoleUserManager can create, read, update, and delete user accounts
	// and assign/revoke roles, but cannot manage role definitions.
	RoleUserManager = "User Manager"

	// RoleUser is the default role for a newly registered account.
	RoleUser = "User"
)

// RoleID constants for the bootstrap-seeded system roles.
const (
	RoleIDAdministrator = "00000000-0000-0000-0000-000000000001"
	RoleIDUserManager   = "00000000-0000-0000-0000-000000000002"
	RoleIDUser          = "00000000-0000-0000-0000-000000000003"
)

// -----------------------------------------------------------------------------
// Actor Type Constants
// These identify the type of actor making a request.
// -----------------------------------------------------------------------------

type ActorType string

const (
	// ActorUser represents a human user.
	ActorUser ActorType = "user"

	// ActorClient represents an OAuth2 client acting on behalf of a user.
	ActorClient ActorType = "client"

	// ActorSystem represents internal system operations (e.g., bootstrap, scheduled jobs).
	ActorSystem ActorType = "system"
)

// -----------------------------------------------------------------------------
// Role Permission Mappings
// These define the default permissions for each seeded system role.
// -----------------------------------------------------------------------------

// AdministratorPermissions defines permissions for the Administrator role.
var AdministratorPermissions = []string{
	policy.PermSystemAdmin, // Wildcard: all permissions
}

// UserManagerPermissions defines permissions for the User Manager role.
var UserManagerPermissions = []string{
	policy.PermUserCreate,
	policy.PermUserRead,
	policy.PermUserUpdate,
	policy.PermUserDelete,
	policy.PermRoleRead,
	policy.PermRoleAssign,
}

// UserPermissions defines permissions for the default User role.
var UserPermissions = []string{
	policy.PermUserRead,
}

// Role and Assignment are aliases of the policy package's types: role
// management owns the lifecycle operations, policy owns the shapes so both
// rbac and rbac/enhanced can depend on a single definition.
type Role = policy.Role
type Assignment = policy.Assignment

// RoleRepository defines the interface for role persistence.
//
// Purpose: Abstraction for managing role definition storage.
// Domain: Authz
type RoleRepository = policy.RoleRepository

// AssignmentRepository defines the interface for RBAC assignments.
//
// Purpose: Abstraction for managing user role associations.
// Domain: Authz
type AssignmentRepository = policy.AssignmentRepository

// Seed returns the bootstrap system roles: fixed IDs, fixed names, fixed
// permission sets, marked System so they cannot be deleted by the RBAC
// manager.
func Seed(now time.Time) []*Role {
	return []*Role{
		{
			ID:          RoleIDAdministrator,
			Name:        RoleAdministrator,
			Description: "Full system access",
			Permissions: AdministratorPermissions,
			System:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          RoleIDUserManager,
			Name:        RoleUserManager,
			Description: "Manage user accounts and role assignments",
			Permissions: UserManagerPermissions,
			System:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          RoleIDUser,
			Name:        RoleUser,
			Description: "Default role for registered users",
			Permissions: UserPermissions,
			System:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
}
