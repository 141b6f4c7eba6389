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

// Package rbac implements the base role-based access control manager:
// permission and role CRUD with uniqueness/acyclicity invariants, role
// assignment, and effective-role/effective-permission evaluation. Enhanced
// RBAC (ownership, delegation, approval workflow, dynamic rules) wraps this
// manager from rbac/enhanced without bypassing its checks.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
	"github.com/opentrusty/controlplane/policy"
)

// Bus topics published by this package.
const (
	TopicPermissionCreated = "permission.created"
	TopicPermissionDeleted = "permission.deleted"
	TopicRoleCreated       = "role.created"
	TopicRoleUpdated       = "role.updated"
	TopicRoleDeleted       = "role.deleted"
	TopicRoleAssigned      = "rbac.role_assigned"
	TopicRoleRevoked       = "rbac.role_revoked"
)

// Domain errors specific to the base RBAC manager; see also the policy
// package's shape-level errors (ErrRoleNotFound, ErrPermissionNotFound, ...)
// which this package re-raises unchanged where no additional context
// applies.
var (
	ErrSystemImmutable    = errors.New("system object cannot be modified or deleted")
	ErrRoleCycle          = errors.New("role update would introduce a cycle in the parent hierarchy")
	ErrUnknownParentRole  = errors.New("role references an unknown parent role")
	ErrUnknownPermission  = errors.New("role references an unknown permission")
	ErrPermissionInUse    = errors.New("permission is referenced by one or more roles")
	ErrRoleInUseAsParent  = errors.New("role is referenced as a parent by one or more roles")
	ErrAuthorizationError = errors.New("permission denied")
)

// Manager owns the permission catalogue, the role catalogue, and user-role
// assignments. It is the sole authority over these three tables; other
// packages (rbac/enhanced, pluginsecurity) consult it only through its
// public read accessors.
//
// Purpose: Base RBAC: CRUD plus effective-role/effective-permission
// evaluation.
// Domain: Authz
type Manager struct {
	permissions policy.PermissionRepository
	roles       policy.RoleRepository
	assignments policy.AssignmentRepository

	audit audit.Logger
	bus   *bus.Bus
	clock clock.Clock
}

// NewManager creates a base RBAC manager over the given repositories.
func NewManager(
	permissions policy.PermissionRepository,
	roles policy.RoleRepository,
	assignments policy.AssignmentRepository,
	auditLogger audit.Logger,
	eventBus *bus.Bus,
	clk clock.Clock,
) *Manager {
	return &Manager{
		permissions: permissions,
		roles:       roles,
		assignments: assignments,
		audit:       auditLogger,
		bus:         eventBus,
		clock:       clk,
	}
}

// Bootstrap seeds the system permissions and roles if they are not already
// present, matching spec's "seeded at startup" system objects
// (system:admin, user/role CRUD permissions, Administrator/User
// Manager/User roles).
func (m *Manager) Bootstrap(ctx context.Context) error {
	now := m.clock.Now()
	for _, name := range policy.AllSystemPermissions {
		if _, err := m.permissions.GetByName(ctx, name); err == nil {
			continue
		}
		perm := &policy.Permission{
			ID:        id.NewUUIDv7(),
			Name:      name,
			System:    true,
			CreatedAt: now,
		}
		if err := m.permissions.Create(ctx, perm); err != nil {
			return fmt.Errorf("seed permission %q: %w", name, err)
		}
	}

	for _, r := range roleSeedOrDefault(now) {
		if _, err := m.roles.GetByName(ctx, r.Name); err == nil {
			continue
		}
		if err := m.roles.Create(ctx, r); err != nil {
			return fmt.Errorf("seed role %q: %w", r.Name, err)
		}
	}

	return nil
}

// CreatePermission creates a new, non-system permission.
func (m *Manager) CreatePermission(ctx context.Context, perm *policy.Permission) (*policy.Permission, error) {
	if _, err := m.permissions.GetByName(ctx, perm.Name); err == nil {
		return nil, policy.ErrPermissionAlreadyExists
	}
	perm.ID = id.NewUUIDv7()
	perm.System = false
	perm.CreatedAt = m.clock.Now()

	if err := m.permissions.Create(ctx, perm); err != nil {
		return nil, fmt.Errorf("create permission: %w", err)
	}
	m.bus.Emit(TopicPermissionCreated, "rbac", map[string]any{"permission_id": perm.ID, "name": perm.Name})
	return perm, nil
}

// DeletePermission removes a non-system permission, refusing when any role
// still references it by name.
func (m *Manager) DeletePermission(ctx context.Context, permissionID string) error {
	perm, err := m.permissions.GetByID(ctx, permissionID)
	if err != nil {
		return policy.ErrPermissionNotFound
	}
	if perm.System {
		return ErrSystemImmutable
	}

	allRoles, err := m.roles.List(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	for _, r := range allRoles {
		for _, p := range r.Permissions {
			if p == perm.Name {
				return ErrPermissionInUse
			}
		}
	}

	if err := m.permissions.Delete(ctx, permissionID); err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	m.bus.Emit(TopicPermissionDeleted, "rbac", map[string]any{"permission_id": permissionID})
	return nil
}

// CreateRole creates a new role, validating that every permission name and
// parent role id it references exists and that adding it introduces no
// cycle.
func (m *Manager) CreateRole(ctx context.Context, r *policy.Role) (*policy.Role, error) {
	if _, err := m.roles.GetByName(ctx, r.Name); err == nil {
		return nil, policy.ErrRoleAlreadyExists
	}

	if err := m.validatePermissionNames(ctx, r.Permissions); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	r.ID = id.NewUUIDv7()
	r.System = false
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := m.checkAcyclic(ctx, r); err != nil {
		return nil, err
	}

	if err := m.roles.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create role: %w", err)
	}
	m.bus.Emit(TopicRoleCreated, "rbac", map[string]any{"role_id": r.ID, "name": r.Name})
	return r, nil
}

// UpdateRole replaces a role's mutable fields, refusing to modify a system
// role and refusing an update that would introduce an unknown reference or
// a cycle.
func (m *Manager) UpdateRole(ctx context.Context, r *policy.Role) error {
	existing, err := m.roles.GetByID(ctx, r.ID)
	if err != nil {
		return policy.ErrRoleNotFound
	}
	if existing.System {
		return ErrSystemImmutable
	}

	if err := m.validatePermissionNames(ctx, r.Permissions); err != nil {
		return err
	}
	if err := m.checkAcyclic(ctx, r); err != nil {
		return err
	}

	r.System = existing.System
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = m.clock.Now()

	if err := m.roles.Update(ctx, r); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	m.bus.Emit(TopicRoleUpdated, "rbac", map[string]any{"role_id": r.ID})
	return nil
}

// DeleteRole removes a non-system role, refusing when another role lists
// it as a parent.
func (m *Manager) DeleteRole(ctx context.Context, roleID string) error {
	r, err := m.roles.GetByID(ctx, roleID)
	if err != nil {
		return policy.ErrRoleNotFound
	}
	if r.System {
		return ErrSystemImmutable
	}

	allRoles, err := m.roles.List(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	for _, other := range allRoles {
		for _, parentID := range other.ParentIDs {
			if parentID == roleID {
				return ErrRoleInUseAsParent
			}
		}
	}

	if err := m.roles.Delete(ctx, roleID); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	m.bus.Emit(TopicRoleDeleted, "rbac", map[string]any{"role_id": roleID})
	return nil
}

func (m *Manager) validatePermissionNames(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := m.permissions.GetByName(ctx, name); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, name)
		}
	}
	return nil
}

// checkAcyclic walks the parent graph starting from candidate (as if
// already stored with its new ParentIDs) and reports ErrRoleCycle if a
// cycle is reachable, or ErrUnknownParentRole if a referenced parent
// doesn't exist.
func (m *Manager) checkAcyclic(ctx context.Context, candidate *policy.Role) error {
	allRoles, err := m.roles.List(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	byID := make(map[string]*policy.Role, len(allRoles)+1)
	for _, r := range allRoles {
		byID[r.ID] = r
	}
	byID[candidate.ID] = candidate

	for _, parentID := range candidate.ParentIDs {
		if parentID == candidate.ID {
			return ErrRoleCycle
		}
		if _, ok := byID[parentID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParentRole, parentID)
		}
	}

	visited := make(map[string]bool)
	var visit func(roleID string) error
	visit = func(roleID string) error {
		if visited[roleID] {
			return ErrRoleCycle
		}
		visited[roleID] = true
		r, ok := byID[roleID]
		if !ok {
			return nil
		}
		for _, parentID := range r.ParentIDs {
			if err := visit(parentID); err != nil {
				return err
			}
		}
		delete(visited, roleID)
		return nil
	}

	return visit(candidate.ID)
}

// GetRole retrieves a role by ID.
func (m *Manager) GetRole(ctx context.Context, roleID string) (*policy.Role, error) {
	r, err := m.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, policy.ErrRoleNotFound
	}
	return r, nil
}

// GetRoleByName retrieves a role by its unique name.
func (m *Manager) GetRoleByName(ctx context.Context, name string) (*policy.Role, error) {
	r, err := m.roles.GetByName(ctx, name)
	if err != nil {
		return nil, policy.ErrRoleNotFound
	}
	return r, nil
}

// AssignRoleToUser creates and indexes a new active assignment.
func (m *Manager) AssignRoleToUser(ctx context.Context, userID, roleID string, assignedBy *string, expiresAt *time.Time) (*policy.Assignment, error) {
	if _, err := m.roles.GetByID(ctx, roleID); err != nil {
		return nil, policy.ErrRoleNotFound
	}

	a := &policy.Assignment{
		ID:         id.NewUUIDv7(),
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: m.clock.Now(),
		ExpiresAt:  expiresAt,
		Active:     true,
	}
	if err := m.assignments.Grant(ctx, a); err != nil {
		return nil, fmt.Errorf("grant assignment: %w", err)
	}

	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypeRoleAssigned,
		ActorID:   valueOrEmpty(assignedBy),
		Resource:  audit.ResourceRole,
		TargetID:  userID,
		Metadata:  map[string]any{audit.AttrRoleID: roleID},
		Timestamp: a.AssignedAt,
	})
	m.bus.Emit(TopicRoleAssigned, "rbac", map[string]any{"user_id": userID, "role_id": roleID})

	return a, nil
}

// RevokeRoleFromUser deactivates every active assignment of roleID to
// userID, preserving the assignment rows for audit.
func (m *Manager) RevokeRoleFromUser(ctx context.Context, userID, roleID string) error {
	if err := m.assignments.Revoke(ctx, userID, roleID); err != nil {
		return fmt.Errorf("revoke assignment: %w", err)
	}
	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypeRoleRevoked,
		Resource:  audit.ResourceRole,
		TargetID:  userID,
		Metadata:  map[string]any{audit.AttrRoleID: roleID},
		Timestamp: m.clock.Now(),
	})
	m.bus.Emit(TopicRoleRevoked, "rbac", map[string]any{"user_id": userID, "role_id": roleID})
	return nil
}

// isEffective reports whether an assignment is currently in force: active,
// unexpired, and -- for assignments that originated from the approval
// workflow -- approved. An assignment with no recorded approval status is
// treated as if it was granted outside that workflow (always effective
// once active).
func (m *Manager) isEffective(a *policy.Assignment, now time.Time) bool {
	if !a.Active || a.IsExpired(now) {
		return false
	}
	switch a.ApprovalStatus() {
	case "", "approved":
		return true
	default:
		return false
	}
}

// EffectiveRoles returns the set of roles currently in force for a user.
func (m *Manager) EffectiveRoles(ctx context.Context, userID string) ([]*policy.Role, error) {
	assignments, err := m.assignments.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	now := m.clock.Now()
	var roles []*policy.Role
	seen := make(map[string]bool)
	for _, a := range assignments {
		if !m.isEffective(a, now) || seen[a.RoleID] {
			continue
		}
		r, err := m.roles.GetByID(ctx, a.RoleID)
		if err != nil {
			continue
		}
		seen[a.RoleID] = true
		roles = append(roles, r)
	}
	return roles, nil
}

// EffectivePermissions returns the closure of a user's effective roles over
// ParentIDs, unioned with each role's own Permissions. Cycles are
// impossible by the CreateRole/UpdateRole invariant, but the walk still
// uses a visited set defensively.
func (m *Manager) EffectivePermissions(ctx context.Context, userID string) (map[string]bool, error) {
	roles, err := m.EffectiveRoles(ctx, userID)
	if err != nil {
		return nil, err
	}

	perms := make(map[string]bool)
	visited := make(map[string]bool)

	var walk func(roleID string) error
	walk = func(roleID string) error {
		if visited[roleID] {
			return nil
		}
		visited[roleID] = true
		r, err := m.roles.GetByID(ctx, roleID)
		if err != nil {
			return nil
		}
		for _, p := range r.Permissions {
			perms[p] = true
		}
		for _, parentID := range r.ParentIDs {
			if err := walk(parentID); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range roles {
		if err := walk(r.ID); err != nil {
			return nil, err
		}
	}

	return perms, nil
}

// HasPermission reports whether a user holds permission (looked up by
// name, never id) through its effective roles, including the
// system:admin wildcard.
func (m *Manager) HasPermission(ctx context.Context, userID, permissionName string) bool {
	perms, err := m.EffectivePermissions(ctx, userID)
	if err != nil {
		return false
	}
	if perms[policy.PermSystemAdmin] || perms["*"] {
		return true
	}
	return perms[permissionName]
}

// HasRole reports whether a user's effective roles include roleName.
func (m *Manager) HasRole(ctx context.Context, userID, roleName string) bool {
	roles, err := m.EffectiveRoles(ctx, userID)
	if err != nil {
		return false
	}
	for _, r := range roles {
		if r.Name == roleName {
			return true
		}
	}
	return false
}

// CheckPermission is HasPermission's throw-on-deny counterpart, reserved
// for call sites that want exception-style ergonomics instead of a plain
// boolean.
func (m *Manager) CheckPermission(ctx context.Context, userID, permissionName string) error {
	if !m.HasPermission(ctx, userID, permissionName) {
		return fmt.Errorf("%w: user %s lacks %s", ErrAuthorizationError, userID, permissionName)
	}
	return nil
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
