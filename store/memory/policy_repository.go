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
	"sync"

	"github.com/opentrusty/controlplane/policy"
)

// PermissionRepository implements policy.PermissionRepository over an
// in-memory table guarded by its own mutex.
type PermissionRepository struct {
	mu    sync.RWMutex
	byID  map[string]*policy.Permission
	byName map[string]*policy.Permission
}

// NewPermissionRepository creates a new, empty permission repository.
func NewPermissionRepository() *PermissionRepository {
	return &PermissionRepository{
		byID:   make(map[string]*policy.Permission),
		byName: make(map[string]*policy.Permission),
	}
}

// Create creates a new permission.
func (r *PermissionRepository) Create(ctx context.Context, p *policy.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name]; exists {
		return policy.ErrPermissionAlreadyExists
	}
	cp := *p
	r.byID[p.ID] = &cp
	r.byName[p.Name] = &cp
	return nil
}

// GetByID retrieves a permission by ID.
func (r *PermissionRepository) GetByID(ctx context.Context, id string) (*policy.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, policy.ErrPermissionNotFound
	}
	return p, nil
}

// GetByName retrieves a permission by name.
func (r *PermissionRepository) GetByName(ctx context.Context, name string) (*policy.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, policy.ErrPermissionNotFound
	}
	return p, nil
}

// List retrieves all permissions.
func (r *PermissionRepository) List(ctx context.Context) ([]*policy.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*policy.Permission, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out, nil
}

// Delete deletes a permission by ID.
func (r *PermissionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return policy.ErrPermissionNotFound
	}
	delete(r.byID, id)
	delete(r.byName, p.Name)
	return nil
}

// RoleRepository implements policy.RoleRepository over an in-memory table
// guarded by its own mutex.
type RoleRepository struct {
	mu     sync.RWMutex
	byID   map[string]*policy.Role
	byName map[string]*policy.Role
}

// NewRoleRepository creates a new, empty role repository.
func NewRoleRepository() *RoleRepository {
	return &RoleRepository{
		byID:   make(map[string]*policy.Role),
		byName: make(map[string]*policy.Role),
	}
}

// Create creates a new role.
func (r *RoleRepository) Create(ctx context.Context, role *policy.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[role.Name]; exists {
		return policy.ErrRoleAlreadyExists
	}
	cp := *role
	r.byID[role.ID] = &cp
	r.byName[role.Name] = &cp
	return nil
}

// GetByID retrieves a role by ID.
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*policy.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.byID[id]
	if !ok {
		return nil, policy.ErrRoleNotFound
	}
	return role, nil
}

// GetByName retrieves a role by name.
func (r *RoleRepository) GetByName(ctx context.Context, name string) (*policy.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.byName[name]
	if !ok {
		return nil, policy.ErrRoleNotFound
	}
	return role, nil
}

// List retrieves all roles.
func (r *RoleRepository) List(ctx context.Context) ([]*policy.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*policy.Role, 0, len(r.byID))
	for _, role := range r.byID {
		out = append(out, role)
	}
	return out, nil
}

// Update updates a role.
func (r *RoleRepository) Update(ctx context.Context, role *policy.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[role.ID]
	if !ok {
		return policy.ErrRoleNotFound
	}
	cp := *role
	r.byID[role.ID] = &cp
	delete(r.byName, existing.Name)
	r.byName[role.Name] = &cp
	return nil
}

// Delete deletes a role by ID.
func (r *RoleRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.byID[id]
	if !ok {
		return policy.ErrRoleNotFound
	}
	delete(r.byID, id)
	delete(r.byName, role.Name)
	return nil
}

// AssignmentRepository implements policy.AssignmentRepository over an
// in-memory table guarded by its own mutex.
type AssignmentRepository struct {
	mu          sync.RWMutex
	assignments map[string]*policy.Assignment // keyed by userID+":"+roleID
}

// NewAssignmentRepository creates a new, empty assignment repository.
func NewAssignmentRepository() *AssignmentRepository {
	return &AssignmentRepository{assignments: make(map[string]*policy.Assignment)}
}

func assignmentKey(userID, roleID string) string { return userID + ":" + roleID }

// Grant assigns a role to a user.
func (r *AssignmentRepository) Grant(ctx context.Context, a *policy.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := assignmentKey(a.UserID, a.RoleID)
	if _, exists := r.assignments[key]; exists {
		return policy.ErrAssignmentAlreadyExists
	}
	cp := *a
	r.assignments[key] = &cp
	return nil
}

// Revoke removes a role assignment.
func (r *AssignmentRepository) Revoke(ctx context.Context, userID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := assignmentKey(userID, roleID)
	if _, exists := r.assignments[key]; !exists {
		return policy.ErrAssignmentNotFound
	}
	delete(r.assignments, key)
	return nil
}

// ListForUser retrieves all assignments for a user.
func (r *AssignmentRepository) ListForUser(ctx context.Context, userID string) ([]*policy.Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*policy.Assignment
	for _, a := range r.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListByRole retrieves all assignments for a role.
func (r *AssignmentRepository) ListByRole(ctx context.Context, roleID string) ([]*policy.Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*policy.Assignment
	for _, a := range r.assignments {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return out, nil
}

// CheckExists checks whether a specific user/role assignment exists.
func (r *AssignmentRepository) CheckExists(ctx context.Context, userID, roleID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.assignments[assignmentKey(userID, roleID)]
	return exists, nil
}
