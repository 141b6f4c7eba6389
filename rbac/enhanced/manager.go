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

// Package enhanced implements the enhanced RBAC layer (C5): resource
// ownership, time-bounded permission delegation, a two-person approval
// workflow for role assignments, dynamic per-resource rules, and the
// evaluate_permission decision procedure that combines them with base
// RBAC. It wraps rbac.Manager and never bypasses its uniqueness/cycle
// checks: every base-RBAC mutation still goes through the base manager's
// own methods.
package enhanced

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
	"github.com/opentrusty/controlplane/policy"
	"github.com/opentrusty/controlplane/rbac"
)

// Bus topics published by this package.
const (
	TopicOwnershipTransferred = "rbac.ownership_transferred"
	TopicDelegationGranted    = "rbac.delegation_granted"
	TopicDelegationRevoked    = "rbac.delegation_revoked"
	TopicAssignmentRequested  = "rbac.assignment_requested"
	TopicAssignmentApproved   = "rbac.assignment_approved"
	TopicAssignmentRejected   = "rbac.assignment_rejected"
	TopicDynamicRuleAdded     = "rbac.dynamic_rule_added"
)

// Domain errors.
var (
	ErrNotOwner            = errors.New("caller does not own this resource")
	ErrDelegatorLacksPerm  = errors.New("delegator does not hold the permission being delegated")
	ErrDelegationNotFound  = errors.New("delegation not found")
	ErrApprovalNotFound    = errors.New("approval not found")
	ErrAssignmentNotFound  = errors.New("assignment not found")
	ErrAlreadyDecided      = errors.New("approval has already been decided")
)

// ResourceKey identifies one concrete resource instance.
type ResourceKey struct {
	ResourceType string
	ResourceID   string
}

// PermissionDelegation is a time- and scope-bounded grant of one or more
// of the delegator's permissions to another principal.
type PermissionDelegation struct {
	ID           string
	Delegator    string
	Delegatee    string
	Permissions  []string
	ResourceType string
	ResourceID   string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Active       bool
}

func (d *PermissionDelegation) isExpired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// matchesScope reports whether the delegation applies to the given
// resource scope: an unscoped delegation (empty ResourceType) matches
// everything; a type-scoped delegation matches any resource of that type;
// a fully-scoped delegation matches only that one resource.
func (d *PermissionDelegation) matchesScope(resourceType, resourceID string) bool {
	if d.ResourceType == "" {
		return true
	}
	if d.ResourceType != resourceType {
		return false
	}
	if d.ResourceID == "" {
		return true
	}
	return d.ResourceID == resourceID
}

// RoleAssignmentApproval is one approver's decision on a pending role
// assignment created through the approval workflow.
type RoleAssignmentApproval struct {
	ID           string
	AssignmentID string
	Approver     string
	Status       string // pending | approved | rejected
	Comments     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// dynamicRuleEntry pairs a Rule with its registration metadata.
type dynamicRuleEntry struct {
	ID           string
	PermissionID string // permission name, see rbac.Manager.HasPermission
	ResourceType string
	Rule         Rule
	Priority     int
	Active       bool
}

// Manager implements C5 on top of a base rbac.Manager.
//
// Purpose: Ownership short-circuit, delegation, approval workflow,
// dynamic rules, and the combined evaluate_permission decision.
// Domain: Authz
type Manager struct {
	base *rbac.Manager

	audit audit.Logger
	bus   *bus.Bus
	clock clock.Clock

	mu          sync.RWMutex
	ownership   map[ResourceKey]string // resource -> owner user id
	delegations map[string]*PermissionDelegation
	approvals   map[string][]*RoleAssignmentApproval // assignment id -> approvals
	rules       []*dynamicRuleEntry
}

// NewManager creates an enhanced RBAC manager wrapping base.
func NewManager(base *rbac.Manager, auditLogger audit.Logger, eventBus *bus.Bus, clk clock.Clock) *Manager {
	return &Manager{
		base:        base,
		audit:       auditLogger,
		bus:         eventBus,
		clock:       clk,
		ownership:   make(map[ResourceKey]string),
		delegations: make(map[string]*PermissionDelegation),
		approvals:   make(map[string][]*RoleAssignmentApproval),
	}
}

// Base exposes the wrapped base RBAC manager for callers that need a pure
// base-RBAC check without delegation/ownership/dynamic-rule layering.
func (m *Manager) Base() *rbac.Manager { return m.base }

// --- Resource ownership -----------------------------------------------

// SetOwnership records the initial owner of a resource. Unique per
// (resourceType, resourceID); a second call is a transfer and requires
// TransferOwnership instead.
func (m *Manager) SetOwnership(resourceType, resourceID, ownerUserID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownership[ResourceKey{resourceType, resourceID}] = ownerUserID
}

// OwnerOf returns the owner of a resource, if any.
func (m *Manager) OwnerOf(resourceType, resourceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.ownership[ResourceKey{resourceType, resourceID}]
	return owner, ok
}

// TransferOwnership reassigns a resource's owner. When the resource already
// has an owner, callerID must be that owner or hold system:admin through
// the base manager; otherwise ErrNotOwner is returned.
func (m *Manager) TransferOwnership(ctx context.Context, resourceType, resourceID, callerID, newOwnerID string) error {
	m.mu.Lock()
	current, exists := m.ownership[ResourceKey{resourceType, resourceID}]
	if exists && current != callerID && !m.base.HasPermission(ctx, callerID, policy.PermSystemAdmin) {
		m.mu.Unlock()
		return ErrNotOwner
	}
	m.ownership[ResourceKey{resourceType, resourceID}] = newOwnerID
	m.mu.Unlock()

	m.bus.Emit(TopicOwnershipTransferred, "rbac.enhanced", map[string]any{
		"resource_type": resourceType, "resource_id": resourceID, "new_owner": newOwnerID,
	})
	return nil
}

// --- Delegation ----------------------------------------------------------

// DelegatePermission grants delegatee a time- and scope-bounded use of one
// or more permissions the delegator currently holds. The delegator must
// hold every delegated permission at creation time -- checked against the
// base manager, never the delegation table itself.
func (m *Manager) DelegatePermission(ctx context.Context, delegator, delegatee string, permissions []string, resourceType, resourceID string, expiresIn time.Duration) (*PermissionDelegation, error) {
	for _, p := range permissions {
		if !m.base.HasPermission(ctx, delegator, p) {
			return nil, fmt.Errorf("%w: %s", ErrDelegatorLacksPerm, p)
		}
	}

	now := m.clock.Now()
	d := &PermissionDelegation{
		ID:           id.NewUUIDv7(),
		Delegator:    delegator,
		Delegatee:    delegatee,
		Permissions:  permissions,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CreatedAt:    now,
		Active:       true,
	}
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		d.ExpiresAt = &exp
	}

	m.mu.Lock()
	m.delegations[d.ID] = d
	m.mu.Unlock()

	m.audit.Log(ctx, audit.Event{
		Type:      audit.TypeRoleAssigned,
		ActorID:   delegator,
		Resource:  "delegation",
		TargetID:  delegatee,
		Metadata:  map[string]any{"permissions": permissions},
		Timestamp: now,
	})
	m.bus.Emit(TopicDelegationGranted, "rbac.enhanced", map[string]any{
		"delegation_id": d.ID, "delegator": delegator, "delegatee": delegatee,
	})

	return d, nil
}

// RevokeDelegation deactivates a delegation in place. Idempotent: revoking
// an already-inactive or unknown delegation is a no-op, not an error.
func (m *Manager) RevokeDelegation(delegationID string) error {
	m.mu.Lock()
	d, ok := m.delegations[delegationID]
	if ok {
		d.Active = false
	}
	m.mu.Unlock()

	m.bus.Emit(TopicDelegationRevoked, "rbac.enhanced", map[string]any{"delegation_id": delegationID})
	return nil
}

// GetDelegatedPermissions returns the union of permission names the user
// holds through active, unexpired delegations scoped to (resourceType,
// resourceID). Pass "" for resourceType/resourceID to consider only
// unscoped delegations.
func (m *Manager) GetDelegatedPermissions(userID, resourceType, resourceID string) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	out := make(map[string]bool)
	for _, d := range m.delegations {
		if d.Delegatee != userID || !d.Active || d.isExpired(now) {
			continue
		}
		if !d.matchesScope(resourceType, resourceID) {
			continue
		}
		for _, p := range d.Permissions {
			out[p] = true
		}
	}
	return out
}

// --- Approval workflow ----------------------------------------------------

// RequestRoleAssignment creates a new, pending role assignment through the
// base manager (metadata.status = "pending") and one approval record per
// approver. A pending assignment is inert: rbac.Manager.EffectiveRoles
// gates on metadata.status, so the role does not take effect until every
// approval is granted.
func (m *Manager) RequestRoleAssignment(ctx context.Context, userID, roleID string, requestedBy *string, approvers []string) (*policy.Assignment, []*RoleAssignmentApproval, error) {
	a, err := m.base.AssignRoleToUser(ctx, userID, roleID, requestedBy, nil)
	if err != nil {
		return nil, nil, err
	}
	a.Metadata = map[string]any{"status": "pending"}

	now := m.clock.Now()
	var approvals []*RoleAssignmentApproval
	for _, approver := range approvers {
		approvals = append(approvals, &RoleAssignmentApproval{
			ID:           id.NewUUIDv7(),
			AssignmentID: a.ID,
			Approver:     approver,
			Status:       "pending",
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	m.mu.Lock()
	m.approvals[a.ID] = approvals
	m.mu.Unlock()

	m.bus.Emit(TopicAssignmentRequested, "rbac.enhanced", map[string]any{"assignment_id": a.ID, "user_id": userID, "role_id": roleID})

	return a, approvals, nil
}

// ApproveRoleAssignment records one approver's approval. When every
// approval for the assignment is now "approved", the assignment's status
// flips to "approved" and the role takes effect.
func (m *Manager) ApproveRoleAssignment(assignment *policy.Assignment, approverID, comments string) error {
	return m.decideRoleAssignment(assignment, approverID, "approved", comments)
}

// RejectRoleAssignment records a rejection. Any single rejection flips the
// assignment's overall status to "rejected".
func (m *Manager) RejectRoleAssignment(assignment *policy.Assignment, approverID, comments string) error {
	return m.decideRoleAssignment(assignment, approverID, "rejected", comments)
}

func (m *Manager) decideRoleAssignment(assignment *policy.Assignment, approverID, decision, comments string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	approvals, ok := m.approvals[assignment.ID]
	if !ok {
		return ErrApprovalNotFound
	}

	now := m.clock.Now()
	found := false
	for _, ap := range approvals {
		if ap.Approver != approverID {
			continue
		}
		if ap.Status != "pending" {
			return ErrAlreadyDecided
		}
		ap.Status = decision
		ap.Comments = comments
		ap.UpdatedAt = now
		found = true
		break
	}
	if !found {
		return ErrApprovalNotFound
	}

	if decision == "rejected" {
		assignment.Metadata = map[string]any{"status": "rejected"}
		m.bus.Emit(TopicAssignmentRejected, "rbac.enhanced", map[string]any{"assignment_id": assignment.ID, "approver": approverID})
		return nil
	}

	allApproved := true
	for _, ap := range approvals {
		if ap.Status != "approved" {
			allApproved = false
			break
		}
	}
	if allApproved {
		assignment.Metadata = map[string]any{"status": "approved"}
		m.bus.Emit(TopicAssignmentApproved, "rbac.enhanced", map[string]any{"assignment_id": assignment.ID})
	}

	return nil
}

// --- Dynamic rules ---------------------------------------------------------

// RegisterDynamicRule indexes rule under both its permission name and its
// resource type, for the "by permission AND by resource_type" gathering
// step in EvaluatePermission.
func (m *Manager) RegisterDynamicRule(permissionName, resourceType string, rule Rule, priority int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ruleID := id.NewUUIDv7()
	m.rules = append(m.rules, &dynamicRuleEntry{
		ID:           ruleID,
		PermissionID: permissionName,
		ResourceType: resourceType,
		Rule:         rule,
		Priority:     priority,
		Active:       true,
	})

	m.bus.Emit(TopicDynamicRuleAdded, "rbac.enhanced", map[string]any{"rule_id": ruleID, "permission": permissionName, "resource_type": resourceType})
	return ruleID
}

// applicableRules gathers the active rules matching permissionName OR
// resourceType, deduplicated by rule ID, sorted by descending priority.
func (m *Manager) applicableRules(permissionName, resourceType string) []*dynamicRuleEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*dynamicRuleEntry
	for _, r := range m.rules {
		if !r.Active {
			continue
		}
		if r.PermissionID != permissionName && r.ResourceType != resourceType {
			continue
		}
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// --- evaluate_permission ---------------------------------------------------

// EvaluatePermission is the full C5 decision procedure:
//
//  1. Resource ownership short-circuits to allow.
//  2. Base-RBAC-or-delegated grant is required, else deny.
//  3. Applicable dynamic rules (by permission name and by resource type)
//     act as an additional veto/re-authorize layer: with none registered,
//     the base/delegated grant stands; with at least one registered, at
//     least one must evaluate true.
func (m *Manager) EvaluatePermission(ctx context.Context, userID, permissionName, resourceType, resourceID string, extra Context) (bool, error) {
	if resourceID != "" {
		if owner, ok := m.OwnerOf(resourceType, resourceID); ok && owner == userID {
			return true, nil
		}
	}

	hasBase := m.base.HasPermission(ctx, userID, permissionName)
	delegated := m.GetDelegatedPermissions(userID, resourceType, resourceID)
	hasDelegated := delegated[permissionName]

	if !hasBase && !hasDelegated {
		return false, nil
	}

	rules := m.applicableRules(permissionName, resourceType)
	if len(rules) == 0 {
		return true, nil
	}

	ruleCtx := Context{
		"user_id":       userID,
		"permission_id": permissionName,
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"now":           m.clock.Now(),
	}
	for k, v := range extra {
		ruleCtx[k] = v
	}

	for _, r := range rules {
		if r.Rule.Evaluate(ruleCtx) {
			return true, nil
		}
	}
	return false, nil
}
