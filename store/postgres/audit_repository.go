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

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/opentrusty/controlplane/audit"
)

// AuditRepository implements audit.Repository on top of a Postgres pool.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log persists an event.
func (r *AuditRepository) Log(ctx context.Context, event audit.Event) error {
	var actorID *string
	if event.ActorID != "" {
		actorID = &event.ActorID
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO audit_events (
			id, type, actor_id, resource, target_name, target_id, ip_address, user_agent, metadata, created_at
		) VALUES (
			gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`,
		event.Type,
		actorID,
		event.Resource,
		event.TargetName,
		event.TargetID,
		event.IPAddress,
		event.UserAgent,
		event.Metadata,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to log audit event: %w", err)
	}

	return nil
}

// List retrieves events matching filter.
func (r *AuditRepository) List(ctx context.Context, filter audit.Filter) ([]audit.Event, int, error) {
	whereClauses := []string{}
	args := []any{}
	argIdx := 1

	if filter.ActorID != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("e.actor_id = $%d", argIdx))
		args = append(args, *filter.ActorID)
		argIdx++
	}
	if filter.Type != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("e.type = $%d", argIdx))
		args = append(args, *filter.Type)
		argIdx++
	}
	if filter.StartDate != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("e.created_at >= $%d", argIdx))
		args = append(args, *filter.StartDate)
		argIdx++
	}
	if filter.EndDate != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("e.created_at <= $%d", argIdx))
		args = append(args, *filter.EndDate)
		argIdx++
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM audit_events e " + whereSQL
	var total int
	if err := r.db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	query := `
		SELECT e.id, e.type, COALESCE(e.actor_id, ''),
		       COALESCE(NULLIF(u.username, ''), e.actor_id, ''), e.resource,
		       COALESCE(e.target_name, ''), COALESCE(e.target_id, ''), COALESCE(e.ip_address, ''),
		       COALESCE(e.user_agent, ''), e.metadata, e.created_at
		FROM audit_events e
		LEFT JOIN users u ON e.actor_id = u.id::text
	` + whereSQL + fmt.Sprintf(" ORDER BY e.created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)

	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event

		if err := rows.Scan(
			&e.ID, &e.Type, &e.ActorID, &e.ActorName, &e.Resource,
			&e.TargetName, &e.TargetID, &e.IPAddress, &e.UserAgent, &e.Metadata, &e.Timestamp,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return events, total, nil
}
