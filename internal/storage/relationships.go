package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/value"
)

// CreateRelationship inserts a directed edge after the caller (the
// relationship service) has already checked cardinality and endpoint
// existence against the registered RelationshipSchema.
func (s *PgStore) CreateRelationship(ctx context.Context, h TenantHandle, r *model.Relationship) error {
	r.CreatedAt = time.Now().UTC()
	metaJSON, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("marshal relationship metadata: %w", err)
	}

	sql := fmt.Sprintf(`
INSERT INTO %s.relationships (id, tenant_id, type, from_entity, to_entity, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, h.schema())

	_, err = s.db.Exec(ctx, sql, r.ID, h.TenantID, r.Name, r.SourceID, r.TargetID, metaJSON, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create relationship: %w", err)
	}
	return nil
}

func (s *PgStore) GetRelationship(ctx context.Context, h TenantHandle, id string) (*model.Relationship, error) {
	sql := fmt.Sprintf(`
SELECT id, tenant_id, type, from_entity, to_entity, metadata, created_at
FROM %s.relationships WHERE id = $1 AND tenant_id = $2`, h.schema())

	row := s.db.QueryRow(ctx, sql, id, h.TenantID)
	r, err := scanRelationship(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, kernelerr.New(kernelerr.NotFound, "relationship not found")
		}
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return r, nil
}

func (s *PgStore) DeleteRelationship(ctx context.Context, h TenantHandle, id string) error {
	sql := fmt.Sprintf(`DELETE FROM %s.relationships WHERE id = $1 AND tenant_id = $2`, h.schema())
	tag, err := s.db.Exec(ctx, sql, id, h.TenantID)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return kernelerr.New(kernelerr.NotFound, "relationship not found")
	}
	return nil
}

// ListRelationships returns relationships touching entityID, optionally
// filtered by type and by direction ("outgoing", "incoming", "both"; empty
// defaults to "both").
func (s *PgStore) ListRelationships(ctx context.Context, h TenantHandle, entityID, relType, direction string) ([]model.Relationship, error) {
	var where string
	args := []interface{}{h.TenantID, entityID}
	switch direction {
	case "outgoing":
		where = "tenant_id = $1 AND from_entity = $2"
	case "incoming":
		where = "tenant_id = $1 AND to_entity = $2"
	default:
		where = "tenant_id = $1 AND (from_entity = $2 OR to_entity = $2)"
	}
	if relType != "" {
		args = append(args, relType)
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}

	sql := fmt.Sprintf(`
SELECT id, tenant_id, type, from_entity, to_entity, metadata, created_at
FROM %s.relationships WHERE %s ORDER BY created_at ASC`, h.schema(), where)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RelationshipTargets returns every outgoing relationship from entityID,
// grouped by name, preserving creation order — the adjacency the evaluator's
// PropertyReference walker and the computation service's batch loader need.
func (s *PgStore) RelationshipTargets(ctx context.Context, h TenantHandle, entityID string) (map[string][]string, error) {
	sql := fmt.Sprintf(`
SELECT type, to_entity FROM %s.relationships
WHERE tenant_id = $1 AND from_entity = $2 ORDER BY created_at ASC`, h.schema())

	rows, err := s.db.Query(ctx, sql, h.TenantID, entityID)
	if err != nil {
		return nil, fmt.Errorf("relationship targets: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var relType, to string
		if err := rows.Scan(&relType, &to); err != nil {
			return nil, fmt.Errorf("scan relationship target: %w", err)
		}
		out[relType] = append(out[relType], to)
	}
	return out, rows.Err()
}

func scanRelationship(row interface {
	Scan(dest ...interface{}) error
}) (*model.Relationship, error) {
	var r model.Relationship
	var metaJSON []byte
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.SourceID, &r.TargetID, &metaJSON, &r.CreatedAt); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal relationship metadata: %w", err)
		}
	}
	if r.Properties == nil {
		r.Properties = make(map[string]value.Value)
	}
	return &r, nil
}
