package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so the entity-row
// logic below can run either standalone against the pool or inside a
// caller-supplied transaction shared with an event append — the latter is
// what *WithEvents uses to keep the mutation and its audit trail atomic.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// CreateEntity inserts a new entity at version 1. The caller is responsible
// for having already assigned e.ID (a uuid) and e.TenantID.
func (s *PgStore) CreateEntity(ctx context.Context, h TenantHandle, e *model.Entity) error {
	return createEntity(ctx, s.db, h, e)
}

func createEntity(ctx context.Context, x execer, h TenantHandle, e *model.Entity) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Version = 1

	propsJSON, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	sql := fmt.Sprintf(`
INSERT INTO %s.entities (id, tenant_id, type_path, properties, version, created_at, updated_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, h.schema())

	_, err = x.Exec(ctx, sql, e.ID, h.TenantID, e.Type, propsJSON, e.Version, e.CreatedAt, e.UpdatedAt, nullableString(""))
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// GetEntity fetches a live (non-deleted) entity by id, scoped to h's tenant.
// Cross-tenant lookups and soft-deleted rows both return NotFound, never an error.
func (s *PgStore) GetEntity(ctx context.Context, h TenantHandle, id string) (*model.Entity, error) {
	sql := fmt.Sprintf(`
SELECT id, tenant_id, type_path, properties, version, created_at, updated_at, deleted_at
FROM %s.entities WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, h.schema())

	row := s.db.QueryRow(ctx, sql, id, h.TenantID)
	e, err := scanEntity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, kernelerr.New(kernelerr.NotFound, "entity not found")
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// GetEntities batch-loads entities by id in one round trip.
func (s *PgStore) GetEntities(ctx context.Context, h TenantHandle, ids []string) (map[string]*model.Entity, error) {
	out := make(map[string]*model.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sql := fmt.Sprintf(`
SELECT id, tenant_id, type_path, properties, version, created_at, updated_at, deleted_at
FROM %s.entities WHERE tenant_id = $1 AND deleted_at IS NULL AND id = ANY($2)`, h.schema())

	rows, err := s.db.Query(ctx, sql, h.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// UpdateEntity performs an optimistic-locked update: the WHERE clause checks
// expectedVersion, and zero rows affected means a concurrent writer won,
// surfaced as VersionConflict carrying both versions.
func (s *PgStore) UpdateEntity(ctx context.Context, h TenantHandle, e *model.Entity, expectedVersion int64) error {
	return updateEntity(ctx, s.db, h, e, expectedVersion)
}

func updateEntity(ctx context.Context, x execer, h TenantHandle, e *model.Entity, expectedVersion int64) error {
	propsJSON, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	e.UpdatedAt = time.Now().UTC()
	newVersion := expectedVersion + 1

	sql := fmt.Sprintf(`
UPDATE %s.entities SET properties = $1, version = $2, updated_at = $3
WHERE id = $4 AND tenant_id = $5 AND version = $6 AND deleted_at IS NULL`, h.schema())

	tag, err := x.Exec(ctx, sql, propsJSON, newVersion, e.UpdatedAt, e.ID, h.TenantID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		actual, ferr := currentVersion(ctx, x, h, e.ID)
		if ferr != nil {
			return kernelerr.New(kernelerr.NotFound, "entity not found")
		}
		return kernelerr.New(kernelerr.VersionConflict, "version conflict updating entity").
			WithDetails(map[string]interface{}{"expected_version": expectedVersion, "actual_version": actual})
	}
	e.Version = newVersion
	return nil
}

func currentVersion(ctx context.Context, x execer, h TenantHandle, id string) (int64, error) {
	sql := fmt.Sprintf(`SELECT version FROM %s.entities WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, h.schema())
	var v int64
	err := x.QueryRow(ctx, sql, id, h.TenantID).Scan(&v)
	return v, err
}

// DeleteEntity soft-deletes by default (sets deleted_at, preserving the row and
// its event trail); hardDelete removes the row outright. Relationships
// touching the entity are always removed, live or hard.
func (s *PgStore) DeleteEntity(ctx context.Context, h TenantHandle, id string, hardDelete bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := deleteEntityRows(ctx, tx, h, id, hardDelete); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func deleteEntityRows(ctx context.Context, x execer, h TenantHandle, id string, hardDelete bool) error {
	relSQL := fmt.Sprintf(`DELETE FROM %s.relationships WHERE tenant_id = $1 AND (from_entity = $2 OR to_entity = $2)`, h.schema())
	if _, err := x.Exec(ctx, relSQL, h.TenantID, id); err != nil {
		return fmt.Errorf("cascade delete relationships: %w", err)
	}

	if hardDelete {
		sql := fmt.Sprintf(`DELETE FROM %s.entities WHERE id = $1 AND tenant_id = $2`, h.schema())
		tag, err := x.Exec(ctx, sql, id, h.TenantID)
		if err != nil {
			return fmt.Errorf("hard delete entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return kernelerr.New(kernelerr.NotFound, "entity not found")
		}
	} else {
		sql := fmt.Sprintf(`UPDATE %s.entities SET deleted_at = now() WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, h.schema())
		tag, err := x.Exec(ctx, sql, id, h.TenantID)
		if err != nil {
			return fmt.Errorf("soft delete entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return kernelerr.New(kernelerr.NotFound, "entity not found")
		}
	}
	return nil
}

// CreateEntityWithEvents inserts e and appends events in one transaction: a
// crash or error between the row write and the audit trail either commits
// both or neither, matching the write-path invariant the kernel relies on.
func (s *PgStore) CreateEntityWithEvents(ctx context.Context, h TenantHandle, e *model.Entity, events []model.Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create entity: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := createEntity(ctx, tx, h, e); err != nil {
		return err
	}
	if err := appendEvents(ctx, tx, h, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateEntityWithEvents applies the optimistic-locked update and appends
// events in one transaction.
func (s *PgStore) UpdateEntityWithEvents(ctx context.Context, h TenantHandle, e *model.Entity, expectedVersion int64, events []model.Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update entity: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateEntity(ctx, tx, h, e, expectedVersion); err != nil {
		return err
	}
	if err := appendEvents(ctx, tx, h, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteEntityWithEvents performs the soft/hard delete (and its relationship
// cascade) and appends events in one transaction.
func (s *PgStore) DeleteEntityWithEvents(ctx context.Context, h TenantHandle, id string, hardDelete bool, events []model.Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete entity: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := deleteEntityRows(ctx, tx, h, id, hardDelete); err != nil {
		return err
	}
	if err := appendEvents(ctx, tx, h, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanEntity(row interface {
	Scan(dest ...interface{}) error
}) (*model.Entity, error) {
	var e model.Entity
	var propsJSON []byte
	var deletedAt *time.Time
	if err := row.Scan(&e.ID, &e.TenantID, &e.Type, &propsJSON, &e.Version, &e.CreatedAt, &e.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	e.DeletedAt = deletedAt
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal properties: %w", err)
		}
	}
	if e.Properties == nil {
		e.Properties = make(map[string]model.Property)
	}
	return &e, nil
}
