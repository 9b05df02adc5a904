package storage

import (
	"context"
	"fmt"
)

// CreateTenantSchema provisions a tenant's SQL schema and its four fixed
// tables, adapted from the platform's per-node DDL generator: here entity
// types are runtime data, so every tenant gets the same shape rather than one
// table per type.
func (s *PgStore) CreateTenantSchema(ctx context.Context, h TenantHandle) error {
	schema := h.schema()

	if _, err := s.db.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	ddls := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.entities (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type_path TEXT NOT NULL,
    properties JSONB NOT NULL DEFAULT '{}',
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_by TEXT,
    deleted_at TIMESTAMPTZ
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_entities_tenant_type ON %s.entities (tenant_id, type_path)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_entities_tenant_deleted ON %s.entities (tenant_id, deleted_at)`, schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.relationships (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    from_entity UUID NOT NULL,
    to_entity UUID NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_by TEXT,
    deleted_at TIMESTAMPTZ,
    UNIQUE (tenant_id, type, from_entity, to_entity)
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_relationships_from ON %s.relationships (tenant_id, from_entity, type)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_relationships_to ON %s.relationships (tenant_id, to_entity, type)`, schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.relationship_schemas (
    name TEXT PRIMARY KEY,
    from_types TEXT[] NOT NULL DEFAULT '{}',
    to_types TEXT[] NOT NULL DEFAULT '{}',
    cardinality TEXT NOT NULL,
    bidirectional BOOLEAN NOT NULL DEFAULT false,
    inverse_type TEXT
)`, schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.events (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    entity_id UUID,
    actor_id TEXT,
    occurred_at TIMESTAMPTZ NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_tenant_occurred ON %s.events (tenant_id, occurred_at, id)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_entity ON %s.events (tenant_id, entity_id)`, schema),
	}

	for _, ddl := range ddls {
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("provision tenant schema: %w", err)
		}
	}
	return nil
}

// DropTenantSchema removes a tenant's schema and all its data. Used by test
// teardown and tenant offboarding, never by request-handling code paths.
func (s *PgStore) DropTenantSchema(ctx context.Context, h TenantHandle) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", h.schema()))
	return err
}
