package storage

import (
	"context"
	"fmt"

	"github.com/jnarwell/trellis/internal/model"
)

// RegisterTypeSchema records a runtime entity type's expected properties. Kept
// in-memory per process (mirrored to no table of its own — type schemas are
// product configuration, not tenant data) since the product loader registers
// them once at startup.
func (s *PgStore) RegisterTypeSchema(ctx context.Context, h TenantHandle, sc model.TypeSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typeSchemas[h.TenantID] == nil {
		s.typeSchemas[h.TenantID] = make(map[string]model.TypeSchema)
	}
	s.typeSchemas[h.TenantID][sc.Name] = sc
	return nil
}

// RegisterRelationshipSchema records a relationship's cardinality/endpoint
// constraints, persisting a row so restarts don't lose prior registrations.
func (s *PgStore) RegisterRelationshipSchema(ctx context.Context, h TenantHandle, sc model.RelationshipSchema) error {
	s.mu.Lock()
	if s.relSchemas[h.TenantID] == nil {
		s.relSchemas[h.TenantID] = make(map[string]model.RelationshipSchema)
	}
	s.relSchemas[h.TenantID][sc.Name] = sc
	s.mu.Unlock()

	cardinality := sc.CardinalityID
	if cardinality == "" {
		if sc.Cardinality == model.CardinalityOne {
			cardinality = "many_to_one"
		} else {
			cardinality = "many_to_many"
		}
	}

	sql := fmt.Sprintf(`
INSERT INTO %s.relationship_schemas (name, from_types, to_types, cardinality, bidirectional, inverse_type)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name) DO UPDATE SET
    from_types = EXCLUDED.from_types,
    to_types = EXCLUDED.to_types,
    cardinality = EXCLUDED.cardinality,
    bidirectional = EXCLUDED.bidirectional,
    inverse_type = EXCLUDED.inverse_type`, h.schema())
	_, err := s.db.Exec(ctx, sql, sc.Name, sc.FromTypes, sc.ToTypes, cardinality, sc.Bidirectional, nullableString(sc.InverseType))
	if err != nil {
		return fmt.Errorf("register relationship schema: %w", err)
	}
	return nil
}

// GetRelationshipSchema returns the in-memory registration for name, falling
// back to the persisted row if the process cache was never warmed (e.g. after
// a restart before the product loader re-registers everything).
func (s *PgStore) GetRelationshipSchema(ctx context.Context, h TenantHandle, name string) (*model.RelationshipSchema, bool, error) {
	s.mu.RLock()
	if m, ok := s.relSchemas[h.TenantID]; ok {
		if sc, ok := m[name]; ok {
			s.mu.RUnlock()
			return &sc, true, nil
		}
	}
	s.mu.RUnlock()

	row := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT name, from_types, to_types, cardinality, bidirectional, COALESCE(inverse_type, '') FROM %s.relationship_schemas WHERE name = $1`,
		h.schema()), name)

	var sc model.RelationshipSchema
	var cardinality string
	if err := row.Scan(&sc.Name, &sc.FromTypes, &sc.ToTypes, &cardinality, &sc.Bidirectional, &sc.InverseType); err != nil {
		return nil, false, nil
	}
	sc.TenantID = h.TenantID
	sc.CardinalityID = cardinality
	if cardinality == "many_to_one" || cardinality == "one_to_one" {
		sc.Cardinality = model.CardinalityOne
	} else {
		sc.Cardinality = model.CardinalityMany
	}

	s.mu.Lock()
	if s.relSchemas[h.TenantID] == nil {
		s.relSchemas[h.TenantID] = make(map[string]model.RelationshipSchema)
	}
	s.relSchemas[h.TenantID][name] = sc
	s.mu.Unlock()

	return &sc, true, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
