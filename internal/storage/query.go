package storage

import (
	"context"
	"fmt"

	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/query"
)

// QueryEntities builds and runs req's SQL against h's entities table. The
// caller is expected to have already clamped req.Limit against the server's
// configured maximum; QueryEntities clamps again defensively.
func (s *PgStore) QueryEntities(ctx context.Context, h TenantHandle, req query.Request) (*QueryResult, error) {
	req.TenantID = h.TenantID
	b := query.NewBuilder(h.schema(), 500)
	built, err := b.Build(req)
	if err != nil {
		return nil, fmt.Errorf("build entity query: %w", err)
	}

	rows, err := s.db.Query(ctx, built.SQL, built.Args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out QueryResult
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out.Entities = append(out.Entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out.Entities) > 0 {
		sortKeys := req.Sort
		if len(sortKeys) == 0 || sortKeys[len(sortKeys)-1].Property != "id" {
			sortKeys = append(append([]query.SortKey(nil), sortKeys...), query.SortKey{Property: "id"})
		}
		last := out.Entities[len(out.Entities)-1]
		values := make([]string, len(sortKeys))
		for i, k := range sortKeys {
			values[i] = sortValue(last, k.Property)
		}
		out.NextCursor = query.EncodeCursor(values, last.ID)
	}

	if req.IncludeTotal && built.CountSQL != "" {
		var total int64
		if err := s.db.QueryRow(ctx, built.CountSQL, built.CountArgs...).Scan(&total); err != nil {
			return nil, fmt.Errorf("count entities: %w", err)
		}
		out.Total = &total
	}

	return &out, nil
}

// sortValue extracts the stringified value of property from e, for embedding
// in a continuation cursor. Reserved columns read struct fields directly;
// everything else reads the property's literal/measured value.
func sortValue(e model.Entity, property string) string {
	switch property {
	case "id":
		return e.ID
	case "version":
		return fmt.Sprintf("%d", e.Version)
	case "created_at":
		return e.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00")
	case "updated_at":
		return e.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00")
	case "type":
		return e.Type
	}
	p, ok := e.Properties[property]
	if !ok {
		return ""
	}
	return p.Value.String()
}
