package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jnarwell/trellis/internal/model"
)

// AppendEvent persists a single event. Events are append-only: there is no
// Update or Delete method in this file by design.
func (s *PgStore) AppendEvent(ctx context.Context, h TenantHandle, e *model.Event) error {
	return s.AppendEvents(ctx, h, []model.Event{*e})
}

// AppendEvents persists a batch transactionally — either every event in the
// batch lands or none does, matching the "write + events commit together"
// invariant the entity service relies on.
func (s *PgStore) AppendEvents(ctx context.Context, h TenantHandle, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := appendEvents(ctx, tx, h, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// appendEvents inserts events against x, an already-open transaction or the
// pool directly; CreateEntityWithEvents and friends pass the same tx they
// used for the entity-row write so both land or neither does.
func appendEvents(ctx context.Context, x execer, h TenantHandle, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`
INSERT INTO %s.events (id, tenant_id, event_type, entity_id, actor_id, occurred_at, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, h.schema())

	for i := range events {
		e := &events[i]
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		payloadJSON, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = x.Exec(ctx, sql, e.ID, h.TenantID, string(e.Kind), nullableString(e.EntityID), nullableString(e.ActorID), e.OccurredAt, payloadJSON)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return nil
}

// QueryEvents supports the filtering and time-window pagination the event
// store's read side needs: by entity, actor, kind set, and occurred_at window,
// always ordered occurred_at ASC, id ASC for a stable cursor.
func (s *PgStore) QueryEvents(ctx context.Context, h TenantHandle, opts EventQueryOptions) ([]model.Event, error) {
	where := "tenant_id = $1"
	args := []interface{}{h.TenantID}

	if opts.EntityID != "" {
		args = append(args, opts.EntityID)
		where += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if opts.ActorID != "" {
		args = append(args, opts.ActorID)
		where += fmt.Sprintf(" AND actor_id = $%d", len(args))
	}
	if len(opts.EventKinds) > 0 {
		kinds := make([]string, len(opts.EventKinds))
		for i, k := range opts.EventKinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		where += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	if opts.Since != nil {
		args = append(args, time.UnixMilli(*opts.Since).UTC())
		where += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, time.UnixMilli(*opts.Until).UTC())
		where += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}

	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	sql := fmt.Sprintf(`
SELECT id, tenant_id, event_type, COALESCE(entity_id::text, ''), COALESCE(actor_id, ''), occurred_at, payload
FROM %s.events WHERE %s ORDER BY occurred_at ASC, id ASC LIMIT %d`, h.schema(), where, limit)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var kind string
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &kind, &e.EntityID, &e.ActorID, &e.OccurredAt, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
