package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/query"
	"github.com/jnarwell/trellis/internal/value"
)

// MemStore is an in-memory Store implementation for tests that exercise the
// evaluator, staleness propagator, and computation service without a live
// Postgres instance. It enforces the same tenant scoping and optimistic
// locking contracts as PgStore but keeps everything in plain maps.
type MemStore struct {
	mu sync.RWMutex

	schemas     map[string]bool
	typeSchemas map[string]map[string]model.TypeSchema
	relSchemas  map[string]map[string]model.RelationshipSchema
	entities    map[string]map[string]*model.Entity // tenant -> id -> entity
	rels        map[string]map[string]*model.Relationship
	events      map[string][]model.Event
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		schemas:     make(map[string]bool),
		typeSchemas: make(map[string]map[string]model.TypeSchema),
		relSchemas:  make(map[string]map[string]model.RelationshipSchema),
		entities:    make(map[string]map[string]*model.Entity),
		rels:        make(map[string]map[string]*model.Relationship),
		events:      make(map[string][]model.Event),
	}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) CreateTenantSchema(ctx context.Context, h TenantHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[h.TenantID] = true
	if m.entities[h.TenantID] == nil {
		m.entities[h.TenantID] = make(map[string]*model.Entity)
	}
	if m.rels[h.TenantID] == nil {
		m.rels[h.TenantID] = make(map[string]*model.Relationship)
	}
	return nil
}

func (m *MemStore) DropTenantSchema(ctx context.Context, h TenantHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schemas, h.TenantID)
	delete(m.entities, h.TenantID)
	delete(m.rels, h.TenantID)
	delete(m.events, h.TenantID)
	delete(m.typeSchemas, h.TenantID)
	delete(m.relSchemas, h.TenantID)
	return nil
}

func (m *MemStore) RegisterTypeSchema(ctx context.Context, h TenantHandle, sc model.TypeSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typeSchemas[h.TenantID] == nil {
		m.typeSchemas[h.TenantID] = make(map[string]model.TypeSchema)
	}
	m.typeSchemas[h.TenantID][sc.Name] = sc
	return nil
}

func (m *MemStore) RegisterRelationshipSchema(ctx context.Context, h TenantHandle, sc model.RelationshipSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.relSchemas[h.TenantID] == nil {
		m.relSchemas[h.TenantID] = make(map[string]model.RelationshipSchema)
	}
	m.relSchemas[h.TenantID][sc.Name] = sc
	return nil
}

func (m *MemStore) GetRelationshipSchema(ctx context.Context, h TenantHandle, name string) (*model.RelationshipSchema, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.relSchemas[h.TenantID][name]
	if !ok {
		return nil, false, nil
	}
	cp := sc
	return &cp, true, nil
}

func (m *MemStore) CreateEntity(ctx context.Context, h TenantHandle, e *model.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEntityLocked(h, e)
}

func (m *MemStore) createEntityLocked(h TenantHandle, e *model.Entity) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Version = 1
	if m.entities[h.TenantID] == nil {
		m.entities[h.TenantID] = make(map[string]*model.Entity)
	}
	cp := e.Clone()
	m.entities[h.TenantID][e.ID] = &cp
	return nil
}

func (m *MemStore) GetEntity(ctx context.Context, h TenantHandle, id string) (*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[h.TenantID][id]
	if !ok || e.IsDeleted() {
		return nil, kernelerr.New(kernelerr.NotFound, "entity not found")
	}
	cp := e.Clone()
	return &cp, nil
}

func (m *MemStore) GetEntities(ctx context.Context, h TenantHandle, ids []string) (map[string]*model.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*model.Entity, len(ids))
	for _, id := range ids {
		e, ok := m.entities[h.TenantID][id]
		if !ok || e.IsDeleted() {
			continue
		}
		cp := e.Clone()
		out[id] = &cp
	}
	return out, nil
}

func (m *MemStore) UpdateEntity(ctx context.Context, h TenantHandle, e *model.Entity, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateEntityLocked(h, e, expectedVersion)
}

func (m *MemStore) updateEntityLocked(h TenantHandle, e *model.Entity, expectedVersion int64) error {
	existing, ok := m.entities[h.TenantID][e.ID]
	if !ok || existing.IsDeleted() {
		return kernelerr.New(kernelerr.NotFound, "entity not found")
	}
	if existing.Version != expectedVersion {
		return kernelerr.New(kernelerr.VersionConflict, "version conflict updating entity").
			WithDetails(map[string]interface{}{"expected_version": expectedVersion, "actual_version": existing.Version})
	}
	e.Version = expectedVersion + 1
	e.UpdatedAt = time.Now().UTC()
	cp := e.Clone()
	m.entities[h.TenantID][e.ID] = &cp
	return nil
}

func (m *MemStore) DeleteEntity(ctx context.Context, h TenantHandle, id string, hardDelete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEntityLocked(h, id, hardDelete)
}

func (m *MemStore) deleteEntityLocked(h TenantHandle, id string, hardDelete bool) error {
	e, ok := m.entities[h.TenantID][id]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "entity not found")
	}
	for relID, r := range m.rels[h.TenantID] {
		if r.SourceID == id || r.TargetID == id {
			delete(m.rels[h.TenantID], relID)
		}
	}
	if hardDelete {
		delete(m.entities[h.TenantID], id)
		return nil
	}
	if e.IsDeleted() {
		return kernelerr.New(kernelerr.NotFound, "entity not found")
	}
	now := time.Now().UTC()
	e.DeletedAt = &now
	return nil
}

func (m *MemStore) CreateRelationship(ctx context.Context, h TenantHandle, r *model.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = time.Now().UTC()
	if m.rels[h.TenantID] == nil {
		m.rels[h.TenantID] = make(map[string]*model.Relationship)
	}
	cp := *r
	m.rels[h.TenantID][r.ID] = &cp
	return nil
}

func (m *MemStore) GetRelationship(ctx context.Context, h TenantHandle, id string) (*model.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rels[h.TenantID][id]
	if !ok {
		return nil, kernelerr.New(kernelerr.NotFound, "relationship not found")
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) DeleteRelationship(ctx context.Context, h TenantHandle, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rels[h.TenantID][id]; !ok {
		return kernelerr.New(kernelerr.NotFound, "relationship not found")
	}
	delete(m.rels[h.TenantID], id)
	return nil
}

func (m *MemStore) ListRelationships(ctx context.Context, h TenantHandle, entityID, relType, direction string) ([]model.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Relationship
	for _, r := range m.rels[h.TenantID] {
		matches := false
		switch direction {
		case "outgoing":
			matches = r.SourceID == entityID
		case "incoming":
			matches = r.TargetID == entityID
		default:
			matches = r.SourceID == entityID || r.TargetID == entityID
		}
		if !matches {
			continue
		}
		if relType != "" && r.Name != relType {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) RelationshipTargets(ctx context.Context, h TenantHandle, entityID string) (map[string][]string, error) {
	rels, err := m.ListRelationships(ctx, h, entityID, "", "outgoing")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, r := range rels {
		out[r.Name] = append(out[r.Name], r.TargetID)
	}
	return out, nil
}

func (m *MemStore) AppendEvent(ctx context.Context, h TenantHandle, e *model.Event) error {
	return m.AppendEvents(ctx, h, []model.Event{*e})
}

func (m *MemStore) AppendEvents(ctx context.Context, h TenantHandle, events []model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEventsLocked(h, events)
}

func (m *MemStore) appendEventsLocked(h TenantHandle, events []model.Event) error {
	for i := range events {
		if events[i].OccurredAt.IsZero() {
			events[i].OccurredAt = time.Now().UTC()
		}
		m.events[h.TenantID] = append(m.events[h.TenantID], events[i])
	}
	return nil
}

// CreateEntityWithEvents, UpdateEntityWithEvents, and DeleteEntityWithEvents
// hold the lock across both the entity-row mutation and the event append so
// no concurrent reader can observe one without the other, mirroring the
// transactional guarantee PgStore gives via a shared tx.
func (m *MemStore) CreateEntityWithEvents(ctx context.Context, h TenantHandle, e *model.Entity, events []model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createEntityLocked(h, e); err != nil {
		return err
	}
	return m.appendEventsLocked(h, events)
}

func (m *MemStore) UpdateEntityWithEvents(ctx context.Context, h TenantHandle, e *model.Entity, expectedVersion int64, events []model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateEntityLocked(h, e, expectedVersion); err != nil {
		return err
	}
	return m.appendEventsLocked(h, events)
}

func (m *MemStore) DeleteEntityWithEvents(ctx context.Context, h TenantHandle, id string, hardDelete bool, events []model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteEntityLocked(h, id, hardDelete); err != nil {
		return err
	}
	return m.appendEventsLocked(h, events)
}

func (m *MemStore) QueryEvents(ctx context.Context, h TenantHandle, opts EventQueryOptions) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Event
	for _, e := range m.events[h.TenantID] {
		if opts.EntityID != "" && e.EntityID != opts.EntityID {
			continue
		}
		if opts.ActorID != "" && e.ActorID != opts.ActorID {
			continue
		}
		if len(opts.EventKinds) > 0 {
			found := false
			for _, k := range opts.EventKinds {
				if e.Kind == k {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		ms := e.OccurredAt.UnixMilli()
		if opts.Since != nil && ms < *opts.Since {
			continue
		}
		if opts.Until != nil && ms > *opts.Until {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := opts.Limit
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	return out[:limit], nil
}

// QueryEntities applies req's filter, type, and sort in plain Go rather than
// SQL; the predicate logic deliberately mirrors query.Builder's semantics so
// tests written against MemStore exercise the same behavior PgStore gives.
func (m *MemStore) QueryEntities(ctx context.Context, h TenantHandle, req query.Request) (*QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.Entity
	for _, e := range m.entities[h.TenantID] {
		if e.IsDeleted() {
			continue
		}
		if req.Type != "" && !matchesType(e.Type, req.Type) {
			continue
		}
		if req.Filter != nil && !matchesGroup(*e, *req.Filter) {
			continue
		}
		matched = append(matched, *e)
	}

	sortKeys := req.Sort
	if len(sortKeys) == 0 {
		sortKeys = []query.SortKey{{Property: "id"}}
	} else if sortKeys[len(sortKeys)-1].Property != "id" {
		sortKeys = append(append([]query.SortKey(nil), sortKeys...), query.SortKey{Property: "id"})
	}
	sort.Slice(matched, func(i, j int) bool { return lessBySort(matched[i], matched[j], sortKeys) })

	var total *int64
	if req.IncludeTotal {
		n := int64(len(matched))
		total = &n
	}

	offset := req.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[offset:end]

	out := &QueryResult{Entities: page, Total: total}
	if len(page) > 0 {
		last := page[len(page)-1]
		values := make([]string, len(sortKeys))
		for i, k := range sortKeys {
			values[i] = sortValue(last, k.Property)
		}
		out.NextCursor = query.EncodeCursor(values, last.ID)
	}
	return out, nil
}

func matchesType(entityType, want string) bool {
	if strings.HasSuffix(want, ".*") {
		prefix := strings.TrimSuffix(want, ".*")
		return entityType == prefix || strings.HasPrefix(entityType, prefix+".")
	}
	return entityType == want
}

func matchesGroup(e model.Entity, g query.FilterGroup) bool {
	if g.Condition != nil {
		return matchesCondition(e, *g.Condition)
	}
	if len(g.Children) == 0 {
		return true
	}
	if g.Joiner == query.Or {
		for _, c := range g.Children {
			if matchesGroup(e, c) {
				return true
			}
		}
		return false
	}
	for _, c := range g.Children {
		if !matchesGroup(e, c) {
			return false
		}
	}
	return true
}

func matchesCondition(e model.Entity, c query.Condition) bool {
	v := fieldValue(e, c.Property)
	switch c.Op {
	case query.OpIsNull:
		return v.IsNull()
	case query.OpIn:
		values, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		for _, want := range values {
			if value.Equals(v, coerceCompare(want)) {
				return true
			}
		}
		return false
	case query.OpContains:
		return strings.Contains(v.String(), fmtCompare(c.Value))
	case query.OpStartsWith:
		return strings.HasPrefix(v.String(), fmtCompare(c.Value))
	case query.OpEq:
		return value.Equals(v, coerceCompare(c.Value))
	case query.OpNeq:
		return !value.Equals(v, coerceCompare(c.Value))
	case query.OpLt, query.OpGt, query.OpLte, query.OpGte:
		a, aok := v.AsNumber()
		b, bok := coerceCompare(c.Value).AsNumber()
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case query.OpLt:
			return a < b
		case query.OpGt:
			return a > b
		case query.OpLte:
			return a <= b
		default:
			return a >= b
		}
	}
	return false
}

func fieldValue(e model.Entity, property string) value.Value {
	switch property {
	case "id":
		return value.Text(e.ID)
	case "version":
		return value.Number(float64(e.Version))
	case "type":
		return value.Text(e.Type)
	}
	if p, ok := e.Properties[property]; ok {
		return p.Value
	}
	return value.Null
}

func coerceCompare(v interface{}) value.Value {
	switch t := v.(type) {
	case float64:
		return value.Number(t)
	case string:
		return value.Text(t)
	case bool:
		return value.Boolean(t)
	case nil:
		return value.Null
	default:
		return value.Null
	}
}

func fmtCompare(v interface{}) string {
	return coerceCompare(v).String()
}

func lessBySort(a, b model.Entity, sortKeys []query.SortKey) bool {
	for _, k := range sortKeys {
		av := sortValue(a, k.Property)
		bv := sortValue(b, k.Property)
		if av == bv {
			continue
		}
		if k.Direction == query.Desc {
			return av > bv
		}
		return av < bv
	}
	return false
}
