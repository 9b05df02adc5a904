// Package storage is the persistence layer (spec component E): it owns tenant
// schema provisioning, entity/relationship/event tables, optimistic locking,
// and soft/hard deletion, all behind a tenant-scoped handle the rest of the
// kernel must hold before it can touch a row.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/query"
)

// TenantHandle binds every storage call to a single tenant. No Store method
// accepts a bare tenant id string; callers must construct a handle first,
// which keeps tenant scoping impossible to forget at a call site.
type TenantHandle struct {
	TenantID string
}

// NewTenantHandle constructs a handle for tenantID.
func NewTenantHandle(tenantID string) TenantHandle {
	return TenantHandle{TenantID: tenantID}
}

func (h TenantHandle) schema() string {
	return fmt.Sprintf("tenant_%s", sanitizeTenantID(h.TenantID))
}

// sanitizeTenantID restricts tenant ids to the identifier-safe subset used in
// generated schema names; the storage layer never interpolates raw tenant
// input into DDL beyond this gate.
func sanitizeTenantID(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Store is the storage-layer contract consumed by the entity/relationship
// services, the computation service, and tests. A pgx-backed implementation
// is provided by PgStore; an in-memory implementation backs unit tests that
// would otherwise need a live Postgres instance.
type Store interface {
	CreateTenantSchema(ctx context.Context, h TenantHandle) error
	DropTenantSchema(ctx context.Context, h TenantHandle) error

	RegisterTypeSchema(ctx context.Context, h TenantHandle, s model.TypeSchema) error
	RegisterRelationshipSchema(ctx context.Context, h TenantHandle, s model.RelationshipSchema) error
	GetRelationshipSchema(ctx context.Context, h TenantHandle, name string) (*model.RelationshipSchema, bool, error)

	CreateEntity(ctx context.Context, h TenantHandle, e *model.Entity) error
	GetEntity(ctx context.Context, h TenantHandle, id string) (*model.Entity, error)
	UpdateEntity(ctx context.Context, h TenantHandle, e *model.Entity, expectedVersion int64) error
	DeleteEntity(ctx context.Context, h TenantHandle, id string, hardDelete bool) error
	// GetEntities batch-loads by id, silently omitting ids that don't exist or
	// belong to another tenant; callers (the evaluator's pre-loading step) treat
	// a missing id as a broken reference.
	GetEntities(ctx context.Context, h TenantHandle, ids []string) (map[string]*model.Entity, error)

	// CreateEntityWithEvents, UpdateEntityWithEvents, and DeleteEntityWithEvents
	// are the combined write path the kernel uses instead of CreateEntity et al.
	// followed by a separate AppendEvent(s) call: the entity mutation and every
	// resulting event land in one transaction, so a crash between the two can't
	// silently drop the audit trail.
	CreateEntityWithEvents(ctx context.Context, h TenantHandle, e *model.Entity, events []model.Event) error
	UpdateEntityWithEvents(ctx context.Context, h TenantHandle, e *model.Entity, expectedVersion int64, events []model.Event) error
	DeleteEntityWithEvents(ctx context.Context, h TenantHandle, id string, hardDelete bool, events []model.Event) error

	CreateRelationship(ctx context.Context, h TenantHandle, r *model.Relationship) error
	GetRelationship(ctx context.Context, h TenantHandle, id string) (*model.Relationship, error)
	DeleteRelationship(ctx context.Context, h TenantHandle, id string) error
	ListRelationships(ctx context.Context, h TenantHandle, entityID, relType, direction string) ([]model.Relationship, error)
	// RelationshipTargets returns, per relationship name, the ordered target
	// entity ids reachable from entityID — the adjacency the evaluator walks.
	RelationshipTargets(ctx context.Context, h TenantHandle, entityID string) (map[string][]string, error)

	AppendEvent(ctx context.Context, h TenantHandle, e *model.Event) error
	AppendEvents(ctx context.Context, h TenantHandle, events []model.Event) error
	QueryEvents(ctx context.Context, h TenantHandle, opts EventQueryOptions) ([]model.Event, error)

	// QueryEntities runs a query.Request against h's entities table, returning
	// the matched page and, when req.IncludeTotal is set, the total match count.
	QueryEntities(ctx context.Context, h TenantHandle, req query.Request) (*QueryResult, error)
}

// QueryResult is one page of entities plus the cursor to continue from and,
// when requested, the total count across all pages.
type QueryResult struct {
	Entities   []model.Entity
	NextCursor string
	Total      *int64
}

// EventQueryOptions filters Store.QueryEvents.
type EventQueryOptions struct {
	EntityID   string
	ActorID    string
	EventKinds []model.EventKind
	Since      *int64 // unix millis
	Until      *int64
	Limit      int
}

// PgStore is the Postgres-backed Store implementation, grounded in the
// platform's pgxpool-based DAL: one SQL schema per tenant, raw parameterized
// queries, no ORM.
type PgStore struct {
	db *pgxpool.Pool

	mu           sync.RWMutex
	typeSchemas  map[string]map[string]model.TypeSchema         // tenant -> name -> schema
	relSchemas   map[string]map[string]model.RelationshipSchema // tenant -> name -> schema
}

// New constructs a PgStore over an already-connected pool.
func New(db *pgxpool.Pool) *PgStore {
	return &PgStore{
		db:          db,
		typeSchemas: make(map[string]map[string]model.TypeSchema),
		relSchemas:  make(map[string]map[string]model.RelationshipSchema),
	}
}
