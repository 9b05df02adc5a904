package kernel

import (
	"context"

	"github.com/google/uuid"

	"github.com/jnarwell/trellis/internal/event"
	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
	"github.com/jnarwell/trellis/internal/value"
)

// RelationshipService implements relationship create/delete/list, enforcing
// registered cardinality/endpoint-type constraints and maintaining the
// bidirectional inverse edge when a schema declares one.
type RelationshipService struct {
	store   storage.Store
	emitter *event.Emitter
}

// NewRelationshipService constructs a RelationshipService.
func NewRelationshipService(store storage.Store, emitter *event.Emitter) *RelationshipService {
	return &RelationshipService{store: store, emitter: emitter}
}

// Create validates endpoints and cardinality, creates the relationship (and
// its inverse, if the schema declares one), and emits relationship_created.
func (s *RelationshipService) Create(ctx context.Context, h storage.TenantHandle, name, fromID, toID string, metadata map[string]value.Value, actorID string) (*model.Relationship, error) {
	if fromID == toID {
		return nil, kernelerr.New(kernelerr.ValidationError, "relationship cannot connect an entity to itself").
			WithDetails(map[string]interface{}{"entity_id": fromID})
	}

	from, err := s.store.GetEntity(ctx, h, fromID)
	if err != nil {
		return nil, kernelerr.New(kernelerr.NotFound, "from_entity not found").
			WithDetails(map[string]interface{}{"field": "from_entity"})
	}
	to, err := s.store.GetEntity(ctx, h, toID)
	if err != nil {
		return nil, kernelerr.New(kernelerr.NotFound, "to_entity not found").
			WithDetails(map[string]interface{}{"field": "to_entity"})
	}

	schema, found, err := s.store.GetRelationshipSchema(ctx, h, name)
	if err != nil {
		return nil, err
	}
	if found {
		if err := checkEndpointTypes(schema, from.Type, to.Type); err != nil {
			return nil, err
		}
		if schema.Cardinality == model.CardinalityOne {
			existing, err := s.store.ListRelationships(ctx, h, fromID, name, "outgoing")
			if err != nil {
				return nil, err
			}
			if len(existing) > 0 {
				cardinality := schema.CardinalityID
				if cardinality == "" {
					cardinality = "many_to_one"
				}
				return nil, kernelerr.New(kernelerr.ValidationError, "relationship violates cardinality constraint").
					WithDetails(map[string]interface{}{"cardinality": cardinality})
			}
		}
	}

	r := &model.Relationship{
		ID:         uuid.NewString(),
		TenantID:   h.TenantID,
		Name:       name,
		SourceID:   fromID,
		TargetID:   toID,
		Properties: metadata,
	}
	if err := s.store.CreateRelationship(ctx, h, r); err != nil {
		return nil, err
	}
	s.emitRelationshipEvent(ctx, h, model.EventRelationshipCreated, r, actorID)

	if found && schema.Bidirectional && schema.InverseType != "" {
		inverse := &model.Relationship{
			ID:         uuid.NewString(),
			TenantID:   h.TenantID,
			Name:       schema.InverseType,
			SourceID:   toID,
			TargetID:   fromID,
			Properties: metadata,
		}
		if err := s.store.CreateRelationship(ctx, h, inverse); err != nil {
			return nil, err
		}
		s.emitRelationshipEvent(ctx, h, model.EventRelationshipCreated, inverse, actorID)
	}

	return r, nil
}

// Delete removes a relationship and, when its schema declares a bidirectional
// inverse, the matching inverse edge too.
func (s *RelationshipService) Delete(ctx context.Context, h storage.TenantHandle, id, actorID string) error {
	r, err := s.store.GetRelationship(ctx, h, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRelationship(ctx, h, id); err != nil {
		return err
	}
	s.emitRelationshipEvent(ctx, h, model.EventRelationshipDeleted, r, actorID)

	schema, found, err := s.store.GetRelationshipSchema(ctx, h, r.Name)
	if err == nil && found && schema.Bidirectional && schema.InverseType != "" {
		inverses, err := s.store.ListRelationships(ctx, h, r.TargetID, schema.InverseType, "outgoing")
		if err == nil {
			for _, inv := range inverses {
				if inv.TargetID == r.SourceID {
					if err := s.store.DeleteRelationship(ctx, h, inv.ID); err == nil {
						s.emitRelationshipEvent(ctx, h, model.EventRelationshipDeleted, &inv, actorID)
					}
					break
				}
			}
		}
	}
	return nil
}

// List delegates to the store's adjacency query.
func (s *RelationshipService) List(ctx context.Context, h storage.TenantHandle, entityID, relType, direction string) ([]model.Relationship, error) {
	return s.store.ListRelationships(ctx, h, entityID, relType, direction)
}

func (s *RelationshipService) emitRelationshipEvent(ctx context.Context, h storage.TenantHandle, kind model.EventKind, r *model.Relationship, actorID string) {
	_ = s.emitter.Emit(ctx, h, model.Event{
		TenantID: h.TenantID,
		Kind:     kind,
		EntityID: r.SourceID,
		ActorID:  actorID,
		Payload: map[string]interface{}{
			"relationship_id": r.ID,
			"type":            r.Name,
			"from_entity":     r.SourceID,
			"to_entity":       r.TargetID,
			"metadata":        r.Properties,
		},
	}, event.EmitOptions{})
}

func checkEndpointTypes(schema *model.RelationshipSchema, fromType, toType string) error {
	if len(schema.FromTypes) > 0 && !containsType(schema.FromTypes, fromType) {
		return kernelerr.New(kernelerr.ValidationError, "from_entity type not allowed by relationship schema").
			WithDetails(map[string]interface{}{"field": "from_entity", "type": fromType})
	}
	if len(schema.ToTypes) > 0 && !containsType(schema.ToTypes, toType) {
		return kernelerr.New(kernelerr.ValidationError, "to_entity type not allowed by relationship schema").
			WithDetails(map[string]interface{}{"field": "to_entity", "type": toType})
	}
	return nil
}

func containsType(types []string, t string) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
