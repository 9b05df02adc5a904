// Package kernel wires storage, the expression engine, the staleness index,
// the computation service, and the event emitter into the entity and
// relationship operations the HTTP surface exposes. Nothing here touches
// transport directly; httpapi is a thin adapter over this package.
package kernel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jnarwell/trellis/internal/compute"
	"github.com/jnarwell/trellis/internal/event"
	"github.com/jnarwell/trellis/internal/expr"
	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/staleness"
	"github.com/jnarwell/trellis/internal/storage"
)

// EntityService implements entity create/read/update/delete against a
// storage.Store, keeping the staleness index and computed-property cache
// consistent with every write.
type EntityService struct {
	store           storage.Store
	emitter         *event.Emitter
	staleIndex      *staleness.Index
	compute         *compute.Service
	evaluateOnWrite bool
}

// NewEntityService constructs an EntityService. evaluateOnWrite mirrors
// config.Config.EvaluateOnWrite: when true, computed properties are refreshed
// synchronously after create/update instead of waiting for a caller to pass
// evaluate_computed on a subsequent GET.
func NewEntityService(store storage.Store, emitter *event.Emitter, staleIndex *staleness.Index, comp *compute.Service, evaluateOnWrite bool) *EntityService {
	return &EntityService{store: store, emitter: emitter, staleIndex: staleIndex, compute: comp, evaluateOnWrite: evaluateOnWrite}
}

// Create builds a new entity of typeName from inputs and persists it.
func (s *EntityService) Create(ctx context.Context, h storage.TenantHandle, typeName string, inputs map[string]model.PropertyInput, actorID string) (*model.Entity, error) {
	props := make(map[string]model.Property, len(inputs))
	for name, in := range inputs {
		p, err := buildProperty(in)
		if err != nil {
			return nil, kernelerr.New(kernelerr.InvalidExpression, err.Error()).WithDetails(map[string]interface{}{"property": name})
		}
		props[name] = p
	}

	e := &model.Entity{
		ID:         uuid.NewString(),
		TenantID:   h.TenantID,
		Type:       typeName,
		Properties: props,
		Version:    1, // CreateEntity always inserts at version 1
	}
	created := model.Event{
		ID:       uuid.NewString(),
		TenantID: h.TenantID,
		Kind:     model.EventEntityCreated,
		EntityID: e.ID,
		ActorID:  actorID,
		Payload: map[string]interface{}{
			"entity_type": e.Type,
			"type":        e.Type,
			"properties":  e.Properties,
			"version":     e.Version,
		},
	}
	if err := s.store.CreateEntityWithEvents(ctx, h, e, []model.Event{created}); err != nil {
		return nil, err
	}

	for name, p := range props {
		if p.Kind == model.PropertyComputed {
			s.staleIndex.Register(e.ID, name, p.Dependencies)
		}
	}

	_ = s.emitter.Emit(ctx, h, created, event.EmitOptions{SkipPersist: true})

	if s.evaluateOnWrite && hasComputed(props) {
		if refreshed, err := s.compute.Refresh(ctx, h, e.ID, compute.FilterAll); err == nil {
			e = refreshed
		}
	}
	return e, nil
}

// Get fetches an entity, optionally resolving inherited properties and/or
// forcing a computed-property refresh before returning.
func (s *EntityService) Get(ctx context.Context, h storage.TenantHandle, id string, resolveInherited, evaluateComputed bool) (*model.Entity, error) {
	if evaluateComputed {
		e, err := s.compute.Refresh(ctx, h, id, compute.FilterAll)
		if err != nil {
			return nil, err
		}
		if resolveInherited {
			s.resolveInherited(ctx, h, e)
		}
		return e, nil
	}

	e, err := s.store.GetEntity(ctx, h, id)
	if err != nil {
		return nil, err
	}
	if resolveInherited {
		s.resolveInherited(ctx, h, e)
	}
	return e, nil
}

func (s *EntityService) resolveInherited(ctx context.Context, h storage.TenantHandle, e *model.Entity) {
	for name, p := range e.Properties {
		if p.Kind != model.PropertyInherited {
			continue
		}
		if p.HasOverride {
			p.ResolvedValue = p.Override
			p.HasResolvedValue = true
			p.Status = model.StatusValid
			e.Properties[name] = p
			continue
		}
		parent, err := s.store.GetEntity(ctx, h, p.FromEntity)
		if err != nil {
			p.Status = model.StatusError
			p.ErrMessage = kernelerr.New(kernelerr.ReferenceBroken, "inherited parent entity not found").Error()
			e.Properties[name] = p
			continue
		}
		src, ok := parent.Properties[p.FromProperty]
		if !ok {
			p.Status = model.StatusError
			p.ErrMessage = kernelerr.New(kernelerr.ReferenceBroken, "inherited parent property not found").Error()
			e.Properties[name] = p
			continue
		}
		switch src.Kind {
		case model.PropertyLiteral, model.PropertyMeasured:
			p.ResolvedValue = src.Value
		case model.PropertyComputed:
			p.ResolvedValue = src.CachedValue
		case model.PropertyInherited:
			if src.HasResolvedValue {
				p.ResolvedValue = src.ResolvedValue
			}
		}
		p.HasResolvedValue = true
		p.Status = model.StatusValid
		e.Properties[name] = p
	}
}

// Update applies set/remove operations under optimistic locking and emits the
// events that drive staleness propagation.
func (s *EntityService) Update(ctx context.Context, h storage.TenantHandle, id string, expectedVersion int64, setProps map[string]model.PropertyInput, removeProps []string, actorID string) (*model.Entity, error) {
	e, err := s.store.GetEntity(ctx, h, id)
	if err != nil {
		return nil, err
	}
	if e.Version != expectedVersion {
		return nil, kernelerr.New(kernelerr.VersionConflict, "version conflict updating entity").
			WithDetails(map[string]interface{}{"expected_version": expectedVersion, "actual_version": e.Version})
	}

	type change struct {
		name       string
		changeType string
		previous   interface{}
		current    interface{}
	}
	var changes []change

	for name, in := range setProps {
		p, err := buildProperty(in)
		if err != nil {
			return nil, kernelerr.New(kernelerr.InvalidExpression, err.Error()).WithDetails(map[string]interface{}{"property": name})
		}
		prev, existed := e.Properties[name]
		if existed && prev.Kind == model.PropertyComputed {
			s.staleIndex.Unregister(id, name, prev.Dependencies)
		}
		if p.Kind == model.PropertyComputed {
			s.staleIndex.Register(id, name, p.Dependencies)
		}
		changeType := "modified"
		var previous interface{}
		if !existed {
			changeType = "added"
		} else {
			previous = prev.Value
		}
		e.Properties[name] = p
		changes = append(changes, change{name: name, changeType: changeType, previous: previous, current: p.Value})
	}

	var removed []string
	for _, name := range removeProps {
		prev, existed := e.Properties[name]
		if !existed {
			continue
		}
		if prev.Kind == model.PropertyComputed {
			s.staleIndex.Unregister(id, name, prev.Dependencies)
		}
		delete(e.Properties, name)
		removed = append(removed, name)
		changes = append(changes, change{name: name, changeType: "removed", previous: prev.Value})
	}

	prevVersion := e.Version
	newVersion := expectedVersion + 1 // UpdateEntity always advances by exactly one

	var changedNames []string
	events := make([]model.Event, 0, len(changes)+1)
	for _, c := range changes {
		if c.changeType != "removed" {
			changedNames = append(changedNames, c.name)
		}
		events = append(events, model.Event{
			ID:       uuid.NewString(),
			TenantID: h.TenantID,
			Kind:     model.EventPropertyChanged,
			EntityID: id,
			ActorID:  actorID,
			Payload: map[string]interface{}{
				"entity_type":   e.Type,
				"property_name": c.name,
				"change_type":   c.changeType,
				"previous":      c.previous,
				"current":       c.current,
			},
		})
	}
	events = append(events, model.Event{
		ID:       uuid.NewString(),
		TenantID: h.TenantID,
		Kind:     model.EventEntityUpdated,
		EntityID: id,
		ActorID:  actorID,
		Payload: map[string]interface{}{
			"entity_type":        e.Type,
			"previous_version":   prevVersion,
			"new_version":        newVersion,
			"changed_properties": changedNames,
			"removed_properties": removed,
		},
	})

	if err := s.store.UpdateEntityWithEvents(ctx, h, e, expectedVersion, events); err != nil {
		return nil, err
	}

	for _, ev := range events {
		_ = s.emitter.Emit(ctx, h, ev, event.EmitOptions{SkipPersist: true})
	}

	if s.evaluateOnWrite {
		if refreshed, err := s.compute.Refresh(ctx, h, id, compute.FilterAll); err == nil {
			e = refreshed
		}
	}
	return e, nil
}

// Delete soft- or hard-deletes an entity and emits entity_deleted.
func (s *EntityService) Delete(ctx context.Context, h storage.TenantHandle, id string, hardDelete bool, actorID string) error {
	e, err := s.store.GetEntity(ctx, h, id)
	if err != nil {
		return err
	}

	deleted := model.Event{
		ID:       uuid.NewString(),
		TenantID: h.TenantID,
		Kind:     model.EventEntityDeleted,
		EntityID: id,
		ActorID:  actorID,
		Payload: map[string]interface{}{
			"entity_type":      e.Type,
			"type":             e.Type,
			"final_version":    e.Version,
			"hard_delete":      hardDelete,
			"final_properties": e.Properties,
		},
	}
	if err := s.store.DeleteEntityWithEvents(ctx, h, id, hardDelete, []model.Event{deleted}); err != nil {
		return err
	}

	for name, p := range e.Properties {
		if p.Kind == model.PropertyComputed {
			s.staleIndex.Unregister(id, name, p.Dependencies)
		}
	}

	_ = s.emitter.Emit(ctx, h, deleted, event.EmitOptions{SkipPersist: true})
	return nil
}

func hasComputed(props map[string]model.Property) bool {
	for _, p := range props {
		if p.Kind == model.PropertyComputed {
			return true
		}
	}
	return false
}

// buildProperty expands a wire-level PropertyInput into a storage Property,
// parsing and extracting dependencies for computed expressions up front so a
// malformed expression fails at write time rather than at first evaluation.
func buildProperty(in model.PropertyInput) (model.Property, error) {
	p := model.Property{
		Kind:         in.Kind,
		Value:        in.Value,
		Uncertainty:  in.Uncertainty,
		MeasuredAt:   in.MeasuredAt,
		FromEntity:   in.FromEntity,
		FromProperty: in.FromProperty,
		Override:     in.Override,
		HasOverride:  in.HasOverride,
		Expression:   in.Expression,
	}
	switch in.Kind {
	case model.PropertyLiteral, model.PropertyMeasured:
		// nothing further to derive.
	case model.PropertyInherited:
		p.Status = model.StatusPending
	case model.PropertyComputed:
		node, err := expr.Parse(in.Expression)
		if err != nil {
			return model.Property{}, fmt.Errorf("parse computed expression: %w", err)
		}
		p.Dependencies = expr.ExtractDependencies(node)
		p.Status = model.StatusPending
	}
	return p, nil
}
