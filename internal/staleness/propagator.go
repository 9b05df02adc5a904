package staleness

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jnarwell/trellis/internal/event"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
)

// changeType mirrors the payload key property_changed events carry; removals
// do not propagate since a vanished input makes the dependent computed
// property fail naturally at evaluation time rather than needing a mark.
const (
	changeAdded    = "added"
	changeModified = "modified"
)

// Propagator reacts to property_changed events by marking every transitive
// dependent computed property stale, using Index to find direct dependents
// and a per-run visited set to bound fan-out and break cycles.
type Propagator struct {
	index *Index
	store storage.Store
	log   *logrus.Logger
}

// NewPropagator constructs a Propagator over index and store.
func NewPropagator(index *Index, store storage.Store, log *logrus.Logger) *Propagator {
	return &Propagator{index: index, store: store, log: log}
}

// Handle is an event.Handler: register it via Emitter.On(model.EventPropertyChanged, ...).
func (p *Propagator) Handle(ctx context.Context, e model.Event) error {
	changeType, _ := e.Payload["change_type"].(string)
	if changeType != changeAdded && changeType != changeModified {
		return nil
	}
	propertyName, _ := e.Payload["property_name"].(string)
	if propertyName == "" || e.EntityID == "" {
		return nil
	}

	h := storage.NewTenantHandle(e.TenantID)
	visited := make(map[string]bool)
	return p.cascade(ctx, h, e.EntityID, propertyName, visited)
}

func (p *Propagator) cascade(ctx context.Context, h storage.TenantHandle, entityID, propertyName string, visited map[string]bool) error {
	for _, dep := range p.index.Dependents(entityID, propertyName) {
		key := dep.EntityID + "." + dep.Property
		if visited[key] {
			continue
		}
		visited[key] = true

		if err := p.markStale(ctx, h, dep.EntityID, dep.Property); err != nil {
			p.log.WithFields(logrus.Fields{
				"entity_id": dep.EntityID,
				"property":  dep.Property,
				"error":     err,
			}).Error("failed to mark computed property stale")
			continue
		}

		if err := p.cascade(ctx, h, dep.EntityID, dep.Property, visited); err != nil {
			return err
		}
	}
	return nil
}

// markStale flips a single computed property's status without emitting a
// property_changed event of its own — emitting one would amplify the
// cascade combinatorially across a wide dependency fan-out.
const markStaleRetries = 3

func (p *Propagator) markStale(ctx context.Context, h storage.TenantHandle, entityID, propertyName string) error {
	for attempt := 0; attempt < markStaleRetries; attempt++ {
		e, err := p.store.GetEntity(ctx, h, entityID)
		if err != nil {
			return fmt.Errorf("load entity for stale mark: %w", err)
		}
		prop, ok := e.Properties[propertyName]
		if !ok || prop.Kind != model.PropertyComputed {
			return nil
		}
		if prop.Status == model.StatusStale {
			return nil
		}
		prop.Status = model.StatusStale
		e.Properties[propertyName] = prop

		err = p.store.UpdateEntity(ctx, h, e, e.Version)
		if err == nil {
			return nil
		}
		if storage.IsVersionConflict(err) {
			continue
		}
		return fmt.Errorf("mark property stale: %w", err)
	}
	return fmt.Errorf("mark property stale: exhausted retries after concurrent writes")
}

// RegisterComputed should be called by the entity service whenever a computed
// property is created or its expression changes: it keeps Index's
// dependent map consistent with the property's currently extracted
// dependencies, replacing any prior registration for the same property.
func RegisterComputed(index *Index, entityID, propertyName string, oldDeps, newDeps []model.DependencyPath) {
	if oldDeps != nil {
		index.Unregister(entityID, propertyName, oldDeps)
	}
	index.Register(entityID, propertyName, newDeps)
}

var _ event.Handler = (*Propagator)(nil).Handle
