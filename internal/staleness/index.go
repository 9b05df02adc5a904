// Package staleness implements the dependent index and the mark-stale
// cascade (spec component H): when a property changes, every computed
// property that transitively depends on it is flagged stale without
// recomputation, which is the computation service's job.
package staleness

import (
	"sync"

	"github.com/jnarwell/trellis/internal/model"
)

// dependentKey identifies one (entity, property) pair a computed property
// can depend on.
type dependentKey struct {
	EntityRef string // "self" resolved to a concrete id at registration time, or a specific EntityId
	Property  string
}

// Dependent names a computed property that needs to be marked stale when its
// input changes.
type Dependent struct {
	EntityID string
	Property string
}

// Index maps (entity, property) -> the set of computed properties that read
// it, maintained incrementally as computed properties are registered or their
// expressions change. It is scoped per tenant by the caller holding one Index
// per tenant, mirroring the rest of the kernel's tenant-scoped handle pattern.
type Index struct {
	mu   sync.RWMutex
	deps map[dependentKey][]Dependent
}

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	return &Index{deps: make(map[dependentKey][]Dependent)}
}

// Register records that entityID.propertyName depends on every path in deps.
// Call this whenever a computed property is created or its expression
// (and therefore its extracted dependencies) changes; Unregister first if the
// property previously had different dependencies.
func (ix *Index) Register(entityID, propertyName string, deps []model.DependencyPath) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, d := range deps {
		ref := d.EntityRef
		if ref == "self" {
			ref = entityID
		}
		key := dependentKey{EntityRef: ref, Property: d.Property}
		ix.deps[key] = appendUnique(ix.deps[key], Dependent{EntityID: entityID, Property: propertyName})
	}
}

// Unregister removes every dependent entry entityID.propertyName previously
// registered under deps — the counterpart to Register, used before
// re-registering a changed expression.
func (ix *Index) Unregister(entityID, propertyName string, deps []model.DependencyPath) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, d := range deps {
		ref := d.EntityRef
		if ref == "self" {
			ref = entityID
		}
		key := dependentKey{EntityRef: ref, Property: d.Property}
		ix.deps[key] = removeDependent(ix.deps[key], Dependent{EntityID: entityID, Property: propertyName})
	}
}

// Dependents returns every computed property registered as depending on
// entityID.propertyName.
func (ix *Index) Dependents(entityID, propertyName string) []Dependent {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	key := dependentKey{EntityRef: entityID, Property: propertyName}
	return append([]Dependent(nil), ix.deps[key]...)
}

func appendUnique(list []Dependent, d Dependent) []Dependent {
	for _, existing := range list {
		if existing == d {
			return list
		}
	}
	return append(list, d)
}

func removeDependent(list []Dependent, d Dependent) []Dependent {
	out := list[:0]
	for _, existing := range list {
		if existing != d {
			out = append(out, existing)
		}
	}
	return out
}
