// Package compute implements the computation service (spec component I):
// refreshing one or more computed properties on an entity by batch-loading
// its dependency closure and evaluating each property in dependency order.
package compute

import (
	"context"
	"fmt"

	"github.com/jnarwell/trellis/internal/eval"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
)

// RelationLoader batch-loads every entity and relationship mapping an access
// plan touches, recursively along relationship chains, rewritten from the
// platform's Apache AGE graph sync as a plain-SQL breadth-first walk since
// Trellis has no separate graph store to keep in sync.
type RelationLoader struct {
	store storage.Store
}

// NewRelationLoader constructs a RelationLoader over store.
func NewRelationLoader(store storage.Store) *RelationLoader {
	return &RelationLoader{store: store}
}

// Load resolves every DependencyPath in deps starting from root, returning
// populated entity and relationship caches ready to hand to eval.NewContext.
// It walks relationship chains breadth-first, one level per round: each round
// reads the outgoing relationships of every frontier entity (one
// RelationshipTargets call per entity) and then fetches the newly reached
// entities together.
func (l *RelationLoader) Load(ctx context.Context, h storage.TenantHandle, root *model.Entity, deps []model.DependencyPath) (map[string]*model.Entity, map[string]map[string][]string, error) {
	entities := map[string]*model.Entity{root.ID: root}
	relCache := make(map[string]map[string][]string)

	// A dependency naming a specific EntityRef starts its relationship chain
	// (if any) at that entity, not at root — e.g. @{X}.parent.category.markup
	// walks "parent" then "category" from X, never touching root's own
	// relationships. Every distinct non-self ref is therefore a second BFS
	// seed alongside root, and must be loaded up front so both the walk and
	// the eventual property read can find it in entities/relCache.
	maxChainLen := 0
	refSeeds := make(map[string]bool)
	for _, d := range deps {
		if len(d.Relationships) > maxChainLen {
			maxChainLen = len(d.Relationships)
		}
		if d.EntityRef != "self" && d.EntityRef != "" {
			refSeeds[d.EntityRef] = true
		}
	}

	frontier := map[string]bool{root.ID: true}
	var seedIDs []string
	for id := range refSeeds {
		frontier[id] = true
		if _, ok := entities[id]; !ok {
			seedIDs = append(seedIDs, id)
		}
	}
	if len(seedIDs) > 0 {
		loaded, err := l.store.GetEntities(ctx, h, seedIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("load entity ref seeds: %w", err)
		}
		for id, e := range loaded {
			entities[id] = e
		}
	}

	for step := 0; step < maxChainLen; step++ {
		next := make(map[string]bool)
		for id := range frontier {
			if _, ok := relCache[id]; ok {
				continue
			}
			targets, err := l.store.RelationshipTargets(ctx, h, id)
			if err != nil {
				return nil, nil, fmt.Errorf("load relationship targets for %s: %w", id, err)
			}
			relCache[id] = targets
			for _, ids := range targets {
				for _, tid := range ids {
					if _, ok := entities[tid]; !ok {
						next[tid] = true
					}
				}
			}
		}
		if len(next) == 0 {
			break
		}
		missing := make([]string, 0, len(next))
		for id := range next {
			missing = append(missing, id)
		}
		loaded, err := l.store.GetEntities(ctx, h, missing)
		if err != nil {
			return nil, nil, fmt.Errorf("batch load entities: %w", err)
		}
		for id, e := range loaded {
			entities[id] = e
		}
		frontier = next
	}

	return entities, relCache, nil
}

// newEvalContext builds an eval.Context pre-populated with loader output.
func newEvalContext(tenantID string, current *model.Entity, entities map[string]*model.Entity, rels map[string]map[string][]string) *eval.Context {
	return eval.NewContext(tenantID, current, entities, rels)
}
