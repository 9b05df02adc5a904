package compute

import (
	"context"
	"fmt"

	"github.com/jnarwell/trellis/internal/eval"
	"github.com/jnarwell/trellis/internal/expr"
	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
)

const updateRetryBudget = 5

// Service refreshes computed properties on an entity: collect, batch-load
// dependencies, topologically order, evaluate, and persist with optimistic
// lock retry.
type Service struct {
	store  storage.Store
	loader *RelationLoader
}

// NewService constructs a Service over store.
func NewService(store storage.Store) *Service {
	return &Service{store: store, loader: NewRelationLoader(store)}
}

// Filter narrows which of an entity's computed properties Refresh recomputes.
type Filter byte

const (
	FilterAll Filter = iota
	FilterStaleOrPending
)

// Refresh recomputes entityID's computed properties (filtered per filter),
// writing back cached_value/status with an optimistic-lock retry budget.
// It returns the final entity as persisted.
func (s *Service) Refresh(ctx context.Context, h storage.TenantHandle, entityID string, filter Filter) (*model.Entity, error) {
	for attempt := 0; attempt < updateRetryBudget; attempt++ {
		e, err := s.store.GetEntity(ctx, h, entityID)
		if err != nil {
			return nil, err
		}
		origVersion := e.Version

		names := selectComputed(e, filter)
		if len(names) == 0 {
			return e, nil
		}

		order, cycles := topoOrder(e, names)
		for _, n := range cycles {
			p := e.Properties[n]
			p.Status = model.StatusError
			p.ErrMessage = kernelerr.New(kernelerr.CircularDependency, "computed property participates in an intra-entity dependency cycle").Error()
			e.Properties[n] = p
		}

		deps := unionDeps(e, order)
		entities, rels, err := s.loader.Load(ctx, h, e, deps)
		if err != nil {
			return nil, fmt.Errorf("load dependency closure: %w", err)
		}

		evalCtx := newEvalContext(h.TenantID, e, entities, rels)
		for _, n := range order {
			s.evaluateOne(evalCtx, e, n)
		}

		err = s.store.UpdateEntity(ctx, h, e, origVersion)
		if err == nil {
			return e, nil
		}
		if storage.IsVersionConflict(err) {
			continue
		}
		return nil, fmt.Errorf("persist computed properties: %w", err)
	}
	return nil, fmt.Errorf("refresh computed properties: exhausted retry budget after concurrent writes")
}

func (s *Service) evaluateOne(evalCtx *eval.Context, e *model.Entity, name string) {
	p := e.Properties[name]
	node, err := expr.Parse(p.Expression)
	if err != nil {
		p.Status = model.StatusError
		p.ErrMessage = err.Error()
		e.Properties[name] = p
		return
	}

	result := eval.Eval(evalCtx, node)
	if !result.Success {
		p.Status = model.StatusError
		p.ErrMessage = result.Err.Error()
		e.Properties[name] = p
		return
	}
	p.CachedValue = result.Value
	p.HasCached = true
	p.Status = model.StatusValid
	p.ErrMessage = ""
	e.Properties[name] = p
}

func selectComputed(e *model.Entity, filter Filter) []string {
	var names []string
	for name, p := range e.Properties {
		if p.Kind != model.PropertyComputed {
			continue
		}
		if filter == FilterStaleOrPending && p.Status != model.StatusStale && p.Status != model.StatusPending {
			continue
		}
		names = append(names, name)
	}
	return names
}

func unionDeps(e *model.Entity, names []string) []model.DependencyPath {
	seen := make(map[string]bool)
	var out []model.DependencyPath
	for _, n := range names {
		for _, d := range e.Properties[n].Dependencies {
			if seen[d.Key()] {
				continue
			}
			seen[d.Key()] = true
			out = append(out, d)
		}
	}
	return out
}

// topoOrder orders names (a subset of e's computed properties) so that a
// property referencing another same-entity computed property evaluates
// after it. Any property reachable from a cycle is returned in cycles
// instead of order.
func topoOrder(e *model.Entity, names []string) (order []string, cycles []string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}

	// edges[a] = same-entity computed properties a's expression reads.
	edges := make(map[string][]string)
	indegree := make(map[string]int)
	for _, n := range names {
		indegree[n] = 0
	}
	for _, n := range names {
		for _, d := range e.Properties[n].Dependencies {
			if d.EntityRef != "self" || len(d.Relationships) != 0 {
				continue
			}
			if target, ok := e.Properties[d.Property]; ok && target.Kind == model.PropertyComputed && set[d.Property] {
				edges[d.Property] = append(edges[d.Property], n)
				indegree[n]++
			}
		}
	}

	var queue []string
	for _, n := range names {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	visited := make(map[string]bool)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n] {
			continue
		}
		visited[n] = true
		order = append(order, n)
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(names) {
		for _, n := range names {
			if !visited[n] {
				cycles = append(cycles, n)
			}
		}
		return order, cycles
	}
	return order, nil
}
