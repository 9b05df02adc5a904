package eval

import (
	"github.com/jnarwell/trellis/internal/expr"
	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/value"
)

// evalPropertyReference walks a PropertyReference's path segments starting from
// either the current entity or a specific cached entity. After a "[*]" hop
// the final property is read on every reached entity and returned as a list.
func evalPropertyReference(ctx *Context, ref *expr.PropertyReference) (value.Value, error) {
	base := ctx.CurrentEntity
	if ref.Base != "" {
		e, ok := ctx.EntityCache[ref.Base]
		if !ok {
			return value.Null, kernelerr.New(kernelerr.ReferenceBroken, "referenced entity not loaded: "+ref.Base)
		}
		base = e
	}
	if base == nil {
		return value.Null, kernelerr.New(kernelerr.ReferenceBroken, "no current entity in evaluation context")
	}
	working := []*model.Entity{base}
	ctx.accessedEntities[base.ID] = true
	collection := false

	for i, seg := range ref.Segments {
		last := i == len(ref.Segments)-1
		if !last {
			collection = collection || seg.All
			expanded, err := expandRelationship(ctx, working, seg)
			if err != nil {
				return value.Null, err
			}
			working = expanded
			continue
		}
		// last segment
		if seg.All {
			expanded, err := expandRelationship(ctx, working, seg)
			if err != nil {
				return value.Null, err
			}
			return value.Null, kernelerr.New(kernelerr.InvalidExpression, "a property name must follow a trailing '[*]' segment").WithDetails(map[string]interface{}{"entities": len(expanded)})
		}
		if collection {
			vals := make([]value.Value, len(working))
			ek := value.KindNull
			for j, e := range working {
				v, err := resolvePropertyOnEntity(ctx, e, seg.Name)
				if err != nil {
					return value.Null, err
				}
				vals[j], ek = v, v.Kind()
			}
			return value.List(ek, vals), nil
		}
		if len(working) != 1 {
			return value.Null, kernelerr.New(kernelerr.ReferenceBroken, "ambiguous property resolution across multiple entities")
		}
		return resolvePropertyOnEntity(ctx, working[0], seg.Name)
	}

	// No segments consumed the final property read (shouldn't happen; parser
	// requires at least one segment), but guard defensively.
	if len(working) != 1 {
		return value.Null, kernelerr.New(kernelerr.ReferenceBroken, "property reference resolved to no single entity")
	}
	return value.Null, nil
}

// expandRelationship advances the working set across one relationship segment.
// A simple segment (not-last) takes the first related entity per source; [*]
// expands to every related entity; [n] picks the nth.
func expandRelationship(ctx *Context, working []*model.Entity, seg expr.PathSegment) ([]*model.Entity, error) {
	var next []*model.Entity
	for _, e := range working {
		targets := ctx.RelationshipCache[e.ID][seg.Name]
		switch {
		case seg.All:
			for _, tid := range targets {
				if te, ok := ctx.EntityCache[tid]; ok {
					next = append(next, te)
					ctx.accessedEntities[tid] = true
				}
			}
		case seg.HasIndex:
			if seg.Index < 0 || seg.Index >= len(targets) {
				return nil, kernelerr.New(kernelerr.ReferenceBroken, "relationship index out of range: "+seg.Name)
			}
			tid := targets[seg.Index]
			if te, ok := ctx.EntityCache[tid]; ok {
				next = append(next, te)
				ctx.accessedEntities[tid] = true
			}
		default:
			if len(targets) == 0 {
				return nil, kernelerr.New(kernelerr.ReferenceBroken, "no related entity for relationship: "+seg.Name)
			}
			tid := targets[0]
			if te, ok := ctx.EntityCache[tid]; ok {
				next = append(next, te)
				ctx.accessedEntities[tid] = true
			}
		}
	}
	return next, nil
}

// resolvePropertyOnEntity applies the property-kind resolution rules,
// including cycle detection and depth limiting for computed properties whose
// cached value is being read during another property's evaluation.
func resolvePropertyOnEntity(ctx *Context, e *model.Entity, name string) (value.Value, error) {
	if e == nil {
		return value.Null, kernelerr.New(kernelerr.ReferenceBroken, "no entity to resolve property "+name+" on")
	}
	prop, ok := e.Properties[name]
	if !ok {
		return value.Null, nil
	}
	switch prop.Kind {
	case model.PropertyLiteral, model.PropertyMeasured:
		return prop.Value, nil
	case model.PropertyInherited:
		if prop.HasOverride {
			return prop.Override, nil
		}
		if prop.HasResolvedValue {
			return prop.ResolvedValue, nil
		}
		return value.Null, nil
	case model.PropertyComputed:
		key := e.ID + "." + name
		if ctx.stack[key] {
			return value.Null, kernelerr.New(kernelerr.CircularDependency, "circular dependency evaluating "+key)
		}
		if ctx.depth+1 > ctx.maxDepth {
			return value.Null, kernelerr.New(kernelerr.MaxDepthExceeded, "maximum evaluation depth exceeded")
		}
		// The evaluator itself never recomputes; it returns the best-effort
		// cached value (valid or stale), deferring recomputation to the
		// computation service. Reading the cache still needs cycle tracking
		// because a caller may be mid-evaluation of this very property.
		ctx.stack[key] = true
		ctx.depth++
		defer func() { delete(ctx.stack, key); ctx.depth-- }()
		if prop.HasCached {
			return prop.CachedValue, nil
		}
		return value.Null, nil
	default:
		return value.Null, kernelerr.New(kernelerr.Internal, "unknown property kind")
	}
}
