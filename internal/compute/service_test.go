package compute

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
	"github.com/jnarwell/trellis/internal/value"
)

func newTestStore(t *testing.T) (storage.Store, storage.TenantHandle) {
	store := storage.NewMemStore()
	h := storage.NewTenantHandle("acme")
	require.NoError(t, store.CreateTenantSchema(context.Background(), h))
	return store, h
}

func TestRefreshEvaluatesSingleComputedProperty(t *testing.T) {
	store, h := newTestStore(t)
	ctx := context.Background()

	base := &model.Entity{
		ID:   "11111111-1111-1111-1111-111111111111",
		Type: "reading",
		Properties: map[string]model.Property{
			"temperature": {Kind: model.PropertyLiteral, Value: value.Number(10)},
		},
	}
	require.NoError(t, store.CreateEntity(ctx, h, base))

	derived := &model.Entity{
		ID:   "derived-1",
		Type: "summary",
		Properties: map[string]model.Property{
			"doubled": {
				Kind:       model.PropertyComputed,
				Expression: "@{11111111-1111-1111-1111-111111111111}.temperature * 2",
				Status:     model.StatusPending,
				Dependencies: []model.DependencyPath{
					{EntityRef: "11111111-1111-1111-1111-111111111111", Property: "temperature"},
				},
			},
		},
	}
	require.NoError(t, store.CreateEntity(ctx, h, derived))

	svc := NewService(store)
	result, err := svc.Refresh(ctx, h, "derived-1", FilterAll)
	require.NoError(t, err)

	p := result.Properties["doubled"]
	require.Equal(t, model.StatusValid, p.Status)
	n, ok := p.CachedValue.AsNumber()
	require.True(t, ok)
	require.Equal(t, float64(20), n)
}

func TestRefreshOrdersIntraEntityDependency(t *testing.T) {
	store, h := newTestStore(t)
	ctx := context.Background()

	e := &model.Entity{
		ID:   "e1",
		Type: "widget",
		Properties: map[string]model.Property{
			"base": {Kind: model.PropertyLiteral, Value: value.Number(5)},
			"a": {
				Kind:         model.PropertyComputed,
				Expression:   "#base + 1",
				Status:       model.StatusPending,
				Dependencies: []model.DependencyPath{{EntityRef: "self", Property: "base"}},
			},
			"b": {
				Kind:         model.PropertyComputed,
				Expression:   "#a * 10",
				Status:       model.StatusPending,
				Dependencies: []model.DependencyPath{{EntityRef: "self", Property: "a"}},
			},
		},
	}
	require.NoError(t, store.CreateEntity(ctx, h, e))

	svc := NewService(store)
	result, err := svc.Refresh(ctx, h, "e1", FilterAll)
	require.NoError(t, err)

	a := result.Properties["a"]
	require.Equal(t, model.StatusValid, a.Status)
	av, _ := a.CachedValue.AsNumber()
	require.Equal(t, float64(6), av)

	b := result.Properties["b"]
	require.Equal(t, model.StatusValid, b.Status)
	bv, _ := b.CachedValue.AsNumber()
	require.Equal(t, float64(60), bv)
}

// TestRefreshResolvesRelationshipChainFromNonSelfEntityRef guards the loader
// against seeding its BFS frontier from root alone: here the computed
// property's dependency names a specific entity (not self) and walks a
// relationship from *that* entity, which root has no edge to at all.
func TestRefreshResolvesRelationshipChainFromNonSelfEntityRef(t *testing.T) {
	store, h := newTestStore(t)
	ctx := context.Background()

	const partID = "22222222-2222-2222-2222-222222222222"
	category := &model.Entity{
		ID:   "33333333-3333-3333-3333-333333333333",
		Type: "category",
		Properties: map[string]model.Property{
			"markup": {Kind: model.PropertyLiteral, Value: value.Number(1.5)},
		},
	}
	require.NoError(t, store.CreateEntity(ctx, h, category))

	part := &model.Entity{ID: partID, Type: "part"}
	require.NoError(t, store.CreateEntity(ctx, h, part))
	require.NoError(t, store.CreateRelationship(ctx, h, &model.Relationship{
		ID:       "rel-1",
		Name:     "category",
		SourceID: partID,
		TargetID: category.ID,
	}))

	priced := &model.Entity{
		ID:   "44444444-4444-4444-4444-444444444444",
		Type: "order_line",
		Properties: map[string]model.Property{
			"price": {
				Kind:       model.PropertyComputed,
				Expression: fmt.Sprintf("@{%s}.category.markup * 2", partID),
				Status:     model.StatusPending,
				Dependencies: []model.DependencyPath{
					{EntityRef: partID, Relationships: []string{"category"}, Property: "markup"},
				},
			},
		},
	}
	require.NoError(t, store.CreateEntity(ctx, h, priced))

	svc := NewService(store)
	result, err := svc.Refresh(ctx, h, priced.ID, FilterAll)
	require.NoError(t, err)

	p := result.Properties["price"]
	require.Equal(t, model.StatusValid, p.Status)
	n, ok := p.CachedValue.AsNumber()
	require.True(t, ok)
	require.Equal(t, float64(3), n)
}

func TestRefreshMarksIntraEntityCycleAsError(t *testing.T) {
	store, h := newTestStore(t)
	ctx := context.Background()

	e := &model.Entity{
		ID:   "e1",
		Type: "widget",
		Properties: map[string]model.Property{
			"a": {
				Kind:         model.PropertyComputed,
				Expression:   "#b + 1",
				Status:       model.StatusPending,
				Dependencies: []model.DependencyPath{{EntityRef: "self", Property: "b"}},
			},
			"b": {
				Kind:         model.PropertyComputed,
				Expression:   "#a + 1",
				Status:       model.StatusPending,
				Dependencies: []model.DependencyPath{{EntityRef: "self", Property: "a"}},
			},
		},
	}
	require.NoError(t, store.CreateEntity(ctx, h, e))

	svc := NewService(store)
	result, err := svc.Refresh(ctx, h, "e1", FilterAll)
	require.NoError(t, err)

	require.Equal(t, model.StatusError, result.Properties["a"].Status)
	require.Equal(t, model.StatusError, result.Properties["b"].Status)
	require.Contains(t, result.Properties["a"].ErrMessage, "CIRCULAR_DEPENDENCY")
}

func TestRefreshFilterStaleOrPendingSkipsValid(t *testing.T) {
	store, h := newTestStore(t)
	ctx := context.Background()

	e := &model.Entity{
		ID:   "e1",
		Type: "widget",
		Properties: map[string]model.Property{
			"base": {Kind: model.PropertyLiteral, Value: value.Number(1)},
			"a": {
				Kind:         model.PropertyComputed,
				Expression:   "#base + 100",
				Status:       model.StatusValid,
				CachedValue:  value.Number(1), // stale cached value, should not be touched
				HasCached:    true,
				Dependencies: []model.DependencyPath{{EntityRef: "self", Property: "base"}},
			},
		},
	}
	require.NoError(t, store.CreateEntity(ctx, h, e))

	svc := NewService(store)
	result, err := svc.Refresh(ctx, h, "e1", FilterStaleOrPending)
	require.NoError(t, err)

	a := result.Properties["a"]
	n, _ := a.CachedValue.AsNumber()
	require.Equal(t, float64(1), n) // unchanged, since it wasn't stale/pending
}
