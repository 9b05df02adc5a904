package event

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
)

func newTestEmitter() (*Emitter, storage.TenantHandle) {
	store := storage.NewMemStore()
	h := storage.NewTenantHandle("acme")
	ctx := context.Background()
	_ = store.CreateTenantSchema(ctx, h)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEmitter(store, log), h
}

func TestEmitDispatchesTypedThenWildcardInOrder(t *testing.T) {
	em, h := newTestEmitter()
	var order []string
	em.On(model.EventEntityCreated, func(ctx context.Context, e model.Event) error {
		order = append(order, "typed")
		return nil
	})
	em.OnAll(func(ctx context.Context, e model.Event) error {
		order = append(order, "wildcard")
		return nil
	})

	err := em.Emit(context.Background(), h, model.Event{Kind: model.EventEntityCreated, TenantID: "acme"}, EmitOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"typed", "wildcard"}, order)
}

func TestEmitHandlerFailureDoesNotBlockOthers(t *testing.T) {
	em, h := newTestEmitter()
	var secondRan bool
	em.OnAll(func(ctx context.Context, e model.Event) error {
		return errors.New("boom")
	})
	em.OnAll(func(ctx context.Context, e model.Event) error {
		secondRan = true
		return nil
	})

	err := em.Emit(context.Background(), h, model.Event{Kind: model.EventEntityUpdated, TenantID: "acme"}, EmitOptions{})
	require.NoError(t, err)
	require.True(t, secondRan)
}

func TestEmitHandlerPanicIsRecovered(t *testing.T) {
	em, h := newTestEmitter()
	var secondRan bool
	em.OnAll(func(ctx context.Context, e model.Event) error {
		panic("kaboom")
	})
	em.OnAll(func(ctx context.Context, e model.Event) error {
		secondRan = true
		return nil
	})

	require.NotPanics(t, func() {
		err := em.Emit(context.Background(), h, model.Event{Kind: model.EventEntityDeleted, TenantID: "acme"}, EmitOptions{})
		require.NoError(t, err)
	})
	require.True(t, secondRan)
}

func TestEmitSkipHandlersStillPersists(t *testing.T) {
	em, h := newTestEmitter()
	called := false
	em.OnAll(func(ctx context.Context, e model.Event) error {
		called = true
		return nil
	})

	err := em.Emit(context.Background(), h, model.Event{Kind: model.EventEntityCreated, TenantID: "acme"}, EmitOptions{SkipHandlers: true})
	require.NoError(t, err)
	require.False(t, called)
}

func TestEmitSkipPersistOmitsFromStore(t *testing.T) {
	em, h := newTestEmitter()
	err := em.Emit(context.Background(), h, model.Event{Kind: model.EventComputedPropertyStale, TenantID: "acme", EntityID: "e1"}, EmitOptions{SkipPersist: true})
	require.NoError(t, err)

	events, err := em.store.QueryEvents(context.Background(), h, storage.EventQueryOptions{})
	require.NoError(t, err)
	require.Empty(t, events)
}
