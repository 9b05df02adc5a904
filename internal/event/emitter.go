// Package event implements the kernel's event emitter and store (spec
// component G): an in-process pub/sub fan-out over the append-only event
// log, with typed and wildcard subscriptions and isolated handler failure.
package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
)

// Handler processes one event. A handler that panics is recovered and logged;
// it never prevents later handlers or Emit from returning.
type Handler func(ctx context.Context, e model.Event) error

// EmitOptions tune a single Emit call.
type EmitOptions struct {
	SkipPersist  bool // don't append to the event store (used by internal signals, e.g. staleness marks)
	SkipHandlers bool // persist but don't fan out to subscribers
}

// Emitter is the tenant-wide event bus: every mutation to entities or
// relationships funnels through Emit, which persists the event (unless
// skipped) and then notifies handlers in registration order.
type Emitter struct {
	store storage.Store
	log   *logrus.Logger

	mu       sync.RWMutex
	typed    map[model.EventKind][]Handler
	wildcard []Handler
}

// NewEmitter constructs an Emitter backed by store.
func NewEmitter(store storage.Store, log *logrus.Logger) *Emitter {
	return &Emitter{
		store: store,
		log:   log,
		typed: make(map[model.EventKind][]Handler),
	}
}

// On registers handler for a specific event kind.
func (em *Emitter) On(kind model.EventKind, handler Handler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.typed[kind] = append(em.typed[kind], handler)
}

// OnAll registers handler for every event kind.
func (em *Emitter) OnAll(handler Handler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.wildcard = append(em.wildcard, handler)
}

// Emit persists e (unless SkipPersist) and then dispatches it to every
// matching handler, typed first, then wildcard, each in an isolated failure
// scope. The returned error only reflects a persistence failure; handler
// errors are logged, not returned, so one failing handler never blocks another.
func (em *Emitter) Emit(ctx context.Context, tenant storage.TenantHandle, e model.Event, opts EmitOptions) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if !opts.SkipPersist {
		if err := em.store.AppendEvent(ctx, tenant, &e); err != nil {
			return err
		}
	}

	if opts.SkipHandlers {
		return nil
	}

	em.mu.RLock()
	typed := append([]Handler(nil), em.typed[e.Kind]...)
	wildcard := append([]Handler(nil), em.wildcard...)
	em.mu.RUnlock()

	for _, h := range typed {
		em.runIsolated(ctx, h, e)
	}
	for _, h := range wildcard {
		em.runIsolated(ctx, h, e)
	}
	return nil
}

func (em *Emitter) runIsolated(ctx context.Context, h Handler, e model.Event) {
	defer func() {
		if r := recover(); r != nil {
			em.log.WithFields(logrus.Fields{
				"event_id":   e.ID,
				"event_kind": e.Kind,
				"panic":      r,
			}).Error("event handler panicked")
		}
	}()
	if err := h(ctx, e); err != nil {
		em.log.WithFields(logrus.Fields{
			"event_id":   e.ID,
			"event_kind": e.Kind,
			"error":      err,
		}).Error("event handler failed")
	}
}
