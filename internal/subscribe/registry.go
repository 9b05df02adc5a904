// Package subscribe implements the real-time subscription fabric (spec
// component J): a tenant-sharded registry of WebSocket subscriptions that
// broadcasts each emitted event to every matching, still-open socket.
package subscribe

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jnarwell/trellis/internal/model"
)

const shardCount = 16

// Filter narrows which events a Subscription receives. Every populated field
// must match; empty fields are wildcards.
type Filter struct {
	EntityType string // path-prefix match, e.g. "product" matches "product.variant"
	EntityID   string // exact match
	EventTypes []model.EventKind
}

func (f Filter) matches(tenantID string, e model.Event, entityType string) bool {
	if f.EntityID != "" && f.EntityID != e.EntityID {
		return false
	}
	if f.EntityType != "" && !matchesTypePrefix(entityType, f.EntityType) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, k := range f.EventTypes {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchesTypePrefix(entityType, want string) bool {
	return entityType == want || strings.HasPrefix(entityType, want+".")
}

// Transport is the minimal socket surface the registry needs, satisfied by
// *websocket.Conn in production and a fake in tests.
type Transport interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Subscription is one client's registered interest.
type Subscription struct {
	ID       string
	TenantID string
	Socket   Transport
	Filter   Filter
}

// Registry is the process-wide, tenant-sharded subscription table. Sharding
// by tenant keeps lock contention local to one tenant's traffic instead of a
// single global mutex serializing every tenant's subscribe/broadcast calls.
type Registry struct {
	shards [shardCount]*shard
}

type shard struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription      // subscription id -> subscription
	bySocket map[Transport]map[string]bool // socket -> set of subscription ids it owns
}

// NewRegistry constructs an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{
			subs:     make(map[string]*Subscription),
			bySocket: make(map[Transport]map[string]bool),
		}
	}
	return r
}

func (r *Registry) shardFor(tenantID string) *shard {
	h := fnv32(tenantID)
	return r.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Subscribe registers a new subscription and returns its id.
func (r *Registry) Subscribe(tenantID string, socket Transport, filter Filter) string {
	sh := r.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	id := uuid.NewString()
	sh.subs[id] = &Subscription{ID: id, TenantID: tenantID, Socket: socket, Filter: filter}
	if sh.bySocket[socket] == nil {
		sh.bySocket[socket] = make(map[string]bool)
	}
	sh.bySocket[socket][id] = true
	return id
}

// Unsubscribe removes subscriptionID from tenantID's shard, reporting whether
// it existed.
func (r *Registry) Unsubscribe(tenantID, subscriptionID string) bool {
	sh := r.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sub, ok := sh.subs[subscriptionID]
	if !ok {
		return false
	}
	delete(sh.subs, subscriptionID)
	delete(sh.bySocket[sub.Socket], subscriptionID)
	if len(sh.bySocket[sub.Socket]) == 0 {
		delete(sh.bySocket, sub.Socket)
	}
	return true
}

// RemoveSocket drops every subscription owned by socket, called synchronously
// when the transport closes.
func (r *Registry) RemoveSocket(tenantID string, socket Transport) {
	sh := r.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for id := range sh.bySocket[socket] {
		delete(sh.subs, id)
	}
	delete(sh.bySocket, socket)
}

// Broadcast enumerates every subscription in tenantID's shard matching e and
// writes the event frame to each one's still-open socket. entityType is the
// type_path of e.EntityID, resolved by the caller (the entity service knows
// it without another storage round trip; the registry never touches
// storage). A write error drops that socket's subscriptions silently —
// broadcast is at-most-once, no buffering for a disconnected client.
func (r *Registry) Broadcast(tenantID string, e model.Event, entityType string) {
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	var matched []*Subscription
	for _, sub := range sh.subs {
		if sub.TenantID != tenantID {
			continue
		}
		if sub.Filter.matches(tenantID, e, entityType) {
			matched = append(matched, sub)
		}
	}
	sh.mu.RUnlock()

	frame := map[string]interface{}{"type": "event", "subscription_id": "", "event": e}
	for _, sub := range matched {
		frame["subscription_id"] = sub.ID
		if err := sub.Socket.WriteJSON(frame); err != nil {
			r.RemoveSocket(tenantID, sub.Socket)
		}
	}
}

// Count returns the number of live subscriptions for tenantID, used by
// tests.
func (r *Registry) Count(tenantID string) int {
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	n := 0
	for _, s := range sh.subs {
		if s.TenantID == tenantID {
			n++
		}
	}
	return n
}
