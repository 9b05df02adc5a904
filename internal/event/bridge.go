package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jnarwell/trellis/internal/model"
)

// ExternalBridge publishes every emitted event onto a NATS JetStream stream,
// subject-namespaced per tenant, for consumers outside the kernel process
// (audit pipelines, downstream integrations). cmd/server registers Publish
// with Emitter.On for each event kind it forwards.
type ExternalBridge struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// NewExternalBridge connects to nc and ensures the stream exists, subscribing
// to "<stream>.*.events" so every tenant's subject lands in one stream.
func NewExternalBridge(ctx context.Context, nc *nats.Conn, stream string) (*ExternalBridge, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{stream + ".*.events"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("create or update stream %s: %w", stream, err)
	}

	return &ExternalBridge{nc: nc, js: js, stream: stream}, nil
}

type wireEvent struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	Kind       model.EventKind        `json:"event_type"`
	EntityID   string                 `json:"entity_id,omitempty"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Publish is an event.Handler: register it via Emitter.OnAll to mirror every
// persisted event onto the bridge's stream.
func (b *ExternalBridge) Publish(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(wireEvent{
		ID: e.ID, TenantID: e.TenantID, Kind: e.Kind,
		EntityID: e.EntityID, ActorID: e.ActorID,
		Payload: e.Payload, OccurredAt: e.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal bridged event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.events", b.stream, e.TenantID)
	_, err = b.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publish bridged event: %w", err)
	}
	return nil
}
