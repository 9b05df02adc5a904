package subscribe

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jnarwell/trellis/internal/model"
)

// clientMessage is the union of every shape a client may send; only the
// fields relevant to Type are populated.
type clientMessage struct {
	Type           string             `json:"type"`
	TenantID       string             `json:"tenant_id,omitempty"`
	ActorID        string             `json:"actor_id,omitempty"`
	EntityType     string             `json:"entity_type,omitempty"`
	EntityID       string             `json:"entity_id,omitempty"`
	EventTypes     []model.EventKind  `json:"event_types,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
}

func serverMessage(msgType string, fields map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"type": msgType}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP connections to WebSocket and runs the
// auth/subscribe/unsubscribe/ping protocol loop per connection, registering
// and tearing down subscriptions against Registry.
type Handler struct {
	registry    *Registry
	log         *logrus.Logger
	idleTimeout time.Duration
}

// NewHandler constructs a Handler over registry.
func NewHandler(registry *Registry, log *logrus.Logger, idleTimeout time.Duration) *Handler {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Handler{registry: registry, log: log, idleTimeout: idleTimeout}
}

// ServeHTTP upgrades the connection and blocks running the protocol loop
// until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	h.serve(conn)
}

func (h *Handler) serve(conn *websocket.Conn) {
	defer conn.Close()

	var tenantID string
	authenticated := false

	conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		return nil
	})

	defer func() {
		if tenantID != "" {
			h.registry.RemoveSocket(tenantID, conn)
		}
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.idleTimeout))

		switch msg.Type {
		case "auth":
			tenantID = msg.TenantID
			authenticated = true
			h.write(conn, serverMessage("authenticated", nil))

		case "subscribe":
			if !authenticated {
				h.write(conn, errorFrame("AUTH_REQUIRED", "send an auth message before subscribing"))
				continue
			}
			id := h.registry.Subscribe(tenantID, conn, Filter{
				EntityType: msg.EntityType,
				EntityID:   msg.EntityID,
				EventTypes: msg.EventTypes,
			})
			h.write(conn, serverMessage("subscribed", map[string]interface{}{"subscription_id": id}))

		case "unsubscribe":
			if !authenticated {
				h.write(conn, errorFrame("AUTH_REQUIRED", "send an auth message before unsubscribing"))
				continue
			}
			if h.registry.Unsubscribe(tenantID, msg.SubscriptionID) {
				h.write(conn, serverMessage("unsubscribed", map[string]interface{}{"subscription_id": msg.SubscriptionID}))
			} else {
				h.write(conn, errorFrame("SUBSCRIPTION_NOT_FOUND", "no such subscription: "+msg.SubscriptionID))
			}

		case "ping":
			h.write(conn, serverMessage("pong", nil))

		default:
			if !authenticated {
				h.write(conn, errorFrame("AUTH_REQUIRED", "send an auth message before subscribing"))
				continue
			}
			h.write(conn, errorFrame("UNKNOWN_MESSAGE_TYPE", "unrecognized message type: "+msg.Type))
		}
	}
}

func errorFrame(code, message string) map[string]interface{} {
	return serverMessage("error", map[string]interface{}{"code": code, "message": message})
}

func (h *Handler) write(conn *websocket.Conn, v map[string]interface{}) {
	if err := conn.WriteJSON(v); err != nil {
		h.log.WithError(err).Debug("websocket write failed")
	}
}
