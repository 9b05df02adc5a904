package subscribe

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Registry, *httptest.Server) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	registry := NewRegistry()
	handler := NewHandler(registry, log, time.Second)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return registry, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProtocolRejectsSubscribeBeforeAuth(t *testing.T) {
	_, srv := newTestHandler(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "entity_type": "widget"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "error", reply["type"])
	require.Equal(t, "AUTH_REQUIRED", reply["code"])
}

func TestProtocolAuthSubscribeUnsubscribe(t *testing.T) {
	registry, srv := newTestHandler(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth", "tenant_id": "acme"}))
	var authReply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&authReply))
	require.Equal(t, "authenticated", authReply["type"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "entity_type": "widget"}))
	var subReply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&subReply))
	require.Equal(t, "subscribed", subReply["type"])
	subID, _ := subReply["subscription_id"].(string)
	require.NotEmpty(t, subID)
	require.Eventually(t, func() bool { return registry.Count("acme") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "unsubscribe", "subscription_id": subID}))
	var unsubReply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&unsubReply))
	require.Equal(t, "unsubscribed", unsubReply["type"])
	require.Equal(t, 0, registry.Count("acme"))
}

func TestProtocolUnsubscribeUnknownIDReturnsError(t *testing.T) {
	_, srv := newTestHandler(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth", "tenant_id": "acme"}))
	var authReply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&authReply))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "unsubscribe", "subscription_id": "bogus"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "error", reply["type"])
	require.Equal(t, "SUBSCRIPTION_NOT_FOUND", reply["code"])
}

func TestProtocolPing(t *testing.T) {
	_, srv := newTestHandler(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "pong", reply["type"])
}

func TestProtocolUnknownMessageTypeAfterAuth(t *testing.T) {
	_, srv := newTestHandler(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth", "tenant_id": "acme"}))
	var authReply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&authReply))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "bogus"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "error", reply["type"])
	require.Equal(t, "UNKNOWN_MESSAGE_TYPE", reply["code"])
}

func TestProtocolClosingSocketRemovesSubscriptions(t *testing.T) {
	registry, srv := newTestHandler(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth", "tenant_id": "acme"}))
	var authReply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&authReply))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "entity_type": "widget"}))
	var subReply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&subReply))
	require.Eventually(t, func() bool { return registry.Count("acme") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return registry.Count("acme") == 0 }, time.Second, 10*time.Millisecond)
}
