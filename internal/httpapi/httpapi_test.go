package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/trellis/internal/auth"
	"github.com/jnarwell/trellis/internal/compute"
	"github.com/jnarwell/trellis/internal/event"
	"github.com/jnarwell/trellis/internal/kernel"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/staleness"
	"github.com/jnarwell/trellis/internal/storage"
)

func newTestServer(t *testing.T) (http.Handler, *auth.Issuer) {
	store := storage.NewMemStore()
	h := storage.NewTenantHandle("acme")
	require.NoError(t, store.CreateTenantSchema(context.Background(), h))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	emitter := event.NewEmitter(store, log)
	idx := staleness.NewIndex()
	prop := staleness.NewPropagator(idx, store, log)
	emitter.On(model.EventPropertyChanged, prop.Handle)
	comp := compute.NewService(store)

	entities := kernel.NewEntityService(store, emitter, idx, comp, false)
	relationships := kernel.NewRelationshipService(store, emitter)
	issuer := auth.NewIssuer("test-secret", time.Minute, time.Hour)

	return New(store, entities, relationships, issuer, nil, nil, log, nil), issuer
}

func authedRequest(t *testing.T, issuer *auth.Issuer, method, path string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	pair, err := issuer.Issue("acme", "user-1", nil, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	return req
}

func TestHealthIsPublic(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEntitiesRequiresAuth(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/entities", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAndGetEntity(t *testing.T) {
	handler, issuer := newTestServer(t)

	createBody := map[string]interface{}{
		"type": "widget",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"kind": "literal", "value": map[string]interface{}{"kind": "text", "value": "gadget"}},
		},
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodPost, "/entities", createBody))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	var entity struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal(created["entity"], &entity))
	require.NotEmpty(t, entity.ID)
	require.Equal(t, int64(1), entity.Version)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, authedRequest(t, issuer, http.MethodGet, "/entities/"+entity.ID, nil))
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestGetMissingEntityReturnsNotFound(t *testing.T) {
	handler, issuer := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodGet, "/entities/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NOT_FOUND", body.Code)
}

func TestLoginIssuesTokenPair(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	body := map[string]interface{}{"tenant_id": "acme", "actor_id": "user-1"}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", &buf))
	require.Equal(t, http.StatusOK, rec.Code)

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.Equal(t, "Bearer", pair.TokenType)
}
