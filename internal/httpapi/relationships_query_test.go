package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnarwell/trellis/internal/auth"
)

func createTestEntity(t *testing.T, handler http.Handler, issuer *auth.Issuer, entityType string) string {
	t.Helper()
	body := map[string]interface{}{"type": entityType}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodPost, "/entities", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	var entity struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created["entity"], &entity))
	return entity.ID
}

func TestCreateAndListRelationships(t *testing.T) {
	handler, issuer := newTestServer(t)
	from := createTestEntity(t, handler, issuer, "widget")
	to := createTestEntity(t, handler, issuer, "org")

	createBody := map[string]interface{}{
		"type":        "parent_org",
		"from_entity": from,
		"to_entity":   to,
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodPost, "/relationships", createBody))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, authedRequest(t, issuer, http.MethodGet, "/relationships?entity_id="+from, nil))
	require.Equal(t, http.StatusOK, rec2.Code)

	var listed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &listed))
	var rels []map[string]interface{}
	require.NoError(t, json.Unmarshal(listed["relationships"], &rels))
	require.Len(t, rels, 1)
}

func TestCreateRelationshipRejectsMissingFields(t *testing.T) {
	handler, issuer := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodPost, "/relationships", map[string]interface{}{"type": "parent_org"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRelationshipsRequiresEntityID(t *testing.T) {
	handler, issuer := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodGet, "/relationships", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteRelationship(t *testing.T) {
	handler, issuer := newTestServer(t)
	from := createTestEntity(t, handler, issuer, "widget")
	to := createTestEntity(t, handler, issuer, "org")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodPost, "/relationships", map[string]interface{}{
		"type": "parent_org", "from_entity": from, "to_entity": to,
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	var rel struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created["relationship"], &rel))

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, authedRequest(t, issuer, http.MethodDelete, "/relationships/"+rel.ID, nil))
	require.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestDeleteRelationshipMissingIDIsBadRequest(t *testing.T) {
	handler, issuer := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodDelete, "/relationships/", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryReturnsMatchingEntitiesByType(t *testing.T) {
	handler, issuer := newTestServer(t)
	createTestEntity(t, handler, issuer, "widget")
	createTestEntity(t, handler, issuer, "widget")
	createTestEntity(t, handler, issuer, "gadget")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodPost, "/query", map[string]interface{}{
		"type": "widget",
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
}

func TestQueryWithFilterCondition(t *testing.T) {
	handler, issuer := newTestServer(t)
	createBody := map[string]interface{}{
		"type": "widget",
		"properties": map[string]interface{}{
			"price": map[string]interface{}{"kind": "literal", "value": map[string]interface{}{"kind": "number", "value": 25}},
		},
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodPost, "/entities", createBody))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, authedRequest(t, issuer, http.MethodPost, "/query", map[string]interface{}{
		"type": "widget",
		"filter": map[string]interface{}{
			"condition": map[string]interface{}{"property": "price", "op": "gte", "value": float64(10)},
		},
	}))
	require.Equal(t, http.StatusOK, rec2.Code)

	var body struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
}

func TestQueryRejectsNonPostMethod(t *testing.T) {
	handler, issuer := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(t, issuer, http.MethodGet, "/query", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryRejectsInvalidJSON(t *testing.T) {
	handler, issuer := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewBufferString("{not json"))
	pair, err := issuer.Issue("acme", "user-1", nil, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
