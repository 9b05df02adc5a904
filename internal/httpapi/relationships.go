package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/storage"
	"github.com/jnarwell/trellis/internal/value"
)

type createRelationshipRequest struct {
	Type       string                 `json:"type"`
	FromEntity string                 `json:"from_entity"`
	ToEntity   string                 `json:"to_entity"`
	Metadata   map[string]value.Value `json:"metadata,omitempty"`
}

// handleRelationshipsCollection serves POST /relationships and GET
// /relationships?entity_id&type&direction.
func (s *Server) handleRelationshipsCollection(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	h := storage.NewTenantHandle(tenantFrom(r))

	switch r.Method {
	case http.MethodPost:
		var req createRelationshipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "invalid JSON body"))
			return
		}
		if req.Type == "" || req.FromEntity == "" || req.ToEntity == "" {
			writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "type, from_entity and to_entity are required"))
			return
		}
		rel, err := s.relationships.Create(r.Context(), h, req.Type, req.FromEntity, req.ToEntity, req.Metadata, actorFrom(r))
		if err != nil {
			writeError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"relationship": rel})

	case http.MethodGet:
		q := r.URL.Query()
		entityID := q.Get("entity_id")
		if entityID == "" {
			writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "entity_id is required"))
			return
		}
		rels, err := s.relationships.List(r.Context(), h, entityID, q.Get("type"), q.Get("direction"))
		if err != nil {
			writeError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"relationships": rels})

	default:
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "method not allowed"))
	}
}

// handleRelationshipItem serves DELETE /relationships/:id.
func (s *Server) handleRelationshipItem(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	h := storage.NewTenantHandle(tenantFrom(r))
	id := extractID(r.URL.Path, "/relationships/")
	if id == "" {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "missing relationship id"))
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "method not allowed"))
		return
	}
	if err := s.relationships.Delete(r.Context(), h, id, actorFrom(r)); err != nil {
		writeError(w, reqID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
