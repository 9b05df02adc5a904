package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/storage"
)

type createEntityRequest struct {
	Type       string                         `json:"type"`
	Properties map[string]model.PropertyInput `json:"properties"`
}

type updateEntityRequest struct {
	Version          int64                          `json:"version"`
	SetProperties    map[string]model.PropertyInput `json:"set_properties,omitempty"`
	RemoveProperties []string                       `json:"remove_properties,omitempty"`
}

// handleEntitiesCollection serves POST /entities.
func (s *Server) handleEntitiesCollection(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	h := storage.NewTenantHandle(tenantFrom(r))

	if r.Method != http.MethodPost {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "method not allowed"))
		return
	}

	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "invalid JSON body"))
		return
	}
	if req.Type == "" {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "type is required"))
		return
	}

	e, err := s.entities.Create(r.Context(), h, req.Type, req.Properties, actorFrom(r))
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"entity": e})
}

// handleEntityItem serves GET/PUT/DELETE /entities/:id.
func (s *Server) handleEntityItem(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	h := storage.NewTenantHandle(tenantFrom(r))
	id := extractID(r.URL.Path, "/entities/")
	if id == "" {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "missing entity id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		resolveInherited := r.URL.Query().Get("resolve_inherited") == "true"
		evaluateComputed := r.URL.Query().Get("evaluate_computed") == "true"
		e, err := s.entities.Get(r.Context(), h, id, resolveInherited, evaluateComputed)
		if err != nil {
			writeError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entity": e})

	case http.MethodPut:
		var req updateEntityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "invalid JSON body"))
			return
		}
		e, err := s.entities.Update(r.Context(), h, id, req.Version, req.SetProperties, req.RemoveProperties, actorFrom(r))
		if err != nil {
			writeError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entity": e})

	case http.MethodDelete:
		hardDelete, _ := strconv.ParseBool(r.URL.Query().Get("hard_delete"))
		if err := s.entities.Delete(r.Context(), h, id, hardDelete, actorFrom(r)); err != nil {
			writeError(w, reqID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "method not allowed"))
	}
}
