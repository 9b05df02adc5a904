package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jnarwell/trellis/internal/kernelerr"
)

type loginRequest struct {
	TenantID    string   `json:"tenant_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogin issues a fresh access/refresh pair for the given tenant/actor.
// There is no credential check here: tenant/actor provisioning is an
// upstream concern and this endpoint is pure token minting.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	if r.Method != http.MethodPost {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "method not allowed"))
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "invalid JSON body"))
		return
	}
	if req.TenantID == "" || req.ActorID == "" {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "tenant_id and actor_id are required"))
		return
	}

	pair, err := s.issuer.Issue(req.TenantID, req.ActorID, req.Roles, req.Permissions)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	if r.Method != http.MethodPost {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "method not allowed"))
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "invalid JSON body"))
		return
	}

	pair, err := s.issuer.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
