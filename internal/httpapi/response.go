// Package httpapi exposes the entity/relationship/query/auth/subscription
// surface over net/http, translating kernelerr.Error into an HTTP status
// code and a structured JSON error body.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/jnarwell/trellis/internal/kernelerr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// errorBody is the wire shape every failed request returns.
type errorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

var statusForKind = map[kernelerr.Kind]int{
	kernelerr.NotFound:           http.StatusNotFound,
	kernelerr.AlreadyExists:      http.StatusConflict,
	kernelerr.VersionConflict:    http.StatusConflict,
	kernelerr.ValidationError:    http.StatusBadRequest,
	kernelerr.TypeMismatch:       http.StatusBadRequest,
	kernelerr.PermissionDenied:   http.StatusForbidden,
	kernelerr.TenantMismatch:     http.StatusForbidden,
	kernelerr.CircularDependency: http.StatusUnprocessableEntity,
	kernelerr.InvalidExpression:  http.StatusBadRequest,
	kernelerr.ReferenceBroken:    http.StatusUnprocessableEntity,
}

// writeError maps err to its documented status code and body. Errors that
// aren't a *kernelerr.Error are masked as INTERNAL_ERROR with no detail to
// avoid leaking internal failure detail to clients.
func writeError(w http.ResponseWriter, requestID string, err error) {
	kind := kernelerr.KindOf(err)
	status, ok := statusForKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := errorBody{Code: string(kind), RequestID: requestID}
	var ke *kernelerr.Error
	if asKernelErr(err, &ke) {
		body.Message = ke.Message
		body.Details = ke.Details
	} else {
		body.Message = "internal error"
		body.Code = string(kernelerr.Internal)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, body)
}

func asKernelErr(err error, target **kernelerr.Error) bool {
	for err != nil {
		if ke, ok := err.(*kernelerr.Error); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newRequestID() string {
	return uuid.NewString()
}

// extractID pulls the trailing path segment after prefix, e.g.
// extractID("/entities/abc", "/entities/") == "abc".
func extractID(path, prefix string) string {
	if len(path) <= len(prefix) {
		return ""
	}
	return path[len(prefix):]
}
