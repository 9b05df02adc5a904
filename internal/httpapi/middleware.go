package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jnarwell/trellis/internal/auth"
	"github.com/jnarwell/trellis/internal/kernelerr"
)

func unauthorized(msg string) error {
	return kernelerr.New(kernelerr.PermissionDenied, msg)
}

type ctxKey int

const (
	ctxTenantID ctxKey = iota
	ctxActorID
	ctxRoles
	ctxRequestID
)

var publicPaths = map[string]bool{
	"/health":       true,
	"/ready":        true,
	"/metrics":      true,
	"/auth/login":   true,
	"/auth/refresh": true,
	"/subscribe":    true, // authenticates itself via the WS protocol's own auth message
}

// withRequestID assigns a request id to every inbound request and echoes it
// back on the response, so failures can be correlated across logs.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware validates the bearer access token on every non-public route
// and attaches tenant/actor/roles to the request context.
func authMiddleware(issuer *auth.Issuer, log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			reqID, _ := r.Context().Value(ctxRequestID).(string)
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, reqID, unauthorized("missing bearer token"))
				return
			}
			claims, err := issuer.ParseAccess(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeError(w, reqID, err)
				return
			}

			ctx := context.WithValue(r.Context(), ctxTenantID, claims.TenantID)
			ctx = context.WithValue(ctx, ctxActorID, claims.ActorID)
			ctx = context.WithValue(ctx, ctxRoles, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxTenantID).(string)
	return v
}

func actorFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxActorID).(string)
	return v
}

func requestIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxRequestID).(string)
	return v
}

func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
