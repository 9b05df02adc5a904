package httpapi

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/jnarwell/trellis/internal/auth"
	"github.com/jnarwell/trellis/internal/kernel"
	"github.com/jnarwell/trellis/internal/metrics"
	"github.com/jnarwell/trellis/internal/storage"
	"github.com/jnarwell/trellis/internal/subscribe"
)

// Server bundles every dependency the HTTP handlers need and builds the
// routed, middleware-wrapped http.Handler New returns.
type Server struct {
	store         storage.Store
	entities      *kernel.EntityService
	relationships *kernel.RelationshipService
	issuer        *auth.Issuer
	subHandler    *subscribe.Handler
	metrics       *metrics.Registry
	log           *logrus.Logger
	readyCheck    func(context.Context) error
}

// New constructs the routed handler. subHandler and metricsReg may be nil in
// configurations that don't need them (e.g. a unit test exercising only the
// entity CRUD routes).
func New(
	store storage.Store,
	entities *kernel.EntityService,
	relationships *kernel.RelationshipService,
	issuer *auth.Issuer,
	subHandler *subscribe.Handler,
	metricsReg *metrics.Registry,
	log *logrus.Logger,
	readyCheck func(context.Context) error,
) http.Handler {
	s := &Server{
		store:         store,
		entities:      entities,
		relationships: relationships,
		issuer:        issuer,
		subHandler:    subHandler,
		metrics:       metricsReg,
		log:           log,
		readyCheck:    readyCheck,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if metricsReg != nil {
		mux.Handle("/metrics", metricsReg.Handler())
	}
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/auth/refresh", s.handleRefresh)

	mux.HandleFunc("/entities", s.handleEntitiesCollection)
	mux.HandleFunc("/entities/", s.handleEntityItem)
	mux.HandleFunc("/relationships", s.handleRelationshipsCollection)
	mux.HandleFunc("/relationships/", s.handleRelationshipItem)
	mux.HandleFunc("/query", s.handleQuery)

	if subHandler != nil {
		mux.Handle("/subscribe", subHandler)
	}

	return chain(mux, corsMiddleware, withRequestID, authMiddleware(issuer, log))
}
