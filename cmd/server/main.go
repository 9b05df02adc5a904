package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/jnarwell/trellis/internal/auth"
	"github.com/jnarwell/trellis/internal/compute"
	"github.com/jnarwell/trellis/internal/config"
	"github.com/jnarwell/trellis/internal/event"
	"github.com/jnarwell/trellis/internal/httpapi"
	"github.com/jnarwell/trellis/internal/kernel"
	"github.com/jnarwell/trellis/internal/logging"
	"github.com/jnarwell/trellis/internal/metrics"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/scheduler"
	"github.com/jnarwell/trellis/internal/staleness"
	"github.com/jnarwell/trellis/internal/storage"
	"github.com/jnarwell/trellis/internal/subscribe"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer pool.Close()

	store := storage.New(pool)

	defaultTenant := getEnv("TRELLIS_DEFAULT_TENANT", "default")
	h := storage.NewTenantHandle(defaultTenant)
	if err := store.CreateTenantSchema(ctx, h); err != nil {
		log.WithError(err).Warn("create default tenant schema (may already exist)")
	}

	emitter := event.NewEmitter(store, log.Logger)

	var bridge *event.ExternalBridge
	if nc, err := nats.Connect(cfg.NATSUrl); err != nil {
		log.WithError(err).Warn("connect to NATS, external event bridge disabled")
	} else {
		defer nc.Close()
		b, err := event.NewExternalBridge(ctx, nc, "TRELLIS_EVENTS")
		if err != nil {
			log.WithError(err).Warn("start external event bridge")
		} else {
			bridge = b
			emitter.On(model.EventEntityCreated, bridge.Publish)
			emitter.On(model.EventEntityUpdated, bridge.Publish)
			emitter.On(model.EventEntityDeleted, bridge.Publish)
			emitter.On(model.EventPropertyChanged, bridge.Publish)
			emitter.On(model.EventRelationshipCreated, bridge.Publish)
			emitter.On(model.EventRelationshipDeleted, bridge.Publish)
		}
	}

	idx := staleness.NewIndex()
	prop := staleness.NewPropagator(idx, store, log.Logger)
	emitter.On(model.EventPropertyChanged, prop.Handle)

	comp := compute.NewService(store)

	entities := kernel.NewEntityService(store, emitter, idx, comp, cfg.EvaluateOnWrite)
	relationships := kernel.NewRelationshipService(store, emitter)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)

	registry := subscribe.NewRegistry()
	subHandler := subscribe.NewHandler(registry, log.Logger, cfg.SubscriptionIdleTimeout)
	broadcast := func(ctx context.Context, e model.Event) error {
		entityType, _ := e.Payload["entity_type"].(string)
		registry.Broadcast(e.TenantID, e, entityType)
		return nil
	}
	emitter.On(model.EventEntityCreated, broadcast)
	emitter.On(model.EventEntityUpdated, broadcast)
	emitter.On(model.EventEntityDeleted, broadcast)
	emitter.On(model.EventPropertyChanged, broadcast)
	emitter.On(model.EventRelationshipCreated, broadcast)
	emitter.On(model.EventRelationshipDeleted, broadcast)

	metricsReg := metrics.New()

	readyCheck := func(ctx context.Context) error { return pool.Ping(ctx) }

	handler := httpapi.New(store, entities, relationships, issuer, subHandler, metricsReg, log.Logger, readyCheck)

	// Tenant provisioning lives upstream of Trellis; the scheduler only
	// knows the tenants it has been told about at startup.
	sched := scheduler.New(store, comp, log.Logger, func() []string { return []string{defaultTenant} })
	if err := sched.RegisterStalenessSweep(cfg.StalenessSweepCron); err != nil {
		log.WithError(err).Fatal("register staleness sweep")
	}
	if err := sched.RegisterTokenJanitor(cfg.TokenJanitorCron); err != nil {
		log.WithError(err).Fatal("register token janitor")
	}
	sched.Start()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("trellis server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	stopped := sched.Stop()
	<-stopped.Done()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
