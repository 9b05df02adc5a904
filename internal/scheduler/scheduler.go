// Package scheduler runs the kernel's periodic background sweeps: a
// staleness-reconciliation pass that catches any computed property a crashed
// event handler left stale, and a lightweight access-token janitor.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/jnarwell/trellis/internal/compute"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/query"
	"github.com/jnarwell/trellis/internal/storage"
)

// Scheduler owns a cron.Cron instance and the dependencies its jobs need.
type Scheduler struct {
	cron    *cron.Cron
	store   storage.Store
	compute *compute.Service
	log     *logrus.Logger

	// Tenants lists every tenant schema the sweep should visit. The kernel
	// has no tenant registry of its own (tenant provisioning is an upstream
	// concern); the caller supplies the list it knows about.
	Tenants func() []string
}

// New constructs a Scheduler. Call Start after registering jobs.
func New(store storage.Store, comp *compute.Service, log *logrus.Logger, tenants func() []string) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		compute: comp,
		log:     log,
		Tenants: tenants,
	}
}

// RegisterStalenessSweep schedules a sweep over every stale/pending computed
// property in every known tenant, at the given cron expression.
func (s *Scheduler) RegisterStalenessSweep(spec string) error {
	_, err := s.cron.AddFunc(spec, func() { s.runStalenessSweep(context.Background()) })
	return err
}

// RegisterTokenJanitor schedules the token janitor at spec. Access and
// refresh tokens are stateless signed JWTs with no server-side session
// table (see internal/auth), so there is nothing to expire out of storage;
// the janitor's only job is to log a liveness heartbeat operators can use to
// confirm the scheduler itself is still running.
func (s *Scheduler) RegisterTokenJanitor(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Debug("token janitor heartbeat: tokens are stateless JWTs, nothing to sweep")
	})
	return err
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

func (s *Scheduler) runStalenessSweep(ctx context.Context) {
	if s.Tenants == nil {
		return
	}
	for _, tenantID := range s.Tenants() {
		h := storage.NewTenantHandle(tenantID)
		s.sweepTenant(ctx, h)
	}
}

func (s *Scheduler) sweepTenant(ctx context.Context, h storage.TenantHandle) {
	const pageSize = 200
	offset := 0
	for {
		page, err := s.store.QueryEntities(ctx, h, query.Request{TenantID: h.TenantID, Limit: pageSize, Offset: offset})
		if err != nil {
			s.log.WithError(err).WithField("tenant_id", h.TenantID).Warn("staleness sweep: query failed")
			return
		}
		for _, e := range page.Entities {
			if !hasStaleOrPending(&e) {
				continue
			}
			if _, err := s.compute.Refresh(ctx, h, e.ID, compute.FilterStaleOrPending); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{"tenant_id": h.TenantID, "entity_id": e.ID}).
					Warn("staleness sweep: refresh failed")
			}
		}
		if len(page.Entities) < pageSize {
			return
		}
		offset += pageSize
	}
}

func hasStaleOrPending(e *model.Entity) bool {
	for _, p := range e.Properties {
		if p.Kind != model.PropertyComputed {
			continue
		}
		if p.Status == model.StatusStale || p.Status == model.StatusPending {
			return true
		}
	}
	return false
}
