// Package api exposes the certificate lifecycle over a JSON REST surface.
package api

import (
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/mfairley/certflow/activity"
	"github.com/mfairley/certflow/engine"
	"github.com/mfairley/certflow/scheduler"
)

// ActivityLister serves the activity endpoint; the bbolt log implements it.
type ActivityLister interface {
	List(limit int) ([]activity.Event, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine *engine.Engine
	sched  *scheduler.Scheduler
	events ActivityLister
	logger *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithScheduler exposes the scheduler control endpoints.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(a *API) { a.sched = s }
}

// WithActivityLog exposes the activity listing endpoint.
func WithActivityLog(l ActivityLister) Option {
	return func(a *API) { a.events = l }
}

// New creates a new API instance.
func New(e *engine.Engine, opts ...Option) *API {
	a := &API{engine: e}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/certificates", a.ListCertificates)
	r.Post("/certificates", a.CreateCertificate)

	r.Route("/certificates/{fingerprint}", func(r chi.Router) {
		r.Get("/", a.GetCertificate)
		r.Delete("/", a.DeleteCertificate)
		r.Post("/renew", a.RenewCertificate)
		r.Post("/deploy", a.DeployCertificate)
		r.Patch("/config", a.UpdateCertificateConfig)
		r.Post("/sans", a.AddSAN)
		r.Delete("/sans/{entry}", a.RemoveSAN)
	})

	r.Get("/scheduler", a.SchedulerStatus)
	r.Post("/scheduler/run", a.SchedulerRun)
	r.Put("/scheduler/schedule", a.Reschedule)
	r.Post("/scheduler/watcher/restart", a.RestartWatcher)

	r.Post("/system/rotate-key", a.RotateMasterKey)
	r.Post("/system/refresh", a.RefreshStore)

	r.Get("/activity", a.ListActivity)

	return r
}
