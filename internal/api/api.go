// Package api serves the HTTP boot endpoints and the operator API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/allocator"
	"github.com/jbweber/homelab/director/internal/blob"
	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/events"
	"github.com/jbweber/homelab/director/internal/lifecycle"
	"github.com/jbweber/homelab/director/internal/registry"
	"github.com/jbweber/homelab/director/internal/repository"
)

// EventHandler applies lifecycle events. *lifecycle.Machine satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev lifecycle.Event) (lifecycle.Result, error)
	Forget(uuid string)
}

// Config configures the HTTP surface.
type Config struct {
	// PublicURL is the base URL devices use to reach this server. When
	// empty it is derived from the request's Host header.
	PublicURL string

	// JWTSecret enables bearer token checks on operator mutations.
	JWTSecret []byte
}

// API holds the dependencies shared by every handler group.
type API struct {
	cfg      Config
	ds       *datastore.Datastore
	registry *registry.Registry
	machine  EventHandler
	alloc    *allocator.Allocator
	blobs    blob.Storage
	hub      *Hub
	clock    clock.Clock
	logger   *zap.Logger
}

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewAPI creates the API. Transitions published on bus are streamed to
// websocket clients until Close is called.
func NewAPI(
	cfg Config,
	ds *datastore.Datastore,
	reg *registry.Registry,
	machine EventHandler,
	alloc *allocator.Allocator,
	blobs blob.Storage,
	bus *events.Bus,
	clk clock.Clock,
	logger *zap.Logger,
) *API {
	logger = logger.Named("api")
	return &API{
		cfg:      cfg,
		ds:       ds,
		registry: reg,
		machine:  machine,
		alloc:    alloc,
		blobs:    blobs,
		hub:      NewHub(bus, logger),
		clock:    clk,
		logger:   logger,
	}
}

// Close disconnects event stream clients.
func (a *API) Close() {
	a.hub.Close()
}

// Router returns a chi router with every route registered.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Boot endpoints group, reached by iPXE
	boot := NewBoot(a.registry, a.machine, a.blobs, a.cfg.PublicURL, a.logger)
	r.Route("/boot", func(r chi.Router) {
		r.Get("/ipxe", boot.IPXEHandler)
		r.Get("/artifacts/*", boot.ArtifactHandler)
	})

	auth := RequireToken(a.cfg.JWTSecret, a.clock, a.logger)

	// Devices endpoints group
	devices := NewDevices(a.ds, a.registry, a.machine, a.alloc, a.logger)
	r.Route("/api/v1/devices", func(r chi.Router) {
		r.Get("/", devices.ListDevicesHandler)
		r.Get("/{uuid}", devices.GetDeviceHandler)
		r.Post("/{uuid}/complete", devices.CompleteHandler)
		r.Post("/{uuid}/interfaces", devices.ReportInterfaceHandler)
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Delete("/{uuid}", devices.DeleteDeviceHandler)
			r.Post("/{uuid}/reset", devices.ResetHandler)
		})
	})

	// Subnets and leases endpoints group
	subnets := NewSubnets(a.ds, a.logger)
	r.Route("/api/v1/subnets", func(r chi.Router) {
		r.Get("/", subnets.ListSubnetsHandler)
		r.With(auth).Post("/", subnets.CreateSubnetHandler)
	})
	r.Get("/api/v1/leases", subnets.ListLeasesHandler)

	r.Get("/api/v1/events", a.hub.ServeHTTP)
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.ds.Ping(r.Context()); err != nil {
		a.logger.Error("health check failed", zap.Error(err))
		writeError(w, a.logger, http.StatusServiceUnavailable, "datastore unavailable")
		return
	}
	writeJSON(w, a.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidIdentity),
		errors.Is(err, repository.ErrInvalidEntity),
		errors.Is(err, allocator.ErrAddressOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, registry.ErrIdentityConflict),
		errors.Is(err, registry.ErrAddressInUse),
		errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, allocator.ErrAddressExhausted),
		errors.Is(err, allocator.ErrNoSubnet):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server errors are logged
// and their details withheld.
func respondError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", zap.Error(err))
		writeError(w, logger, status, strings.ToUpper(op[:1])+op[1:]+" failed")
		return
	}
	writeError(w, logger, status, err.Error())
}
